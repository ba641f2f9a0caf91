// Package types holds the core domain model shared by every component of the
// room coordination engine: rooms, peers, presence, turn requests, AI state,
// transcripts, and the JSON wire protocol spoken over the signaling socket.
//
// Keeping these in one leaf package avoids import cycles between the
// signaling hub, the AI orchestrator, and the stores that they both touch.
package types

import (
	"errors"
	"strings"
	"time"
)

// --- Core Identity Types ---

// RoomIDType is the 10-character opaque identifier of a room.
type RoomIDType string

// PeerIDType identifies a single connection. It is assigned on socket connect
// and is not stable across reconnects.
type PeerIDType string

// DisplayNameType is the human-readable name a peer joins with.
type DisplayNameType string

// RoleType defines the permission level of a peer inside a room.
type RoleType string

const (
	RoleTypeOwner       RoleType = "owner"
	RoleTypeModerator   RoleType = "moderator"
	RoleTypeParticipant RoleType = "participant"
)

// IsModeratorOrAbove reports whether the role carries moderation powers.
func (r RoleType) IsModeratorOrAbove() bool {
	return r == RoleTypeOwner || r == RoleTypeModerator
}

// --- Room ---

// RoomStatus is the lifecycle state of a room.
type RoomStatus string

const (
	RoomStatusWaiting RoomStatus = "waiting"
	RoomStatusActive  RoomStatus = "active"
	RoomStatusFull    RoomStatus = "full"
	RoomStatusClosed  RoomStatus = "closed" // terminal
)

const (
	// MinParticipants and MaxParticipants bound the configurable room capacity.
	MinParticipants = 2
	MaxParticipants = 10

	// DefaultMaxParticipants applies when a create request omits the field.
	DefaultMaxParticipants = 6

	// MaxDisplayNameLength bounds display names after trimming.
	MaxDisplayNameLength = 40
)

// Room is the authoritative record of a collaboration room. The store owns
// the canonical copy; snapshots handed to other components are value copies.
type Room struct {
	ID              RoomIDType `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	MaxParticipants int        `json:"maxParticipants"`
	Status          RoomStatus `json:"status"`
	OwnerID         string     `json:"ownerId,omitempty"`
	AIPersonality   string     `json:"aiPersonality,omitempty"`
	VoiceSettings   string     `json:"voiceSettings,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastActivityAt  time.Time  `json:"lastActivityAt"`
	Participants    []Peer     `json:"participants"`
}

// ParticipantCount returns the number of peers currently in the room.
func (r *Room) ParticipantCount() int { return len(r.Participants) }

// Summary strips the participant list for lobby listings.
func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		MaxParticipants:  r.MaxParticipants,
		ParticipantCount: len(r.Participants),
		Status:           r.Status,
		AIPersonality:    r.AIPersonality,
		CreatedAt:        r.CreatedAt,
		LastActivityAt:   r.LastActivityAt,
	}
}

// RoomSummary is the privacy-safe projection of a Room returned by listings.
type RoomSummary struct {
	ID               RoomIDType `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	MaxParticipants  int        `json:"maxParticipants"`
	ParticipantCount int        `json:"participantCount"`
	Status           RoomStatus `json:"status"`
	AIPersonality    string     `json:"aiPersonality,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastActivityAt   time.Time  `json:"lastActivityAt"`
}

// --- Peer & Presence ---

// ConnectionState mirrors the WebRTC peer connection state reported by clients.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
)

// AudioPresence is the audio-related slice of a peer's presence.
type AudioPresence struct {
	IsMuted        bool    `json:"isMuted"`
	IsSpeaking     bool    `json:"isSpeaking"`
	IsAddressingAI bool    `json:"isAddressingAI"`
	AudioLevel     float64 `json:"audioLevel"` // clamped to [0,1]
}

// Presence is the live, per-peer state maintained by the presence tracker.
type Presence struct {
	ConnectionState ConnectionState `json:"connectionState"`
	Audio           AudioPresence   `json:"audio"`
	LastActiveAt    time.Time       `json:"lastActiveAt"`
	IsIdle          bool            `json:"isIdle"`
}

// Peer is a participant of a room for the lifetime of one connection.
type Peer struct {
	ID          PeerIDType      `json:"id"`
	DisplayName DisplayNameType `json:"displayName"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Role        RoleType        `json:"role"`
	RoomID      RoomIDType      `json:"roomId"`
	JoinedAt    time.Time       `json:"joinedAt"`
	Presence    Presence        `json:"presence"`
}

// ValidateDisplayName enforces the 1..40 char rule after trimming.
func ValidateDisplayName(name string) (DisplayNameType, error) {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) == 0 || len(trimmed) > MaxDisplayNameLength {
		return "", errors.New("display name must be 1-40 characters")
	}
	return DisplayNameType(trimmed), nil
}

// ClampAudioLevel clamps a reported audio level into [0,1].
func ClampAudioLevel(level float64) float64 {
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}

// --- AI Personality Configuration ---

// Personality selects one of the preset system-instruction bundles.
type Personality string

const (
	PersonalityFacilitator Personality = "facilitator"
	PersonalityAssistant   Personality = "assistant"
	PersonalityExpert      Personality = "expert"
	PersonalityBrainstorm  Personality = "brainstorm"
	PersonalityCustom      Personality = "custom"
)

// KnownPersonality reports whether p is one of the supported presets.
func KnownPersonality(p Personality) bool {
	switch p {
	case PersonalityFacilitator, PersonalityAssistant, PersonalityExpert,
		PersonalityBrainstorm, PersonalityCustom:
		return true
	}
	return false
}

const (
	// MaxCustomInstructionsLength bounds custom personality instructions.
	MaxCustomInstructionsLength = 4000
	// MaxAdditionalContextLength bounds free-form room context.
	MaxAdditionalContextLength = 1000
)

// RoomAIConfig is the per-room AI configuration managed by the personality
// manager and applied when a provider session is opened or updated.
type RoomAIConfig struct {
	Personality        Personality `json:"personality"`
	CustomInstructions string      `json:"customInstructions,omitempty"`
	Voice              string      `json:"voice,omitempty"`
	Temperature        *float64    `json:"temperature,omitempty"` // [0,2]
	AdditionalContext  string      `json:"additionalContext,omitempty"`
	ParticipantContext string      `json:"participantContext,omitempty"`
}

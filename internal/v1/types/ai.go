package types

import "time"

// --- AI Session State ---

// AIStateKind is the per-room AI session state machine position.
type AIStateKind string

const (
	AIStateIdle       AIStateKind = "idle"
	AIStateListening  AIStateKind = "listening"
	AIStateProcessing AIStateKind = "processing"
	AIStateSpeaking   AIStateKind = "speaking"
	AIStateLocked     AIStateKind = "locked"
)

// ValidAITransition reports whether the state machine permits from -> to.
// An interrupt may force any non-idle state back to idle.
func ValidAITransition(from, to AIStateKind) bool {
	if from != AIStateIdle && to == AIStateIdle {
		return true
	}
	switch from {
	case AIStateIdle:
		return to == AIStateListening
	case AIStateListening:
		return to == AIStateListening || to == AIStateProcessing
	case AIStateProcessing:
		return to == AIStateSpeaking || to == AIStateLocked
	case AIStateSpeaking:
		return to == AIStateSpeaking || to == AIStateLocked
	case AIStateLocked:
		return to == AIStateSpeaking
	}
	return false
}

// RoomAIState is the broadcastable AI session snapshot for a room.
type RoomAIState struct {
	State             AIStateKind     `json:"state"`
	ActiveSpeakerID   PeerIDType      `json:"activeSpeakerId,omitempty"`
	ActiveSpeakerName DisplayNameType `json:"activeSpeakerName,omitempty"`
	IsSessionHealthy  bool            `json:"isSessionHealthy"`
	LastError         string          `json:"lastError,omitempty"`
	Queue             TurnQueueState  `json:"queue"`
}

// --- Turn Queue ---

// TurnRequest is one peer's pending or active request to address the AI.
// Position 0 means the request holds the active turn.
type TurnRequest struct {
	ID              string          `json:"id"`
	PeerID          PeerIDType      `json:"peerId"`
	PeerDisplayName DisplayNameType `json:"peerDisplayName"`
	RoomID          RoomIDType      `json:"roomId"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	Position        int             `json:"position"`
	Priority        int             `json:"priority"`
}

// TurnQueueState is the queue snapshot embedded in RoomAIState broadcasts.
type TurnQueueState struct {
	Active  *TurnRequest  `json:"active,omitempty"`
	Pending []TurnRequest `json:"pending"`
	Length  int           `json:"length"`
}

// --- Transcript ---

// EntryType classifies transcript entries.
type EntryType string

const (
	EntryTypeAmbient    EntryType = "ambient"
	EntryTypePTT        EntryType = "ptt"
	EntryTypeAIResponse EntryType = "ai_response"
	EntryTypeSystem     EntryType = "system"
)

// TranscriptEntry is one append-only line of a room's transcript. Entries are
// never mutated after append.
type TranscriptEntry struct {
	ID        string          `json:"id"`
	RoomID    RoomIDType      `json:"roomId"`
	Timestamp time.Time       `json:"timestamp"`
	Speaker   DisplayNameType `json:"speaker"`
	SpeakerID PeerIDType      `json:"speakerId,omitempty"` // empty for AI/system
	Content   string          `json:"content"`
	Type      EntryType       `json:"type"`
}

// TranscriptSummary condenses a coverage interval of transcript entries.
// Summaries never rewrite history; coverage intervals of successive
// summaries are non-overlapping.
type TranscriptSummary struct {
	ID                string     `json:"id"`
	RoomID            RoomIDType `json:"roomId"`
	Timestamp         time.Time  `json:"timestamp"`
	Content           string     `json:"content"`
	BulletPoints      []string   `json:"bulletPoints,omitempty"`
	EntriesSummarized int        `json:"entriesSummarized"`
	TokenCount        int        `json:"tokenCount,omitempty"`
	CoverageStart     time.Time  `json:"coverageStart"`
	CoverageEnd       time.Time  `json:"coverageEnd"`
}

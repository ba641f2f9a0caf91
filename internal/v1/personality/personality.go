// Package personality manages per-room AI configuration: the preset or
// custom system instructions, voice, and temperature applied to provider
// sessions.
package personality

import (
	"fmt"
	"strings"
	"sync"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// Preset system instructions. The facilitator preset is the default for new
// rooms.
var presetInstructions = map[types.Personality]string{
	types.PersonalityFacilitator: "You are a skilled meeting facilitator in a live group voice conversation. " +
		"Keep the discussion on track, draw out quieter participants, and summarize " +
		"points of agreement when they emerge. Keep responses brief and conversational.",
	types.PersonalityAssistant: "You are a helpful assistant in a live group voice conversation. " +
		"Answer questions directly and concisely. When asked to look something up, use the " +
		"available tools. Keep responses short since this is a spoken conversation.",
	types.PersonalityExpert: "You are a subject-matter expert joining a live group voice conversation. " +
		"Give precise, well-grounded answers and say when you are uncertain. " +
		"Prefer depth over breadth but keep spoken responses under a minute.",
	types.PersonalityBrainstorm: "You are an energetic brainstorming partner in a live group voice conversation. " +
		"Build on participants' ideas, offer unexpected angles, and defer judgment. " +
		"Keep each contribution short so everyone keeps talking.",
}

// Per-preset voice and temperature suggestions. Explicit room overrides win.
var presetVoices = map[types.Personality]string{
	types.PersonalityFacilitator: "alloy",
	types.PersonalityAssistant:   "alloy",
	types.PersonalityExpert:      "onyx",
	types.PersonalityBrainstorm:  "shimmer",
}

var presetTemperatures = map[types.Personality]float64{
	types.PersonalityFacilitator: 0.7,
	types.PersonalityAssistant:   0.6,
	types.PersonalityExpert:      0.4,
	types.PersonalityBrainstorm:  1.0,
}

const (
	// DefaultVoice is used when neither the room nor the preset names one.
	DefaultVoice = "alloy"
	// DefaultTemperature is used when neither the room nor the preset sets one.
	DefaultTemperature = 0.8
)

// Manager holds each room's AI configuration.
type Manager struct {
	mu    sync.RWMutex
	rooms map[types.RoomIDType]*types.RoomAIConfig
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{rooms: make(map[types.RoomIDType]*types.RoomAIConfig)}
}

// Get returns the room's config, defaulting to the facilitator preset.
func (m *Manager) Get(roomID types.RoomIDType) types.RoomAIConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.rooms[roomID]; ok {
		return *cfg
	}
	return types.RoomAIConfig{Personality: types.PersonalityFacilitator}
}

// SetPersonality switches the room's personality. Custom requires non-empty
// instructions within the length bound.
func (m *Manager) SetPersonality(roomID types.RoomIDType, p types.Personality, customInstructions string) error {
	if !types.KnownPersonality(p) {
		return fmt.Errorf("unknown personality %q", p)
	}
	if p == types.PersonalityCustom {
		trimmed := strings.TrimSpace(customInstructions)
		if trimmed == "" {
			return fmt.Errorf("custom personality requires instructions")
		}
		if len(trimmed) > types.MaxCustomInstructionsLength {
			return fmt.Errorf("custom instructions exceed %d characters", types.MaxCustomInstructionsLength)
		}
		customInstructions = trimmed
	} else {
		customInstructions = ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.roomLocked(roomID)
	cfg.Personality = p
	cfg.CustomInstructions = customInstructions
	return nil
}

// SetVoice records an explicit voice override for the room.
func (m *Manager) SetVoice(roomID types.RoomIDType, voice string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomLocked(roomID).Voice = voice
}

// SetTemperature records an explicit temperature override. Rejects values
// outside [0, 2].
func (m *Manager) SetTemperature(roomID types.RoomIDType, temperature float64) error {
	if temperature < 0 || temperature > 2 {
		return fmt.Errorf("temperature %v outside [0, 2]", temperature)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomLocked(roomID).Temperature = &temperature
	return nil
}

// SetAdditionalContext records free-form room context appended to the system
// instructions. Rejects oversized context.
func (m *Manager) SetAdditionalContext(roomID types.RoomIDType, context string) error {
	if len(context) > types.MaxAdditionalContextLength {
		return fmt.Errorf("additional context exceeds %d characters", types.MaxAdditionalContextLength)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomLocked(roomID).AdditionalContext = context
	return nil
}

// SetParticipantContext refreshes the "who is in the room" block, maintained
// by the orchestrator as peers come and go.
func (m *Manager) SetParticipantContext(roomID types.RoomIDType, context string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomLocked(roomID).ParticipantContext = context
}

// GenerateInstructions composes the full system-instruction text: the preset
// (or custom) base, then the participant context and additional context, each
// in its own block.
func (m *Manager) GenerateInstructions(roomID types.RoomIDType) string {
	cfg := m.Get(roomID)

	base := cfg.CustomInstructions
	if cfg.Personality != types.PersonalityCustom || base == "" {
		base = presetInstructions[cfg.Personality]
		if base == "" {
			base = presetInstructions[types.PersonalityFacilitator]
		}
	}

	var b strings.Builder
	b.WriteString(base)
	if cfg.ParticipantContext != "" {
		b.WriteString("\n\n")
		b.WriteString(cfg.ParticipantContext)
	}
	if cfg.AdditionalContext != "" {
		b.WriteString("\n\n")
		b.WriteString(cfg.AdditionalContext)
	}
	return b.String()
}

// Voice resolves the room's voice: explicit override, preset suggestion,
// then global default.
func (m *Manager) Voice(roomID types.RoomIDType) string {
	cfg := m.Get(roomID)
	if cfg.Voice != "" {
		return cfg.Voice
	}
	if v, ok := presetVoices[cfg.Personality]; ok {
		return v
	}
	return DefaultVoice
}

// Temperature resolves the room's temperature with the same precedence as
// Voice, clamped to [0, 2].
func (m *Manager) Temperature(roomID types.RoomIDType) float64 {
	cfg := m.Get(roomID)
	var t float64
	switch {
	case cfg.Temperature != nil:
		t = *cfg.Temperature
	default:
		var ok bool
		if t, ok = presetTemperatures[cfg.Personality]; !ok {
			t = DefaultTemperature
		}
	}
	if t < 0 {
		return 0
	}
	if t > 2 {
		return 2
	}
	return t
}

// DropRoom discards config for a closed room.
func (m *Manager) DropRoom(roomID types.RoomIDType) {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

func (m *Manager) roomLocked(roomID types.RoomIDType) *types.RoomAIConfig {
	cfg, ok := m.rooms[roomID]
	if !ok {
		cfg = &types.RoomAIConfig{Personality: types.PersonalityFacilitator}
		m.rooms[roomID] = cfg
	}
	return cfg
}

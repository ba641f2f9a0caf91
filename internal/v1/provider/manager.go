package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// audioQueueDepth bounds the per-room outbound audio queue. SendAudio never
// blocks: when the writer falls behind, the oldest frame is dropped.
const audioQueueDepth = 64

// Manager maps rooms to provider sessions and decouples audio submission
// from the WebSocket write path.
type Manager struct {
	adapter Adapter

	mu       sync.Mutex
	sessions map[types.RoomIDType]*roomSession
}

type roomSession struct {
	sess        Session
	audioQueue  chan string
	cancelWrite context.CancelFunc

	mu          sync.Mutex
	speakerID   types.PeerIDType
	speakerName types.DisplayNameType
}

// NewManager creates a Manager backed by the given adapter.
func NewManager(adapter Adapter) *Manager {
	return &Manager{
		adapter:  adapter,
		sessions: make(map[types.RoomIDType]*roomSession),
	}
}

// Capabilities exposes the adapter's capability sheet.
func (m *Manager) Capabilities() Capabilities { return m.adapter.Capabilities() }

// CreateSession opens a provider session for the room. At most one session
// per room; creating over a live session is an error.
func (m *Manager) CreateSession(ctx context.Context, roomID types.RoomIDType, cfg SessionConfig) error {
	m.mu.Lock()
	if _, exists := m.sessions[roomID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("provider: session already open for room %s", roomID)
	}
	m.mu.Unlock()

	sess, err := m.adapter.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithCancel(context.Background())
	rs := &roomSession{
		sess:        sess,
		audioQueue:  make(chan string, audioQueueDepth),
		cancelWrite: cancel,
	}

	m.mu.Lock()
	if _, exists := m.sessions[roomID]; exists {
		m.mu.Unlock()
		cancel()
		sess.Close()
		return fmt.Errorf("provider: session already open for room %s", roomID)
	}
	m.sessions[roomID] = rs
	m.mu.Unlock()

	metrics.AISessionsActive.Inc()
	go rs.writeLoop(writeCtx, roomID)
	return nil
}

// writeLoop drains the audio queue onto the provider connection.
func (rs *roomSession) writeLoop(ctx context.Context, roomID types.RoomIDType) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-rs.audioQueue:
			if err := rs.sess.SendAudio(chunk); err != nil {
				logging.GetLogger().Warn("provider audio write failed",
					zap.String("roomId", string(roomID)), zap.Error(err))
			}
		}
	}
}

// CloseSession tears down the room's session. Idempotent.
func (m *Manager) CloseSession(roomID types.RoomIDType) error {
	m.mu.Lock()
	rs, ok := m.sessions[roomID]
	if ok {
		delete(m.sessions, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.AISessionsActive.Dec()
	rs.cancelWrite()
	return rs.sess.Close()
}

// IsSessionConnected reports whether the room has a healthy session.
func (m *Manager) IsSessionConnected(roomID types.RoomIDType) bool {
	if rs := m.get(roomID); rs != nil {
		return rs.sess.Connected()
	}
	return false
}

// SendAudio enqueues a base64 PCM16 chunk. Never blocks: on backpressure the
// oldest queued frame is dropped so the stream stays near-live.
func (m *Manager) SendAudio(roomID types.RoomIDType, pcmBase64 string) {
	rs := m.get(roomID)
	if rs == nil {
		return
	}
	for {
		select {
		case rs.audioQueue <- pcmBase64:
			return
		default:
			select {
			case <-rs.audioQueue:
				metrics.AIAudioFramesDropped.Inc()
			default:
			}
		}
	}
}

// CommitAudio finalizes buffered input for the room.
func (m *Manager) CommitAudio(roomID types.RoomIDType) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.CommitAudio()
}

// TriggerResponse asks the model to respond now.
func (m *Manager) TriggerResponse(roomID types.RoomIDType) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.TriggerResponse()
}

// CancelResponse aborts the in-flight response. Returns false when there is
// no session or the adapter could not cancel.
func (m *Manager) CancelResponse(roomID types.RoomIDType) bool {
	rs := m.get(roomID)
	if rs == nil {
		return false
	}
	return rs.sess.CancelResponse()
}

// RegisterTools replaces the room session's tool set.
func (m *Manager) RegisterTools(roomID types.RoomIDType, tools []ToolDefinition) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.RegisterTools(tools)
}

// SendFunctionOutput returns a tool result to the model.
func (m *Manager) SendFunctionOutput(roomID types.RoomIDType, callID, outputJSON string) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.SendFunctionOutput(callID, outputJSON)
}

// InjectContext inserts a system text item into the conversation.
func (m *Manager) InjectContext(roomID types.RoomIDType, text string) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.InjectContext(text)
}

// UpdateInstructions replaces system instructions mid-session.
func (m *Manager) UpdateInstructions(roomID types.RoomIDType, instructions string) error {
	rs := m.get(roomID)
	if rs == nil {
		return fmt.Errorf("provider: no session for room %s", roomID)
	}
	return rs.sess.UpdateInstructions(instructions)
}

// SetActiveSpeaker records who currently addresses the AI and tells the model
// so responses attribute correctly.
func (m *Manager) SetActiveSpeaker(roomID types.RoomIDType, peerID types.PeerIDType, name types.DisplayNameType) {
	rs := m.get(roomID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	changed := rs.speakerID != peerID
	rs.speakerID = peerID
	rs.speakerName = name
	rs.mu.Unlock()

	if changed && name != "" {
		if err := rs.sess.InjectContext(fmt.Sprintf("The participant now speaking to you is %s.", name)); err != nil {
			logging.GetLogger().Debug("active speaker context injection failed",
				zap.String("roomId", string(roomID)), zap.Error(err))
		}
	}
}

// ActiveSpeaker returns the recorded active speaker for the room.
func (m *Manager) ActiveSpeaker(roomID types.RoomIDType) (types.PeerIDType, types.DisplayNameType) {
	rs := m.get(roomID)
	if rs == nil {
		return "", ""
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.speakerID, rs.speakerName
}

func (m *Manager) get(roomID types.RoomIDType) *roomSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[roomID]
}

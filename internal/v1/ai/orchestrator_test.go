package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/audio"
	"github.com/voicedeck/voicedeck/internal/v1/interrupt"
	"github.com/voicedeck/voicedeck/internal/v1/personality"
	"github.com/voicedeck/voicedeck/internal/v1/provider"
	"github.com/voicedeck/voicedeck/internal/v1/search"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/turnqueue"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

const testRoom = types.RoomIDType("room-1")

// scriptedSession records calls and lets tests fire provider callbacks.
type scriptedSession struct {
	callbacks provider.Callbacks

	mu        sync.Mutex
	audio     []string
	committed int
	triggered int
	cancelled int
	outputs   map[string]string
	closed    bool
}

func (s *scriptedSession) SendAudio(b64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, b64)
	return nil
}

func (s *scriptedSession) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
	return nil
}

func (s *scriptedSession) TriggerResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered++
	return nil
}

func (s *scriptedSession) CancelResponse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
	return true
}

func (s *scriptedSession) RegisterTools([]provider.ToolDefinition) error { return nil }

func (s *scriptedSession) SendFunctionOutput(callID, outputJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputs == nil {
		s.outputs = make(map[string]string)
	}
	s.outputs[callID] = outputJSON
	return nil
}

func (s *scriptedSession) InjectContext(string) error        { return nil }
func (s *scriptedSession) UpdateInstructions(string) error   { return nil }
func (s *scriptedSession) Connected() bool                   { s.mu.Lock(); defer s.mu.Unlock(); return !s.closed }
func (s *scriptedSession) Close() error                      { s.mu.Lock(); defer s.mu.Unlock(); s.closed = true; return nil }
func (s *scriptedSession) audioCount() int                   { s.mu.Lock(); defer s.mu.Unlock(); return len(s.audio) }
func (s *scriptedSession) commitCount() (int, int)           { s.mu.Lock(); defer s.mu.Unlock(); return s.committed, s.triggered }
func (s *scriptedSession) output(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[callID]
	return out, ok
}

type scriptedAdapter struct {
	mu       sync.Mutex
	sessions []*scriptedSession
}

func (a *scriptedAdapter) Connect(_ context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	sess := &scriptedSession{callbacks: cfg.Callbacks}
	a.mu.Lock()
	a.sessions = append(a.sessions, sess)
	a.mu.Unlock()
	return sess, nil
}

func (a *scriptedAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Name: "scripted", OutputSampleRate: 24000}
}

func (a *scriptedAdapter) last() *scriptedSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

type safeBroadcaster struct {
	mu       sync.Mutex
	messages []types.Outbound
}

func (b *safeBroadcaster) BroadcastToRoom(_ types.RoomIDType, msg types.Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *safeBroadcaster) ofEvent(event types.Event) []types.Outbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Outbound
	for _, m := range b.messages {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type alwaysExists struct{}

func (alwaysExists) Exists(types.RoomIDType) bool { return true }

type fixture struct {
	orch    *Orchestrator
	adapter *scriptedAdapter
	bc      *safeBroadcaster
	store   *transcript.Store
	queue   *turnqueue.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	adapter := &scriptedAdapter{}
	bc := &safeBroadcaster{}
	store := transcript.New()
	queue := turnqueue.New(turnqueue.Config{MinTurnInterval: time.Nanosecond, AutoAdvance: true})
	t.Cleanup(queue.Close)

	bridge := search.NewBridge()
	bridge.Register("webSearch", func(ctx context.Context, argsJSON string) (string, error) {
		return `{"results":[]}`, nil
	})

	orch := New(
		provider.NewManager(adapter),
		queue,
		interrupt.NewHandler(interrupt.DefaultConfig(), alwaysExists{}),
		store,
		personality.NewManager(),
		bridge,
		bc,
		audio.Config{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)
	return &fixture{orch: orch, adapter: adapter, bc: bc, store: store, queue: queue}
}

func (f *fixture) startTurn(t *testing.T) *scriptedSession {
	t.Helper()
	require.NoError(t, f.orch.HandlePTTStart(testRoom, "peer-a", "Ada", types.RoleTypeParticipant))
	require.Eventually(t, func() bool {
		return f.orch.State(testRoom).State == types.AIStateListening
	}, time.Second, 5*time.Millisecond)
	sess := f.adapter.last()
	require.NotNil(t, sess)
	return sess
}

func TestPTTStart_OpensSessionAndListens(t *testing.T) {
	f := newFixture(t)
	f.startTurn(t)

	st := f.orch.State(testRoom)
	assert.Equal(t, types.AIStateListening, st.State)
	assert.Equal(t, types.PeerIDType("peer-a"), st.ActiveSpeakerID)
	assert.True(t, st.IsSessionHealthy)
	assert.NotEmpty(t, f.bc.ofEvent(types.EventAIState))
}

func TestAudioData_ForwardedOnlyFromActiveSpeaker(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)

	loud := make([]int16, 480)
	for i := range loud {
		loud[i] = 8000
	}
	chunk := encodePCM16(loud)

	f.orch.HandleAudioData(testRoom, "peer-b", chunk) // not the active speaker
	f.orch.HandleAudioData(testRoom, "peer-a", chunk)

	require.Eventually(t, func() bool { return sess.audioCount() > 0 }, time.Second, 5*time.Millisecond)
}

func TestPTTEnd_CommitsAndTriggers(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)

	f.orch.HandlePTTEnd(testRoom, "peer-a")

	assert.Equal(t, types.AIStateProcessing, f.orch.State(testRoom).State)
	committed, triggered := sess.commitCount()
	assert.Equal(t, 1, committed)
	assert.Equal(t, 1, triggered)
}

func TestProviderAudio_BroadcastAndSpeaking(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)
	f.orch.HandlePTTEnd(testRoom, "peer-a")

	sess.callbacks.OnAudioData("frame-1")
	sess.callbacks.OnAudioData("frame-2")

	assert.Equal(t, types.AIStateSpeaking, f.orch.State(testRoom).State)
	frames := f.bc.ofEvent(types.EventAIAudio)
	require.Len(t, frames, 2)
	assert.Equal(t, "frame-1", frames[0].Payload.(types.AIAudioPayload).Audio)
	assert.Equal(t, "frame-2", frames[1].Payload.(types.AIAudioPayload).Audio)
}

func TestResponseDone_AppendsTranscriptAndIdles(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)
	f.orch.HandlePTTEnd(testRoom, "peer-a")

	sess.callbacks.OnTranscriptDelta("assistant", "Hello ")
	sess.callbacks.OnTranscriptDelta("assistant", "everyone.")
	sess.callbacks.OnAudioData("frame")
	sess.callbacks.OnResponseDone()

	require.Eventually(t, func() bool {
		return f.orch.State(testRoom).State == types.AIStateIdle
	}, time.Second, 5*time.Millisecond)

	entries := f.store.AllEntries(testRoom)
	require.Len(t, entries, 1)
	assert.Equal(t, "Hello everyone.", entries[0].Content)
	assert.Equal(t, types.EntryTypeAIResponse, entries[0].Type)
	assert.Equal(t, types.DisplayNameType("AI"), entries[0].Speaker)
}

func TestFunctionCall_PausesAndFlushesAudioInOrder(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)
	f.orch.HandlePTTEnd(testRoom, "peer-a")
	sess.callbacks.OnAudioData("before")

	sess.callbacks.OnFunctionCall("webSearch", "call-1", `{"query":"go"}`)
	// Frames arriving while the tool runs are buffered, not lost.
	sess.callbacks.OnAudioData("during-1")
	sess.callbacks.OnAudioData("during-2")

	require.Eventually(t, func() bool {
		_, ok := sess.output("call-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.bc.ofEvent(types.EventAIAudio)) == 3
	}, time.Second, 5*time.Millisecond)

	frames := f.bc.ofEvent(types.EventAIAudio)
	assert.Equal(t, "before", frames[0].Payload.(types.AIAudioPayload).Audio)
	assert.Equal(t, "during-1", frames[1].Payload.(types.AIAudioPayload).Audio)
	assert.Equal(t, "during-2", frames[2].Payload.(types.AIAudioPayload).Audio)

	assert.NotEmpty(t, f.bc.ofEvent(types.EventSearchStarted))
	assert.NotEmpty(t, f.bc.ofEvent(types.EventSearchResults))
}

func TestInterrupt_CancelsAndIdles(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)
	f.orch.HandlePTTEnd(testRoom, "peer-a")
	sess.callbacks.OnAudioData("frame")
	require.Equal(t, types.AIStateSpeaking, f.orch.State(testRoom).State)

	require.NoError(t, f.orch.HandleInterrupt(testRoom, "peer-b", types.RoleTypeParticipant))

	sess.mu.Lock()
	cancelled := sess.cancelled
	sess.mu.Unlock()
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, types.AIStateIdle, f.orch.State(testRoom).State)
}

func TestInterrupt_DeniedWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.startTurn(t)
	// Listening is not an interruptible state.
	err := f.orch.HandleInterrupt(testRoom, "peer-b", types.RoleTypeParticipant)
	require.Error(t, err)
}

func TestProviderError_MarksUnhealthyIsolatedPerRoom(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)

	otherRoom := types.RoomIDType("room-2")
	require.NoError(t, f.orch.HandlePTTStart(otherRoom, "peer-z", "Zoe", types.RoleTypeParticipant))
	require.Eventually(t, func() bool {
		return f.orch.State(otherRoom).State == types.AIStateListening
	}, time.Second, 5*time.Millisecond)

	sess.callbacks.OnError(provider.ErrorKindFatal, "socket reset")

	require.Eventually(t, func() bool {
		st := f.orch.State(testRoom)
		return !st.IsSessionHealthy && st.State == types.AIStateIdle
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "socket reset", f.orch.State(testRoom).LastError)

	// The failure never leaks into the other room.
	assert.True(t, f.orch.State(otherRoom).IsSessionHealthy)
}

func TestPeerLeft_EndsHeldTurn(t *testing.T) {
	f := newFixture(t)
	f.startTurn(t)

	f.orch.PeerLeft(testRoom, "peer-a")

	require.Eventually(t, func() bool {
		st := f.orch.State(testRoom)
		return st.State == types.AIStateIdle && st.ActiveSpeakerID == ""
	}, time.Second, 5*time.Millisecond)
}

func TestCloseRoom_TearsDownSession(t *testing.T) {
	f := newFixture(t)
	sess := f.startTurn(t)

	f.orch.CloseRoom(testRoom)

	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	assert.True(t, closed)
	assert.Equal(t, types.AIStateIdle, f.orch.State(testRoom).State)
}

func TestPCM16RoundTrip(t *testing.T) {
	in := []int16{0, 100, -100, 32767, -32768}
	out, err := decodePCM16(encodePCM16(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// recordingBroadcaster captures room broadcasts for assertions.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []types.Outbound
}

func (r *recordingBroadcaster) BroadcastToRoom(roomID types.RoomIDType, msg types.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingBroadcaster) count(event types.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

func boolPtr(b bool) *bool       { return &b }
func f64Ptr(f float64) *float64  { return &f }

func TestUpdate_DebounceCoalesces(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(20*time.Millisecond))
	tr.AddPeer("room1", "alice")

	// 50 rapid updates inside one window produce exactly one broadcast.
	for i := 0; i < 50; i++ {
		tr.Update("room1", "alice", types.PresencePayload{AudioLevel: f64Ptr(0.5 + float64(i%2)*0.001)})
	}

	require.Eventually(t, func() bool {
		return rec.count(types.EventPresenceUpdate) >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(types.EventPresenceUpdate))
}

func TestUpdate_SuppressesUnchangedState(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(10*time.Millisecond))
	tr.AddPeer("room1", "alice")

	tr.Update("room1", "alice", types.PresencePayload{IsSpeaking: boolPtr(true), AudioLevel: f64Ptr(0.5)})
	require.Eventually(t, func() bool {
		return rec.count(types.EventPresenceUpdate) == 1
	}, time.Second, 5*time.Millisecond)

	// Same flags, audio level within epsilon: suppressed.
	tr.Update("room1", "alice", types.PresencePayload{IsSpeaking: boolPtr(true), AudioLevel: f64Ptr(0.52)})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rec.count(types.EventPresenceUpdate))

	// Level change beyond epsilon broadcasts again.
	tr.Update("room1", "alice", types.PresencePayload{AudioLevel: f64Ptr(0.9)})
	require.Eventually(t, func() bool {
		return rec.count(types.EventPresenceUpdate) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestUpdate_UnknownPeerDropped(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(5*time.Millisecond))

	tr.Update("room1", "ghost", types.PresencePayload{IsMuted: boolPtr(true)})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count(types.EventPresenceUpdate))
}

func TestUpdate_ClampsAudioLevel(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(5*time.Millisecond))
	tr.AddPeer("room1", "alice")

	tr.Update("room1", "alice", types.PresencePayload{AudioLevel: f64Ptr(3.2)})
	require.Eventually(t, func() bool {
		p, ok := tr.Get("room1", "alice")
		return ok && p.Audio.AudioLevel == 1.0
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_NoBroadcast(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(5*time.Millisecond))
	tr.AddPeer("room1", "alice")

	before, _ := tr.Get("room1", "alice")
	time.Sleep(2 * time.Millisecond)
	tr.Heartbeat("room1", "alice")
	after, _ := tr.Get("room1", "alice")

	assert.True(t, after.LastActiveAt.After(before.LastActiveAt) || after.LastActiveAt.Equal(before.LastActiveAt))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count(types.EventPresenceUpdate))
}

func TestMarkIdlePeers(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithClock(clock))
	tr.AddPeer("room1", "alice")

	now = now.Add(idleMultiplier*HeartbeatInterval + time.Second)
	tr.markIdlePeers()

	p, ok := tr.Get("room1", "alice")
	require.True(t, ok)
	assert.True(t, p.IsIdle)

	// Heartbeat clears idleness.
	tr.Heartbeat("room1", "alice")
	p, _ = tr.Get("room1", "alice")
	assert.False(t, p.IsIdle)
}

func TestActiveSpeaker(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(time.Millisecond))
	tr.AddPeer("room1", "alice")
	tr.AddPeer("room1", "bob")

	assert.Empty(t, tr.ActiveSpeaker("room1"))

	tr.Update("room1", "alice", types.PresencePayload{IsSpeaking: boolPtr(true), AudioLevel: f64Ptr(0.4)})
	tr.Update("room1", "bob", types.PresencePayload{IsSpeaking: boolPtr(true), AudioLevel: f64Ptr(0.8)})
	require.Eventually(t, func() bool {
		return tr.ActiveSpeaker("room1") == "bob"
	}, time.Second, 5*time.Millisecond)

	tr.Update("room1", "bob", types.PresencePayload{IsSpeaking: boolPtr(false)})
	require.Eventually(t, func() bool {
		return tr.ActiveSpeaker("room1") == "alice"
	}, time.Second, 5*time.Millisecond)
}

func TestRemovePeer_CleansUp(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec, WithDebounce(50*time.Millisecond))
	tr.AddPeer("room1", "alice")

	tr.Update("room1", "alice", types.PresencePayload{IsMuted: boolPtr(true)})
	tr.RemovePeer("room1", "alice")

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, rec.count(types.EventPresenceUpdate), "pending flush cancelled on removal")

	_, ok := tr.Get("room1", "alice")
	assert.False(t, ok)
}

func TestSyncSnapshot(t *testing.T) {
	rec := &recordingBroadcaster{}
	tr := NewTracker(rec)
	tr.AddPeer("room1", "alice")
	tr.AddPeer("room1", "bob")

	snap := tr.SyncSnapshot("room1")
	assert.Len(t, snap, 2)
	assert.Empty(t, tr.SyncSnapshot("unknown"))
}

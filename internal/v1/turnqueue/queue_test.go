package turnqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

const testRoom = types.RoomIDType("room-1")

func newTestProcessor(t *testing.T, now *time.Time) *Processor {
	t.Helper()
	p := New(Config{AutoAdvance: false}, WithClock(func() time.Time { return *now }))
	t.Cleanup(p.Close)
	return p
}

// drain collects every event currently buffered.
func drain(p *Processor) []Event {
	var out []Event
	for {
		select {
		case e := <-p.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfKind(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestEnqueue_FIFOAmongEquals(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	a := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	b := p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)

	st := p.State(testRoom)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, a.ID, st.Pending[0].ID)
	assert.Equal(t, b.ID, st.Pending[1].ID)
	assert.Equal(t, 1, st.Pending[0].Position)
	assert.Equal(t, 2, st.Pending[1].Position)
}

func TestEnqueue_PriorityInsertsBeforeLower(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	mod := p.Enqueue(testRoom, "peer-m", "Mia", types.RoleTypeModerator, 0)
	require.NotNil(t, mod)

	st := p.State(testRoom)
	require.Len(t, st.Pending, 3)
	// Moderator boost places the request at the head.
	assert.Equal(t, mod.ID, st.Pending[0].ID)
	assert.Equal(t, 100, st.Pending[0].Priority)
}

func TestEnqueue_ModeratorGetsLongerTimeout(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	normal := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	mod := p.Enqueue(testRoom, "peer-m", "Mia", types.RoleTypeOwner, 0)

	assert.Equal(t, now.Add(30*time.Second), normal.ExpiresAt)
	assert.Equal(t, now.Add(60*time.Second), mod.ExpiresAt)
}

func TestEnqueue_FullQueueReturnsNil(t *testing.T) {
	now := time.Now()
	p := New(Config{MaxQueueSize: 3, AutoAdvance: false}, WithClock(func() time.Time { return now }))
	defer p.Close()

	for i := 0; i < 3; i++ {
		require.NotNil(t, p.Enqueue(testRoom, types.PeerIDType("p"), "Ada", types.RoleTypeParticipant, 0))
	}
	assert.Nil(t, p.Enqueue(testRoom, "p", "Ada", types.RoleTypeParticipant, 0))
}

func TestProcessNext_GrantsHead(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	req := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	drain(p)

	granted := p.ProcessNext(testRoom)
	require.NotNil(t, granted)
	assert.Equal(t, req.ID, granted.ID)
	assert.Equal(t, 0, granted.Position)

	st := p.State(testRoom)
	require.NotNil(t, st.Active)
	assert.Equal(t, req.ID, st.Active.ID)
	assert.Empty(t, st.Pending)

	events := eventsOfKind(drain(p), EventGranted)
	require.Len(t, events, 1)
	assert.Equal(t, req.ID, events[0].Request.ID)
}

func TestProcessNext_BlockedWhileActive(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	require.NotNil(t, p.ProcessNext(testRoom))
	assert.Nil(t, p.ProcessNext(testRoom))
}

func TestProcessNext_DiscardsExpiredHeads(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	stale := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	fresh := p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	drain(p)

	// Only the first request is past its deadline once we jump 31s and
	// refresh the second request's expiry.
	p.mu.Lock()
	p.rooms[testRoom].pending[1].ExpiresAt = now.Add(2 * time.Minute)
	p.mu.Unlock()
	now = now.Add(31 * time.Second)

	granted := p.ProcessNext(testRoom)
	require.NotNil(t, granted)
	assert.Equal(t, fresh.ID, granted.ID)

	expired := eventsOfKind(drain(p), EventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].Request.ID)
}

func TestProcessNext_MinInterval(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	require.NotNil(t, p.ProcessNext(testRoom))
	p.EndTurn(testRoom, false)

	p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	// Immediately after a completion the grant is deferred.
	assert.Nil(t, p.ProcessNext(testRoom))

	now = now.Add(600 * time.Millisecond)
	granted := p.ProcessNext(testRoom)
	require.NotNil(t, granted)
	assert.Equal(t, types.PeerIDType("peer-b"), granted.PeerID)
}

func TestProcessNext_MaxAttemptsRejects(t *testing.T) {
	now := time.Now()
	p := New(Config{MaxProcessingAttempts: 2, AutoAdvance: false}, WithClock(func() time.Time { return now }))
	defer p.Close()

	req := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	drain(p)

	// Two grants whose turn never starts: each requeue keeps the attempt
	// count, so the third grant attempt exhausts the budget.
	for i := 0; i < 2; i++ {
		granted := p.ProcessNext(testRoom)
		require.NotNil(t, granted)
		p.Requeue(testRoom)
		now = now.Add(time.Second)
	}

	assert.Nil(t, p.ProcessNext(testRoom))
	rejected := eventsOfKind(drain(p), EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, req.ID, rejected[0].Request.ID)
	assert.Equal(t, "Max processing attempts", rejected[0].Reason)
}

func TestRequeue_RestoresHeadPosition(t *testing.T) {
	p := New(Config{MinTurnInterval: time.Nanosecond}, WithClock(time.Now))
	defer p.Close()

	first := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	p.Enqueue(testRoom, "peer-b", "Bea", types.RoleTypeParticipant, 0)

	granted := p.ProcessNext(testRoom)
	require.NotNil(t, granted)
	require.Equal(t, first.ID, granted.ID)
	drain(p)

	p.Requeue(testRoom)
	st := p.State(testRoom)
	assert.Nil(t, st.Active)
	require.Len(t, st.Pending, 2)
	assert.Equal(t, first.ID, st.Pending[0].ID)
	assert.Equal(t, 1, st.Pending[0].Position)

	// Without an active turn the call is a no-op.
	p.Requeue(testRoom)
	assert.Len(t, p.State(testRoom).Pending, 2)
}

func TestOnResponseDone_AutoAdvances(t *testing.T) {
	now := time.Now()
	p := New(Config{MinTurnInterval: time.Nanosecond, AutoAdvance: true}, WithClock(time.Now))
	defer p.Close()
	_ = now

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	b := p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	require.NotNil(t, p.ProcessNext(testRoom))
	drain(p)

	p.OnResponseDone(testRoom)

	require.Eventually(t, func() bool {
		st := p.State(testRoom)
		return st.Active != nil && st.Active.ID == b.ID
	}, time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	a := p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	b := p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	drain(p)

	require.True(t, p.Cancel(testRoom, a.ID))
	assert.False(t, p.Cancel(testRoom, a.ID))

	st := p.State(testRoom)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, b.ID, st.Pending[0].ID)
	assert.Equal(t, 1, st.Pending[0].Position)

	events := drain(p)
	require.Len(t, eventsOfKind(events, EventCancelled), 1)
	positions := eventsOfKind(events, EventPositions)
	require.Len(t, positions, 1)
	assert.Equal(t, b.ID, positions[0].Positions[0].ID)
}

func TestCancelAllForPeer(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)
	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)

	assert.Equal(t, 2, p.CancelAllForPeer(testRoom, "peer-a"))
	assert.Equal(t, 0, p.CancelAllForPeer(testRoom, "peer-a"))

	st := p.State(testRoom)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, types.PeerIDType("peer-b"), st.Pending[0].PeerID)
}

func TestBumpToFront(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	b := p.Enqueue(testRoom, "peer-b", "Bob", types.RoleTypeParticipant, 0)

	require.True(t, p.BumpToFront(testRoom, b.ID))
	st := p.State(testRoom)
	assert.Equal(t, b.ID, st.Pending[0].ID)

	assert.False(t, p.BumpToFront(testRoom, "missing"))
}

func TestEndTurn_NoActiveIsSafe(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)
	p.EndTurn(testRoom, false)
	p.EndTurn("never-seen", true)
}

func TestDropRoom(t *testing.T) {
	now := time.Now()
	p := newTestProcessor(t, &now)

	p.Enqueue(testRoom, "peer-a", "Ada", types.RoleTypeParticipant, 0)
	p.DropRoom(testRoom)

	st := p.State(testRoom)
	assert.Nil(t, st.Active)
	assert.Empty(t, st.Pending)
}

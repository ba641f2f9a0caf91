package interrupt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

const testRoom = types.RoomIDType("room-1")

type fakeChecker struct{ existing map[types.RoomIDType]bool }

func (f *fakeChecker) Exists(roomID types.RoomIDType) bool { return f.existing[roomID] }

func newTestHandler(t *testing.T, now *time.Time) *Handler {
	t.Helper()
	checker := &fakeChecker{existing: map[types.RoomIDType]bool{testRoom: true}}
	return NewHandler(DefaultConfig(), checker, WithClock(func() time.Time { return *now }))
}

func grant(t *testing.T, h *Handler) *Request {
	t.Helper()
	req, decision := h.RequestInterrupt(testRoom, "peer-a", types.RoleTypeParticipant)
	require.True(t, decision.Allowed)
	require.NotNil(t, req)
	return req
}

func process(h *Handler, req *Request, cancelOK bool) (bool, string) {
	return h.ProcessInterrupt(req.ID, types.AIStateSpeaking, 3*time.Second,
		func(types.RoomIDType) bool { return cancelOK }, nil, nil)
}

func TestCanInterrupt_RuleOrder(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)

	// Unknown room fails first.
	d := h.CanInterrupt("missing", "peer-a", types.RoleTypeOwner)
	assert.Equal(t, ReasonRoomNotFound, d.Reason)

	// Disabled room policy fails before role checks.
	h.SetRoomConfig(testRoom, Config{Enabled: false, OwnerOnly: true})
	d = h.CanInterrupt(testRoom, "peer-a", types.RoleTypeParticipant)
	assert.Equal(t, ReasonDisabled, d.Reason)

	// Role check fails before cooldown.
	h.SetRoomConfig(testRoom, Config{Enabled: true, OwnerOnly: true, InterruptCooldown: time.Hour, MaxInterruptsPerMinute: 10})
	d = h.CanInterrupt(testRoom, "peer-a", types.RoleTypeParticipant)
	assert.Equal(t, ReasonRoleDenied, d.Reason)
}

func TestRolePermissions(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	h.SetRoomConfig(testRoom, Config{
		Enabled:                true,
		OwnerOnly:              true,
		ModeratorsCanInterrupt: true,
		InterruptCooldown:      time.Second,
		MaxInterruptsPerMinute: 10,
	})

	assert.True(t, h.CanInterrupt(testRoom, "p", types.RoleTypeOwner).Allowed)
	assert.True(t, h.CanInterrupt(testRoom, "p", types.RoleTypeModerator).Allowed)
	assert.Equal(t, ReasonRoleDenied, h.CanInterrupt(testRoom, "p", types.RoleTypeParticipant).Reason)
}

func TestCooldown(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)

	req := grant(t, h)
	ok, _ := process(h, req, true)
	require.True(t, ok)

	d := h.CanInterrupt(testRoom, "peer-b", types.RoleTypeParticipant)
	assert.Equal(t, ReasonCooldown, d.Reason)

	now = now.Add(2100 * time.Millisecond)
	assert.True(t, h.CanInterrupt(testRoom, "peer-b", types.RoleTypeParticipant).Allowed)
}

func TestPerMinuteRateLimit(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)

	for i := 0; i < 10; i++ {
		req := grant(t, h)
		ok, reason := process(h, req, true)
		require.True(t, ok, reason)
		now = now.Add(3 * time.Second) // clear cooldown, stay inside the minute window until the 10th
	}

	d := h.CanInterrupt(testRoom, "peer-a", types.RoleTypeParticipant)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// The counter resets a minute after the last reset.
	now = now.Add(time.Minute)
	assert.True(t, h.CanInterrupt(testRoom, "peer-a", types.RoleTypeParticipant).Allowed)
}

func TestProcessInterrupt_Sequence(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	req := grant(t, h)

	var calls []string
	ok, reason := h.ProcessInterrupt(req.ID, types.AIStateSpeaking, time.Second,
		func(types.RoomIDType) bool { calls = append(calls, "cancel"); return true },
		func(types.RoomIDType) { calls = append(calls, "clear") },
		func(types.RoomIDType) { calls = append(calls, "unlock") },
	)
	require.True(t, ok, reason)
	assert.Equal(t, []string{"cancel", "clear", "unlock"}, calls)
}

func TestProcessInterrupt_CancelFailureSkipsClear(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	req := grant(t, h)

	cleared := false
	ok, reason := h.ProcessInterrupt(req.ID, types.AIStateSpeaking, time.Second,
		func(types.RoomIDType) bool { return false },
		func(types.RoomIDType) { cleared = true },
		nil,
	)
	assert.False(t, ok)
	assert.Equal(t, ReasonCancelFailure, reason)
	assert.False(t, cleared)
	// Failed interrupts do not start the cooldown.
	assert.True(t, h.CanInterrupt(testRoom, "peer-b", types.RoleTypeParticipant).Allowed)
}

func TestProcessInterrupt_PanicIsContained(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	req := grant(t, h)

	ok, reason := h.ProcessInterrupt(req.ID, types.AIStateSpeaking, time.Second,
		func(types.RoomIDType) bool { panic("provider gone") },
		nil, nil,
	)
	assert.False(t, ok)
	assert.Contains(t, reason, "provider gone")
}

func TestProcessInterrupt_IdleRejected(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	req := grant(t, h)

	ok, reason := h.ProcessInterrupt(req.ID, types.AIStateIdle, 0,
		func(types.RoomIDType) bool { return true }, nil, nil)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotRespond, reason)
}

func TestProcessInterrupt_AnyNonIdleStateInterruptible(t *testing.T) {
	for _, state := range []types.AIStateKind{
		types.AIStateListening,
		types.AIStateProcessing,
		types.AIStateSpeaking,
		types.AIStateLocked,
	} {
		t.Run(string(state), func(t *testing.T) {
			now := time.Now()
			h := newTestHandler(t, &now)
			req := grant(t, h)

			cancelCalled := false
			ok, reason := h.ProcessInterrupt(req.ID, state, time.Second,
				func(types.RoomIDType) bool { cancelCalled = true; return true }, nil, nil)
			require.True(t, ok, reason)
			assert.True(t, cancelCalled)
		})
	}
}

func TestProcessInterrupt_UnknownRequest(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)

	ok, reason := h.ProcessInterrupt("missing", types.AIStateSpeaking, 0,
		func(types.RoomIDType) bool { return true }, nil, nil)
	assert.False(t, ok)
	assert.Equal(t, ReasonUnknownReq, reason)
}

func TestCancelRequest(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)
	req := grant(t, h)

	assert.True(t, h.CancelRequest(req.ID))
	assert.False(t, h.CancelRequest(req.ID))

	ok, reason := process(h, req, true)
	assert.False(t, ok)
	assert.Equal(t, ReasonUnknownReq, reason)
}

func TestHistoryTrim(t *testing.T) {
	now := time.Now()
	h := newTestHandler(t, &now)

	for i := 0; i < 101; i++ {
		h.logEvent(HistoryEvent{Kind: EventRequested, RoomID: testRoom})
	}
	// Crossing 100 keeps only the newest 50.
	assert.Len(t, h.History(), 50)
}

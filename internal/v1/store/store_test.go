package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

func newPeer(id string) types.Peer {
	return types.Peer{ID: types.PeerIDType(id), DisplayName: types.DisplayNameType("peer-" + id)}
}

func TestCreate_Defaults(t *testing.T) {
	s := New()
	room, err := s.Create(CreateRequest{Name: "standup"})
	require.NoError(t, err)

	assert.Len(t, string(room.ID), 10)
	assert.Equal(t, types.RoomStatusWaiting, room.Status)
	assert.Equal(t, types.DefaultMaxParticipants, room.MaxParticipants)
	assert.True(t, s.Exists(room.ID))
}

func TestCreate_Validation(t *testing.T) {
	s := New()

	_, err := s.Create(CreateRequest{})
	assert.Error(t, err)

	_, err = s.Create(CreateRequest{Name: "x", MaxParticipants: 1})
	assert.Error(t, err)

	_, err = s.Create(CreateRequest{Name: "x", MaxParticipants: 11})
	assert.Error(t, err)
}

func TestAddParticipant_StatusTransitions(t *testing.T) {
	s := New()
	room, err := s.Create(CreateRequest{Name: "cap", MaxParticipants: 2})
	require.NoError(t, err)

	// waiting -> active on first join
	got, err := s.AddParticipant(room.ID, newPeer("a"))
	require.NoError(t, err)
	assert.Equal(t, types.RoomStatusActive, got.Status)
	assert.Equal(t, 1, got.ParticipantCount())

	// active -> full at capacity
	got, err = s.AddParticipant(room.ID, newPeer("b"))
	require.NoError(t, err)
	assert.Equal(t, types.RoomStatusFull, got.Status)

	// over capacity rejected with ROOM_FULL
	_, err = s.AddParticipant(room.ID, newPeer("c"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeRoomFull, types.CodeOf(err))

	// full -> active on leave
	got, removed := s.RemoveParticipant(room.ID, "a")
	assert.True(t, removed)
	assert.Equal(t, types.RoomStatusActive, got.Status)
}

func TestRemoveParticipant_Idempotent(t *testing.T) {
	s := New()
	room, _ := s.Create(CreateRequest{Name: "r"})
	_, err := s.AddParticipant(room.ID, newPeer("a"))
	require.NoError(t, err)

	_, removed := s.RemoveParticipant(room.ID, "a")
	assert.True(t, removed)
	_, removed = s.RemoveParticipant(room.ID, "a")
	assert.False(t, removed)
	_, removed = s.RemoveParticipant(room.ID, "ghost")
	assert.False(t, removed)
}

func TestClose_IsTerminal(t *testing.T) {
	s := New()
	room, _ := s.Create(CreateRequest{Name: "r"})
	_, err := s.AddParticipant(room.ID, newPeer("a"))
	require.NoError(t, err)

	snapshot, err := s.Close(room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.ParticipantCount(), "pre-close snapshot keeps participants")

	got, ok := s.Get(room.ID)
	require.True(t, ok)
	assert.Equal(t, types.RoomStatusClosed, got.Status)
	assert.Zero(t, got.ParticipantCount(), "closed room holds no presence")

	// joins rejected with ROOM_CLOSED
	_, err = s.AddParticipant(room.ID, newPeer("b"))
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeRoomClosed, types.CodeOf(err))

	// cannot re-open
	err = s.UpdateStatus(room.ID, types.RoomStatusActive)
	assert.Error(t, err)
}

func TestList_StripsParticipantsAndFilters(t *testing.T) {
	s := New()
	r1, _ := s.Create(CreateRequest{Name: "one"})
	r2, _ := s.Create(CreateRequest{Name: "two"})
	_, err := s.AddParticipant(r1.ID, newPeer("a"))
	require.NoError(t, err)
	_, err = s.Close(r2.ID)
	require.NoError(t, err)

	open := s.List(ListFilter{})
	require.Len(t, open, 1)
	assert.Equal(t, r1.ID, open[0].ID)
	assert.Equal(t, 1, open[0].ParticipantCount)

	active := s.List(ListFilter{Status: types.RoomStatusActive})
	require.Len(t, active, 1)

	all := s.List(ListFilter{IncludeClosed: true})
	assert.Len(t, all, 2)
}

func TestUpdatePeer(t *testing.T) {
	s := New()
	room, _ := s.Create(CreateRequest{Name: "r"})
	_, err := s.AddParticipant(room.ID, newPeer("a"))
	require.NoError(t, err)

	peer, ok := s.UpdatePeer(room.ID, "a", func(p *types.Peer) {
		p.DisplayName = "renamed"
	})
	require.True(t, ok)
	assert.Equal(t, types.DisplayNameType("renamed"), peer.DisplayName)

	_, ok = s.UpdatePeer(room.ID, "ghost", func(p *types.Peer) {})
	assert.False(t, ok)
}

func TestIdleRooms(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(WithClock(clock))

	room, _ := s.Create(CreateRequest{Name: "idle"})
	busy, _ := s.Create(CreateRequest{Name: "busy"})
	_, err := s.AddParticipant(busy.ID, newPeer("a"))
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	idle := s.IdleRooms(5 * time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, room.ID, idle[0])
}

func TestUpdateHook(t *testing.T) {
	var updates []types.RoomSummary
	s := New(WithUpdateFunc(func(sum types.RoomSummary) {
		updates = append(updates, sum)
	}))

	room, _ := s.Create(CreateRequest{Name: "r"})
	_, err := s.AddParticipant(room.ID, newPeer("a"))
	require.NoError(t, err)
	s.RemoveParticipant(room.ID, "a")
	_, err = s.Close(room.ID)
	require.NoError(t, err)

	require.Len(t, updates, 4)
	assert.Equal(t, types.RoomStatusClosed, updates[3].Status)
}

func TestGenerateID_Unique(t *testing.T) {
	s := New()
	seen := make(map[types.RoomIDType]bool)
	for i := 0; i < 100; i++ {
		room, err := s.Create(CreateRequest{Name: "r"})
		require.NoError(t, err)
		assert.False(t, seen[room.ID])
		seen[room.ID] = true
	}
}

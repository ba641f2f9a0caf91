// Package store implements the authoritative in-memory room registry.
//
// The store owns the canonical Room records. All mutation happens under a
// per-room write lock; callers receive value snapshots and can never alias
// live state. Lifecycle invariants (capacity, the terminal closed state, the
// waiting -> active -> full transitions) are enforced here and nowhere else.
package store

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

const (
	roomIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomIDLength   = 10
)

// CreateRequest carries the parameters of a room creation.
type CreateRequest struct {
	Name            string
	Description     string
	MaxParticipants int
	OwnerID         string
	AIPersonality   string
	VoiceSettings   string
}

// ListFilter narrows List results. Zero value matches every open room.
type ListFilter struct {
	Status        types.RoomStatus // empty matches all
	IncludeClosed bool
}

// UpdateFunc receives the room:updated summary after every mutation that
// changes what a lobby listing would show. It must not call back into the
// store.
type UpdateFunc func(types.RoomSummary)

// Store is the process-wide room registry.
type Store struct {
	mu       sync.RWMutex
	rooms    map[types.RoomIDType]*roomRecord
	now      func() time.Time
	onUpdate UpdateFunc
}

// roomRecord pairs a Room with its own lock so mutations of different rooms
// never contend.
type roomRecord struct {
	mu   sync.Mutex
	room types.Room
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithUpdateFunc registers the lobby update hook.
func WithUpdateFunc(fn UpdateFunc) Option {
	return func(s *Store) { s.onUpdate = fn }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		rooms: make(map[types.RoomIDType]*roomRecord),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create allocates a new room in status waiting. The generated ID is
// collision-checked against the live registry.
func (s *Store) Create(req CreateRequest) (types.Room, error) {
	if req.Name == "" {
		return types.Room{}, types.NewWireError(types.ErrCodeInvalidInput, "", "room name is required")
	}
	maxP := req.MaxParticipants
	if maxP == 0 {
		maxP = types.DefaultMaxParticipants
	}
	if maxP < types.MinParticipants || maxP > types.MaxParticipants {
		return types.Room{}, types.NewWireError(types.ErrCodeInvalidInput, "",
			"maxParticipants must be between %d and %d", types.MinParticipants, types.MaxParticipants)
	}

	s.mu.Lock()
	id := s.generateIDLocked()
	now := s.now()
	rec := &roomRecord{room: types.Room{
		ID:              id,
		Name:            req.Name,
		Description:     req.Description,
		MaxParticipants: maxP,
		Status:          types.RoomStatusWaiting,
		OwnerID:         req.OwnerID,
		AIPersonality:   req.AIPersonality,
		VoiceSettings:   req.VoiceSettings,
		CreatedAt:       now,
		LastActivityAt:  now,
	}}
	s.rooms[id] = rec
	s.mu.Unlock()

	s.notify(rec.room.Summary())
	return cloneRoom(&rec.room), nil
}

// generateIDLocked draws 10 chars from the 62-char alphabet, retrying on the
// (vanishingly rare) collision. Caller holds s.mu.
func (s *Store) generateIDLocked() types.RoomIDType {
	for {
		buf := make([]byte, roomIDLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomIDAlphabet))))
			if err != nil {
				// crypto/rand failure is unrecoverable for id generation
				panic(err)
			}
			buf[i] = roomIDAlphabet[n.Int64()]
		}
		id := types.RoomIDType(buf)
		if _, taken := s.rooms[id]; !taken {
			return id
		}
	}
}

// Exists reports whether a room with the given ID is registered.
func (s *Store) Exists(id types.RoomIDType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[id]
	return ok
}

// Get returns a snapshot of the room, or false when unknown.
func (s *Store) Get(id types.RoomIDType) (types.Room, bool) {
	rec, ok := s.record(id)
	if !ok {
		return types.Room{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneRoom(&rec.room), true
}

// List returns summaries of rooms matching the filter, participants stripped.
func (s *Store) List(filter ListFilter) []types.RoomSummary {
	s.mu.RLock()
	recs := make([]*roomRecord, 0, len(s.rooms))
	for _, rec := range s.rooms {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]types.RoomSummary, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		room := rec.room
		rec.mu.Unlock()
		if room.Status == types.RoomStatusClosed && !filter.IncludeClosed {
			continue
		}
		if filter.Status != "" && room.Status != filter.Status {
			continue
		}
		out = append(out, room.Summary())
	}
	return out
}

// AddParticipant admits a peer, enforcing capacity and the closed-terminal
// invariant, and advances the status machine (waiting -> active -> full).
func (s *Store) AddParticipant(id types.RoomIDType, peer types.Peer) (types.Room, error) {
	rec, ok := s.record(id)
	if !ok {
		return types.Room{}, types.NewWireError(types.ErrCodeRoomNotFound, id, "room %s not found", id)
	}
	rec.mu.Lock()
	room := &rec.room
	if room.Status == types.RoomStatusClosed {
		rec.mu.Unlock()
		return types.Room{}, types.NewWireError(types.ErrCodeRoomClosed, id, "room %s is closed", id)
	}
	if len(room.Participants) >= room.MaxParticipants {
		rec.mu.Unlock()
		return types.Room{}, types.NewWireError(types.ErrCodeRoomFull, id, "room %s is full", id)
	}
	peer.RoomID = id
	room.Participants = append(room.Participants, peer)
	room.LastActivityAt = s.now()
	switch {
	case len(room.Participants) == room.MaxParticipants:
		room.Status = types.RoomStatusFull
	case room.Status == types.RoomStatusWaiting:
		room.Status = types.RoomStatusActive
	}
	snapshot := cloneRoom(room)
	rec.mu.Unlock()

	s.notify(snapshot.Summary())
	return snapshot, nil
}

// RemoveParticipant drops a peer by ID. Removing an unknown peer is a no-op.
// A full room returns to active; the closed state is never left.
func (s *Store) RemoveParticipant(id types.RoomIDType, peerID types.PeerIDType) (types.Room, bool) {
	rec, ok := s.record(id)
	if !ok {
		return types.Room{}, false
	}
	rec.mu.Lock()
	room := &rec.room
	removed := false
	for i, p := range room.Participants {
		if p.ID == peerID {
			room.Participants = append(room.Participants[:i], room.Participants[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		room.LastActivityAt = s.now()
		if room.Status == types.RoomStatusFull {
			room.Status = types.RoomStatusActive
		}
	}
	snapshot := cloneRoom(room)
	rec.mu.Unlock()

	if removed {
		s.notify(snapshot.Summary())
	}
	return snapshot, removed
}

// UpdatePeer applies fn to the stored copy of the given peer, if present.
func (s *Store) UpdatePeer(id types.RoomIDType, peerID types.PeerIDType, fn func(*types.Peer)) (types.Peer, bool) {
	rec, ok := s.record(id)
	if !ok {
		return types.Peer{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := range rec.room.Participants {
		if rec.room.Participants[i].ID == peerID {
			fn(&rec.room.Participants[i])
			rec.room.LastActivityAt = s.now()
			return rec.room.Participants[i], true
		}
	}
	return types.Peer{}, false
}

// UpdateStatus forces a status transition. Transitions out of closed are
// rejected: closed is terminal.
func (s *Store) UpdateStatus(id types.RoomIDType, status types.RoomStatus) error {
	rec, ok := s.record(id)
	if !ok {
		return types.NewWireError(types.ErrCodeRoomNotFound, id, "room %s not found", id)
	}
	rec.mu.Lock()
	if rec.room.Status == types.RoomStatusClosed && status != types.RoomStatusClosed {
		rec.mu.Unlock()
		return types.NewWireError(types.ErrCodeRoomClosed, id, "room %s is closed", id)
	}
	rec.room.Status = status
	summary := rec.room.Summary()
	rec.mu.Unlock()

	s.notify(summary)
	return nil
}

// Close transitions a room to the terminal closed state and clears its
// participants. Closing twice is idempotent. The pre-close snapshot is
// returned so callers can run export hooks.
func (s *Store) Close(id types.RoomIDType) (types.Room, error) {
	rec, ok := s.record(id)
	if !ok {
		return types.Room{}, types.NewWireError(types.ErrCodeRoomNotFound, id, "room %s not found", id)
	}
	rec.mu.Lock()
	snapshot := cloneRoom(&rec.room)
	rec.room.Status = types.RoomStatusClosed
	rec.room.Participants = nil
	summary := rec.room.Summary()
	rec.mu.Unlock()

	s.notify(summary)
	return snapshot, nil
}

// Delete removes a closed room from the registry entirely.
func (s *Store) Delete(id types.RoomIDType) {
	s.mu.Lock()
	delete(s.rooms, id)
	s.mu.Unlock()
}

// TouchActivity bumps the room's LastActivityAt.
func (s *Store) TouchActivity(id types.RoomIDType) {
	if rec, ok := s.record(id); ok {
		rec.mu.Lock()
		rec.room.LastActivityAt = s.now()
		rec.mu.Unlock()
	}
}

// IdleRooms returns IDs of open rooms with no participants whose last
// activity is older than the cutoff. Used by the idle sweeper.
func (s *Store) IdleRooms(olderThan time.Duration) []types.RoomIDType {
	cutoff := s.now().Add(-olderThan)
	s.mu.RLock()
	recs := make(map[types.RoomIDType]*roomRecord, len(s.rooms))
	for id, rec := range s.rooms {
		recs[id] = rec
	}
	s.mu.RUnlock()

	var idle []types.RoomIDType
	for id, rec := range recs {
		rec.mu.Lock()
		if rec.room.Status != types.RoomStatusClosed &&
			len(rec.room.Participants) == 0 &&
			rec.room.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
		rec.mu.Unlock()
	}
	return idle
}

// ActiveRoomIDs returns IDs of open rooms with at least one participant.
// Used by the summarizer to scope its trigger scans.
func (s *Store) ActiveRoomIDs() []types.RoomIDType {
	s.mu.RLock()
	recs := make(map[types.RoomIDType]*roomRecord, len(s.rooms))
	for id, rec := range s.rooms {
		recs[id] = rec
	}
	s.mu.RUnlock()

	var active []types.RoomIDType
	for id, rec := range recs {
		rec.mu.Lock()
		if rec.room.Status != types.RoomStatusClosed && len(rec.room.Participants) > 0 {
			active = append(active, id)
		}
		rec.mu.Unlock()
	}
	return active
}

func (s *Store) record(id types.RoomIDType) (*roomRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[id]
	return rec, ok
}

func (s *Store) notify(summary types.RoomSummary) {
	if s.onUpdate != nil {
		s.onUpdate(summary)
	}
}

func cloneRoom(r *types.Room) types.Room {
	out := *r
	out.Participants = append([]types.Peer(nil), r.Participants...)
	return out
}

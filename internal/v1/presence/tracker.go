// Package presence tracks the live state of every peer in a room: mute,
// speaking, addressing-AI flags and audio levels, plus heartbeat-based
// idle detection.
//
// Incoming deltas are coalesced per peer over a short debounce window before
// they are broadcast, and broadcasts are suppressed entirely when the merged
// state is indistinguishable from the last one sent. This keeps chatty
// clients from amplifying into chatty rooms.
package presence

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// Broadcaster is the capability the tracker needs from the signaling hub.
type Broadcaster interface {
	BroadcastToRoom(roomID types.RoomIDType, msg types.Outbound)
}

const (
	// DebounceWindow coalesces presence deltas per peer.
	DebounceWindow = 100 * time.Millisecond

	// AudioLevelEpsilon is the change threshold below which two audio levels
	// compare equal for broadcast suppression.
	AudioLevelEpsilon = 0.05

	// HeartbeatInterval is the expected client heartbeat cadence.
	HeartbeatInterval = 30 * time.Second

	// idleMultiplier: a peer with no heartbeat for idleMultiplier intervals
	// is marked idle (not disconnected).
	idleMultiplier = 3

	// speakerBroadcastInterval throttles active-speaker change broadcasts.
	speakerBroadcastInterval = 200 * time.Millisecond
)

// peerState is the tracker's bookkeeping for one peer.
type peerState struct {
	presence      types.Presence
	lastBroadcast types.Presence
	broadcastOnce bool
	pending       *types.PresencePayload
	flushTimer    *time.Timer
}

// roomState groups the peers of one room with active-speaker bookkeeping.
type roomState struct {
	peers             map[types.PeerIDType]*peerState
	activeSpeaker     types.PeerIDType
	lastSpeakerChange time.Time
}

// Tracker maintains presence for all rooms in the process.
type Tracker struct {
	mu          sync.Mutex
	rooms       map[types.RoomIDType]*roomState
	broadcaster Broadcaster
	now         func() time.Time
	debounce    time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithDebounce overrides the debounce window for tests.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) { t.debounce = d }
}

// NewTracker creates a Tracker that fans merged updates out through b.
func NewTracker(b Broadcaster, opts ...Option) *Tracker {
	t := &Tracker{
		rooms:       make(map[types.RoomIDType]*roomState),
		broadcaster: b,
		now:         time.Now,
		debounce:    DebounceWindow,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// AddPeer registers a freshly joined peer with default presence.
func (t *Tracker) AddPeer(roomID types.RoomIDType, peerID types.PeerIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.roomLocked(roomID)
	rs.peers[peerID] = &peerState{presence: types.Presence{
		ConnectionState: types.ConnectionStateNew,
		LastActiveAt:    t.now(),
	}}
}

// RemovePeer drops a peer and cancels any pending debounce flush. Removing
// an unknown peer is a no-op.
func (t *Tracker) RemovePeer(roomID types.RoomIDType, peerID types.PeerIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return
	}
	if ps, ok := rs.peers[peerID]; ok && ps.flushTimer != nil {
		ps.flushTimer.Stop()
	}
	delete(rs.peers, peerID)
	if rs.activeSpeaker == peerID {
		rs.activeSpeaker = ""
	}
	if len(rs.peers) == 0 {
		delete(t.rooms, roomID)
	}
}

// Update applies a partial presence delta for a peer. The merged state is
// broadcast after the debounce window elapses. Unknown peers are dropped
// silently.
func (t *Tracker) Update(roomID types.RoomIDType, peerID types.PeerIDType, delta types.PresencePayload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return
	}
	ps, ok := rs.peers[peerID]
	if !ok {
		logging.GetLogger().Debug("presence update for unknown peer",
			zap.String("roomId", string(roomID)), zap.String("peerId", string(peerID)))
		return
	}

	if ps.pending == nil {
		ps.pending = &types.PresencePayload{}
	}
	mergeDelta(ps.pending, delta)
	ps.presence.LastActiveAt = t.now()
	ps.presence.IsIdle = false

	if ps.flushTimer == nil {
		ps.flushTimer = time.AfterFunc(t.debounce, func() {
			t.flush(roomID, peerID)
		})
	}
}

// Heartbeat refreshes liveness without broadcasting.
func (t *Tracker) Heartbeat(roomID types.RoomIDType, peerID types.PeerIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return
	}
	if ps, ok := rs.peers[peerID]; ok {
		ps.presence.LastActiveAt = t.now()
		ps.presence.IsIdle = false
	}
}

// Get returns the current presence of a peer.
func (t *Tracker) Get(roomID types.RoomIDType, peerID types.PeerIDType) (types.Presence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return types.Presence{}, false
	}
	ps, ok := rs.peers[peerID]
	if !ok {
		return types.Presence{}, false
	}
	return ps.presence, true
}

// SyncSnapshot returns the presence of every peer in the room.
func (t *Tracker) SyncSnapshot(roomID types.RoomIDType) map[types.PeerIDType]types.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.PeerIDType]types.Presence)
	if rs, ok := t.rooms[roomID]; ok {
		for id, ps := range rs.peers {
			out[id] = ps.presence
		}
	}
	return out
}

// ActiveSpeaker derives the currently loudest speaking peer. Among speaking
// peers the highest audio level wins; ties break toward the most recently
// active. Empty when nobody speaks.
func (t *Tracker) ActiveSpeaker(roomID types.RoomIDType) types.PeerIDType {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.rooms[roomID]
	if !ok {
		return ""
	}
	return deriveActiveSpeaker(rs)
}

func deriveActiveSpeaker(rs *roomState) types.PeerIDType {
	var best types.PeerIDType
	bestLevel := -1.0
	var bestActive time.Time
	for id, ps := range rs.peers {
		if !ps.presence.Audio.IsSpeaking {
			continue
		}
		level := ps.presence.Audio.AudioLevel
		if level > bestLevel || (level == bestLevel && ps.presence.LastActiveAt.After(bestActive)) {
			best = id
			bestLevel = level
			bestActive = ps.presence.LastActiveAt
		}
	}
	return best
}

// Run drives the periodic work: idle marking at the heartbeat cadence and
// the audio:levels / active-speaker aggregate at 200 ms. Blocks until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	idleTicker := time.NewTicker(HeartbeatInterval)
	levelTicker := time.NewTicker(speakerBroadcastInterval)
	defer idleTicker.Stop()
	defer levelTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idleTicker.C:
			t.markIdlePeers()
		case <-levelTicker.C:
			t.broadcastAudioLevels()
		}
	}
}

func (t *Tracker) markIdlePeers() {
	cutoff := t.now().Add(-idleMultiplier * HeartbeatInterval)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rs := range t.rooms {
		for _, ps := range rs.peers {
			if !ps.presence.IsIdle && ps.presence.LastActiveAt.Before(cutoff) {
				ps.presence.IsIdle = true
			}
		}
	}
}

// broadcastAudioLevels emits the per-room level aggregate and, when the
// derived active speaker changed since the last tick, records it. The 200 ms
// ticker doubles as the speaker-change throttle.
func (t *Tracker) broadcastAudioLevels() {
	t.mu.Lock()
	type roomLevels struct {
		roomID  types.RoomIDType
		payload types.AudioLevelsPayload
	}
	var out []roomLevels
	for roomID, rs := range t.rooms {
		anySpeaking := false
		levels := make(map[types.PeerIDType]float64, len(rs.peers))
		for id, ps := range rs.peers {
			levels[id] = ps.presence.Audio.AudioLevel
			if ps.presence.Audio.IsSpeaking {
				anySpeaking = true
			}
		}
		speaker := deriveActiveSpeaker(rs)
		if speaker != rs.activeSpeaker {
			rs.activeSpeaker = speaker
			rs.lastSpeakerChange = t.now()
		}
		if !anySpeaking && speaker == "" {
			continue
		}
		out = append(out, roomLevels{roomID, types.AudioLevelsPayload{
			RoomID:          roomID,
			Levels:          levels,
			ActiveSpeakerID: speaker,
		}})
	}
	t.mu.Unlock()

	for _, rl := range out {
		t.broadcaster.BroadcastToRoom(rl.roomID, types.Outbound{
			Event:   types.EventAudioLevels,
			Payload: rl.payload,
		})
	}
}

// flush applies the pending delta, suppresses no-op broadcasts, and emits
// the merged presence.
func (t *Tracker) flush(roomID types.RoomIDType, peerID types.PeerIDType) {
	t.mu.Lock()
	rs, ok := t.rooms[roomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ps, ok := rs.peers[peerID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ps.flushTimer = nil
	if ps.pending != nil {
		applyDelta(&ps.presence, *ps.pending)
		ps.pending = nil
	}
	if ps.broadcastOnce && presenceEqual(ps.presence, ps.lastBroadcast) {
		t.mu.Unlock()
		return
	}
	ps.lastBroadcast = ps.presence
	ps.broadcastOnce = true
	merged := ps.presence
	t.mu.Unlock()

	t.broadcaster.BroadcastToRoom(roomID, types.Outbound{
		Event: types.EventPresenceUpdate,
		Payload: types.PresenceBroadcast{
			RoomID:   roomID,
			PeerID:   peerID,
			Presence: merged,
		},
	})
}

func (t *Tracker) roomLocked(roomID types.RoomIDType) *roomState {
	rs, ok := t.rooms[roomID]
	if !ok {
		rs = &roomState{peers: make(map[types.PeerIDType]*peerState)}
		t.rooms[roomID] = rs
	}
	return rs
}

// mergeDelta folds a later delta into an accumulating one; later fields win.
func mergeDelta(acc *types.PresencePayload, d types.PresencePayload) {
	if d.IsMuted != nil {
		acc.IsMuted = d.IsMuted
	}
	if d.IsSpeaking != nil {
		acc.IsSpeaking = d.IsSpeaking
	}
	if d.IsAddressingAI != nil {
		acc.IsAddressingAI = d.IsAddressingAI
	}
	if d.AudioLevel != nil {
		acc.AudioLevel = d.AudioLevel
	}
}

func applyDelta(p *types.Presence, d types.PresencePayload) {
	if d.IsMuted != nil {
		p.Audio.IsMuted = *d.IsMuted
	}
	if d.IsSpeaking != nil {
		p.Audio.IsSpeaking = *d.IsSpeaking
	}
	if d.IsAddressingAI != nil {
		p.Audio.IsAddressingAI = *d.IsAddressingAI
	}
	if d.AudioLevel != nil {
		p.Audio.AudioLevel = types.ClampAudioLevel(*d.AudioLevel)
	}
}

// presenceEqual compares field-wise; audio levels compare with an absolute
// epsilon so jitter below the threshold never broadcasts.
func presenceEqual(a, b types.Presence) bool {
	return a.Audio.IsMuted == b.Audio.IsMuted &&
		a.Audio.IsSpeaking == b.Audio.IsSpeaking &&
		a.Audio.IsAddressingAI == b.Audio.IsAddressingAI &&
		a.ConnectionState == b.ConnectionState &&
		a.IsIdle == b.IsIdle &&
		math.Abs(a.Audio.AudioLevel-b.Audio.AudioLevel) < AudioLevelEpsilon
}

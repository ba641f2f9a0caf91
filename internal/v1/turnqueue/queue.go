// Package turnqueue implements the per-room FIFO-with-priority queue of
// "address the AI" requests.
//
// Consumers react to queue decisions through a bounded event channel rather
// than callbacks, so no user code ever runs under the queue lock. If the
// channel is full the event is dropped with a warning; grants are retried by
// the next ProcessNext so a dropped event never wedges a room.
package turnqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// EventKind discriminates queue events.
type EventKind string

const (
	EventGranted   EventKind = "granted"
	EventRejected  EventKind = "rejected"
	EventCancelled EventKind = "cancelled"
	EventExpired   EventKind = "expired"
	EventPositions EventKind = "positions"
	EventEnded     EventKind = "ended"
)

// Event is one queue decision delivered to the consumer.
type Event struct {
	Kind    EventKind
	RoomID  types.RoomIDType
	Request types.TurnRequest
	Reason  string
	// Positions carries every request whose position changed, for
	// position-change notifications.
	Positions []types.TurnRequest
}

// Config tunes the queue. Zero fields take the defaults below.
type Config struct {
	DefaultTimeout        time.Duration // lifetime of a normal request
	PriorityTimeout       time.Duration // lifetime of an owner/moderator request
	MinTurnInterval       time.Duration // cool-down between completions and grants
	MaxQueueSize          int
	MaxProcessingAttempts int
	PriorityBoost         int
	AutoAdvance           bool
}

// DefaultConfig mirrors production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        30 * time.Second,
		PriorityTimeout:       60 * time.Second,
		MinTurnInterval:       500 * time.Millisecond,
		MaxQueueSize:          20,
		MaxProcessingAttempts: 3,
		PriorityBoost:         100,
		AutoAdvance:           true,
	}
}

type roomQueue struct {
	pending         []*types.TurnRequest
	active          *types.TurnRequest
	processing      bool
	lastCompletedAt time.Time
	attempts        map[string]int
	expiredCount    int
	deferredTimer   *time.Timer
}

// Processor owns every room's turn queue.
type Processor struct {
	mu     sync.Mutex
	rooms  map[types.RoomIDType]*roomQueue
	cfg    Config
	events chan Event
	now    func() time.Time
	closed bool
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor with the given config.
func New(cfg Config, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.PriorityTimeout == 0 {
		cfg.PriorityTimeout = def.PriorityTimeout
	}
	if cfg.MinTurnInterval == 0 {
		cfg.MinTurnInterval = def.MinTurnInterval
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.MaxProcessingAttempts == 0 {
		cfg.MaxProcessingAttempts = def.MaxProcessingAttempts
	}
	if cfg.PriorityBoost == 0 {
		cfg.PriorityBoost = def.PriorityBoost
	}
	p := &Processor{
		rooms:  make(map[types.RoomIDType]*roomQueue),
		cfg:    cfg,
		events: make(chan Event, 256),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Events returns the queue decision stream.
func (p *Processor) Events() <-chan Event { return p.events }

// Close stops all deferred timers and suppresses further events. The event
// channel is left open so a straggling timer can never send on a closed
// channel; consumers stop via their own context.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, rq := range p.rooms {
		if rq.deferredTimer != nil {
			rq.deferredTimer.Stop()
		}
	}
}

// Enqueue appends a turn request, honoring priority ordering: the request is
// inserted before the first entry with strictly lower priority, keeping FIFO
// among equals. Returns nil when the queue is full.
func (p *Processor) Enqueue(roomID types.RoomIDType, peerID types.PeerIDType, name types.DisplayNameType, role types.RoleType, priority int) *types.TurnRequest {
	p.mu.Lock()
	rq := p.roomLocked(roomID)

	if len(rq.pending) >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		metrics.TurnRequestsTotal.WithLabelValues("queue_full").Inc()
		return nil
	}

	timeout := p.cfg.DefaultTimeout
	if role.IsModeratorOrAbove() {
		priority += p.cfg.PriorityBoost
		timeout = p.cfg.PriorityTimeout
	}

	now := p.now()
	req := &types.TurnRequest{
		ID:              uuid.NewString(),
		PeerID:          peerID,
		PeerDisplayName: name,
		RoomID:          roomID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(timeout),
		Priority:        priority,
	}

	insertAt := len(rq.pending)
	for i, existing := range rq.pending {
		if existing.Priority < req.Priority {
			insertAt = i
			break
		}
	}
	rq.pending = append(rq.pending, nil)
	copy(rq.pending[insertAt+1:], rq.pending[insertAt:])
	rq.pending[insertAt] = req

	changed := p.renumberLocked(rq)
	snapshot := *req
	p.mu.Unlock()

	metrics.TurnRequestsTotal.WithLabelValues("enqueued").Inc()
	p.emitPositions(roomID, changed)
	return &snapshot
}

// Cancel removes a pending request by ID.
func (p *Processor) Cancel(roomID types.RoomIDType, requestID string) bool {
	p.mu.Lock()
	rq, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	var cancelled *types.TurnRequest
	for i, req := range rq.pending {
		if req.ID == requestID {
			cancelled = req
			rq.pending = append(rq.pending[:i], rq.pending[i+1:]...)
			break
		}
	}
	var changed []types.TurnRequest
	if cancelled != nil {
		changed = p.renumberLocked(rq)
	}
	p.mu.Unlock()

	if cancelled == nil {
		return false
	}
	metrics.TurnRequestsTotal.WithLabelValues("cancelled").Inc()
	p.emit(Event{Kind: EventCancelled, RoomID: roomID, Request: *cancelled})
	p.emitPositions(roomID, changed)
	return true
}

// CancelAllForPeer removes every pending request from a peer, typically on
// disconnect. Returns the number removed.
func (p *Processor) CancelAllForPeer(roomID types.RoomIDType, peerID types.PeerIDType) int {
	p.mu.Lock()
	rq, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return 0
	}
	var kept []*types.TurnRequest
	var removed []*types.TurnRequest
	for _, req := range rq.pending {
		if req.PeerID == peerID {
			removed = append(removed, req)
		} else {
			kept = append(kept, req)
		}
	}
	rq.pending = kept
	var changed []types.TurnRequest
	if len(removed) > 0 {
		changed = p.renumberLocked(rq)
	}
	p.mu.Unlock()

	for _, req := range removed {
		p.emit(Event{Kind: EventCancelled, RoomID: roomID, Request: *req})
	}
	p.emitPositions(roomID, changed)
	return len(removed)
}

// BumpToFront moves a pending request ahead of everything else.
func (p *Processor) BumpToFront(roomID types.RoomIDType, requestID string) bool {
	p.mu.Lock()
	rq, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	idx := -1
	for i, req := range rq.pending {
		if req.ID == requestID {
			idx = i
			break
		}
	}
	if idx <= 0 {
		p.mu.Unlock()
		return idx == 0
	}
	req := rq.pending[idx]
	rq.pending = append(rq.pending[:idx], rq.pending[idx+1:]...)
	rq.pending = append([]*types.TurnRequest{req}, rq.pending...)
	changed := p.renumberLocked(rq)
	p.mu.Unlock()

	p.emitPositions(roomID, changed)
	return true
}

// ProcessNext grants the head of the queue if the room is quiescent. Expired
// heads are discarded; a head past its processing-attempt budget is rejected.
// When the inter-turn interval has not yet elapsed, a deferred attempt is
// scheduled instead.
func (p *Processor) ProcessNext(roomID types.RoomIDType) *types.TurnRequest {
	p.mu.Lock()
	rq := p.roomLocked(roomID)

	if rq.processing || rq.active != nil || len(rq.pending) == 0 {
		p.mu.Unlock()
		return nil
	}

	now := p.now()
	if wait := p.cfg.MinTurnInterval - now.Sub(rq.lastCompletedAt); wait > 0 {
		if rq.deferredTimer == nil {
			rq.deferredTimer = time.AfterFunc(wait, func() {
				p.mu.Lock()
				if q, ok := p.rooms[roomID]; ok {
					q.deferredTimer = nil
				}
				closed := p.closed
				p.mu.Unlock()
				if !closed {
					p.ProcessNext(roomID)
				}
			})
		}
		p.mu.Unlock()
		return nil
	}

	var expired []*types.TurnRequest
	var rejected *types.TurnRequest
	var granted *types.TurnRequest
	for len(rq.pending) > 0 {
		head := rq.pending[0]
		if !head.ExpiresAt.After(now) {
			rq.pending = rq.pending[1:]
			rq.expiredCount++
			expired = append(expired, head)
			continue
		}
		rq.attempts[head.ID]++
		if rq.attempts[head.ID] > p.cfg.MaxProcessingAttempts {
			rq.pending = rq.pending[1:]
			delete(rq.attempts, head.ID)
			rejected = head
			break
		}
		rq.pending = rq.pending[1:]
		head.Position = 0
		rq.active = head
		rq.processing = true
		granted = head
		break
	}
	var changed []types.TurnRequest
	if granted != nil || rejected != nil || len(expired) > 0 {
		changed = p.renumberLocked(rq)
	}
	p.mu.Unlock()

	for _, req := range expired {
		metrics.TurnRequestsTotal.WithLabelValues("expired").Inc()
		p.emit(Event{Kind: EventExpired, RoomID: roomID, Request: *req})
	}
	if rejected != nil {
		metrics.TurnRequestsTotal.WithLabelValues("rejected").Inc()
		p.emit(Event{Kind: EventRejected, RoomID: roomID, Request: *rejected, Reason: "Max processing attempts"})
	}
	if granted != nil {
		metrics.TurnRequestsTotal.WithLabelValues("granted").Inc()
		snapshot := *granted
		p.emit(Event{Kind: EventGranted, RoomID: roomID, Request: snapshot})
		p.emitPositions(roomID, changed)
		return &snapshot
	}
	p.emitPositions(roomID, changed)
	return nil
}

// OnResponseDone marks the active turn complete and advances the queue when
// auto-advance is on.
func (p *Processor) OnResponseDone(roomID types.RoomIDType) {
	p.EndTurn(roomID, false)
	if p.cfg.AutoAdvance {
		p.ProcessNext(roomID)
	}
}

// EndTurn releases the active turn. Safe to call when no turn is active.
func (p *Processor) EndTurn(roomID types.RoomIDType, wasInterrupted bool) {
	p.mu.Lock()
	rq, ok := p.rooms[roomID]
	if !ok {
		p.mu.Unlock()
		return
	}
	ended := rq.active
	rq.active = nil
	rq.processing = false
	rq.lastCompletedAt = p.now()
	if ended != nil {
		delete(rq.attempts, ended.ID)
	}
	p.mu.Unlock()

	if ended != nil {
		outcome := "completed"
		if wasInterrupted {
			outcome = "interrupted"
		}
		metrics.TurnRequestsTotal.WithLabelValues(outcome).Inc()
		p.emit(Event{Kind: EventEnded, RoomID: roomID, Request: *ended, Reason: outcome})
	}
}

// Requeue returns the active request to the head of the queue after a turn
// that never actually started. Unlike EndTurn it keeps the request's attempt
// count, so a request whose turn keeps failing to start is rejected once
// ProcessNext exhausts its attempt budget.
func (p *Processor) Requeue(roomID types.RoomIDType) {
	p.mu.Lock()
	rq, ok := p.rooms[roomID]
	if !ok || rq.active == nil {
		p.mu.Unlock()
		return
	}
	req := rq.active
	rq.active = nil
	rq.processing = false
	rq.lastCompletedAt = p.now()
	rq.pending = append([]*types.TurnRequest{req}, rq.pending...)
	changed := p.renumberLocked(rq)
	p.mu.Unlock()

	p.emitPositions(roomID, changed)
}

// State returns the queue snapshot for RoomAIState broadcasts.
func (p *Processor) State(roomID types.RoomIDType) types.TurnQueueState {
	p.mu.Lock()
	defer p.mu.Unlock()
	rq, ok := p.rooms[roomID]
	if !ok {
		return types.TurnQueueState{Pending: []types.TurnRequest{}}
	}
	st := types.TurnQueueState{
		Pending: make([]types.TurnRequest, len(rq.pending)),
		Length:  len(rq.pending),
	}
	for i, req := range rq.pending {
		st.Pending[i] = *req
	}
	if rq.active != nil {
		active := *rq.active
		st.Active = &active
	}
	return st
}

// DropRoom discards all queue state for a closed room.
func (p *Processor) DropRoom(roomID types.RoomIDType) {
	p.mu.Lock()
	if rq, ok := p.rooms[roomID]; ok && rq.deferredTimer != nil {
		rq.deferredTimer.Stop()
	}
	delete(p.rooms, roomID)
	p.mu.Unlock()
}

// RunExpiry discards expired pending requests on a fixed cadence until ctx
// is cancelled.
func (p *Processor) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepExpired()
		}
	}
}

func (p *Processor) sweepExpired() {
	now := p.now()
	p.mu.Lock()
	type roomExpired struct {
		roomID  types.RoomIDType
		expired []*types.TurnRequest
		changed []types.TurnRequest
	}
	var out []roomExpired
	for roomID, rq := range p.rooms {
		var kept []*types.TurnRequest
		var expired []*types.TurnRequest
		for _, req := range rq.pending {
			if req.ExpiresAt.After(now) {
				kept = append(kept, req)
			} else {
				expired = append(expired, req)
				rq.expiredCount++
			}
		}
		if len(expired) == 0 {
			continue
		}
		rq.pending = kept
		out = append(out, roomExpired{roomID, expired, p.renumberLocked(rq)})
	}
	p.mu.Unlock()

	for _, re := range out {
		for _, req := range re.expired {
			metrics.TurnRequestsTotal.WithLabelValues("expired").Inc()
			p.emit(Event{Kind: EventExpired, RoomID: re.roomID, Request: *req})
		}
		p.emitPositions(re.roomID, re.changed)
	}
}

// renumberLocked refreshes 1-based positions and returns the requests whose
// position changed. Caller holds p.mu.
func (p *Processor) renumberLocked(rq *roomQueue) []types.TurnRequest {
	var changed []types.TurnRequest
	for i, req := range rq.pending {
		pos := i + 1
		if req.Position != pos {
			req.Position = pos
			changed = append(changed, *req)
		}
	}
	return changed
}

func (p *Processor) roomLocked(roomID types.RoomIDType) *roomQueue {
	rq, ok := p.rooms[roomID]
	if !ok {
		rq = &roomQueue{attempts: make(map[string]int)}
		p.rooms[roomID] = rq
	}
	return rq
}

func (p *Processor) emit(e Event) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.events <- e:
	default:
		logging.GetLogger().Warn("turn queue event channel full, dropping event",
			zap.String("kind", string(e.Kind)), zap.String("roomId", string(e.RoomID)))
	}
}

func (p *Processor) emitPositions(roomID types.RoomIDType, changed []types.TurnRequest) {
	if len(changed) == 0 {
		return
	}
	p.emit(Event{Kind: EventPositions, RoomID: roomID, Positions: changed})
}

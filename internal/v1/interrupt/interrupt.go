// Package interrupt arbitrates urgent overrides of an in-flight AI response:
// who may interrupt, how often, and the cancel/clear/unlock sequence that
// stops the provider.
package interrupt

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// Config governs interrupt policy. Per-room overrides share the same shape.
type Config struct {
	Enabled                bool
	OwnerOnly              bool
	ModeratorsCanInterrupt bool
	InterruptCooldown      time.Duration
	MaxInterruptsPerMinute int
	LogAllEvents           bool
}

// DefaultConfig mirrors production defaults: everyone may interrupt, 2s
// cooldown, at most 10 per minute.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		ModeratorsCanInterrupt: true,
		InterruptCooldown:      2000 * time.Millisecond,
		MaxInterruptsPerMinute: 10,
		LogAllEvents:           true,
	}
}

// Denial reasons returned by CanInterrupt.
const (
	ReasonRoomNotFound  = "room_not_found"
	ReasonDisabled      = "interrupts_disabled"
	ReasonRoleDenied    = "role_not_permitted"
	ReasonCooldown      = "cooldown_active"
	ReasonRateLimited   = "rate_limit_exceeded"
	ReasonNotRespond    = "ai_not_responding"
	ReasonUnknownReq    = "unknown_request"
	ReasonCancelFailure = "cancel_failed"
)

// Decision is the outcome of a CanInterrupt check.
type Decision struct {
	Allowed bool
	Reason  string
}

// EventKind classifies interrupt history events.
type EventKind string

const (
	EventRequested EventKind = "requested"
	EventProcessed EventKind = "processed"
	EventRejected  EventKind = "rejected"
	EventCancelled EventKind = "cancelled"
)

// HistoryEvent is one logged interrupt lifecycle step.
type HistoryEvent struct {
	Kind      EventKind
	RequestID string
	RoomID    types.RoomIDType
	PeerID    types.PeerIDType
	Reason    string
	At        time.Time
}

// Request is a pending interrupt awaiting processing.
type Request struct {
	ID        string
	RoomID    types.RoomIDType
	PeerID    types.PeerIDType
	Role      types.RoleType
	CreatedAt time.Time
}

const (
	historyTrimAt = 100
	historyKeep   = 50
)

type roomState struct {
	lastInterruptAt time.Time
	countThisMinute int
	minuteStart     time.Time
	override        *Config
}

// RoomChecker reports room existence. Implemented by the room store.
type RoomChecker interface {
	Exists(roomID types.RoomIDType) bool
}

// Handler evaluates and executes interrupt requests.
type Handler struct {
	mu      sync.Mutex
	cfg     Config
	rooms   map[types.RoomIDType]*roomState
	pending map[string]*Request
	history []HistoryEvent
	checker RoomChecker
	now     func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates a Handler with the given global policy.
func NewHandler(cfg Config, checker RoomChecker, opts ...Option) *Handler {
	h := &Handler{
		cfg:     cfg,
		rooms:   make(map[types.RoomIDType]*roomState),
		pending: make(map[string]*Request),
		checker: checker,
		now:     time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetRoomConfig installs a per-room policy override.
func (h *Handler) SetRoomConfig(roomID types.RoomIDType, cfg Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roomLocked(roomID).override = &cfg
}

// CanInterrupt evaluates the policy rules in order and short-circuits on the
// first failure.
func (h *Handler) CanInterrupt(roomID types.RoomIDType, peerID types.PeerIDType, role types.RoleType) Decision {
	if h.checker != nil && !h.checker.Exists(roomID) {
		return Decision{Reason: ReasonRoomNotFound}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rs := h.roomLocked(roomID)
	cfg := h.effectiveConfigLocked(rs)

	if !h.cfg.Enabled || !cfg.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	if !rolePermitted(cfg, role) {
		return Decision{Reason: ReasonRoleDenied}
	}

	now := h.now()
	if !rs.lastInterruptAt.IsZero() && now.Sub(rs.lastInterruptAt) < cfg.InterruptCooldown {
		return Decision{Reason: ReasonCooldown}
	}

	h.rollMinuteLocked(rs, now)
	if rs.countThisMinute >= cfg.MaxInterruptsPerMinute {
		return Decision{Reason: ReasonRateLimited}
	}
	return Decision{Allowed: true}
}

// RequestInterrupt records a pending interrupt after re-checking policy.
func (h *Handler) RequestInterrupt(roomID types.RoomIDType, peerID types.PeerIDType, role types.RoleType) (*Request, Decision) {
	decision := h.CanInterrupt(roomID, peerID, role)
	if !decision.Allowed {
		h.logEvent(HistoryEvent{Kind: EventRejected, RoomID: roomID, PeerID: peerID, Reason: decision.Reason})
		metrics.InterruptsTotal.WithLabelValues("denied").Inc()
		return nil, decision
	}

	req := &Request{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		PeerID:    peerID,
		Role:      role,
		CreatedAt: h.now(),
	}
	h.mu.Lock()
	h.pending[req.ID] = req
	h.mu.Unlock()

	h.logEvent(HistoryEvent{Kind: EventRequested, RequestID: req.ID, RoomID: roomID, PeerID: peerID})
	return req, decision
}

// ProcessInterrupt executes a pending interrupt: onSendCancel stops the
// provider; on success onClearResponse then onUnlock run in order. A panic or
// failure from onSendCancel is reported as a rejection, never propagated.
func (h *Handler) ProcessInterrupt(
	requestID string,
	aiState types.AIStateKind,
	responseDuration time.Duration,
	onSendCancel func(types.RoomIDType) bool,
	onClearResponse func(types.RoomIDType),
	onUnlock func(types.RoomIDType),
) (ok bool, reason string) {
	h.mu.Lock()
	req, found := h.pending[requestID]
	if found {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()

	if !found {
		return false, ReasonUnknownReq
	}

	// Any non-idle state is interruptible, including locked (a response
	// paused for a function call still has output to cancel).
	if aiState == types.AIStateIdle {
		h.logEvent(HistoryEvent{Kind: EventRejected, RequestID: req.ID, RoomID: req.RoomID, PeerID: req.PeerID, Reason: ReasonNotRespond})
		metrics.InterruptsTotal.WithLabelValues("denied").Inc()
		return false, ReasonNotRespond
	}

	cancelled, err := h.safeCancel(onSendCancel, req.RoomID)
	if err != nil || !cancelled {
		reason := ReasonCancelFailure
		if err != nil {
			reason = fmt.Sprintf("%s: %v", ReasonCancelFailure, err)
		}
		h.logEvent(HistoryEvent{Kind: EventRejected, RequestID: req.ID, RoomID: req.RoomID, PeerID: req.PeerID, Reason: reason})
		metrics.InterruptsTotal.WithLabelValues("failed").Inc()
		return false, reason
	}

	if onClearResponse != nil {
		onClearResponse(req.RoomID)
	}
	if onUnlock != nil {
		onUnlock(req.RoomID)
	}

	now := h.now()
	h.mu.Lock()
	rs := h.roomLocked(req.RoomID)
	rs.lastInterruptAt = now
	h.rollMinuteLocked(rs, now)
	rs.countThisMinute++
	h.mu.Unlock()

	h.logEvent(HistoryEvent{Kind: EventProcessed, RequestID: req.ID, RoomID: req.RoomID, PeerID: req.PeerID})
	metrics.InterruptsTotal.WithLabelValues("succeeded").Inc()
	logging.GetLogger().Info("interrupt processed",
		zap.String("roomId", string(req.RoomID)),
		zap.String("peerId", string(req.PeerID)),
		zap.Duration("responseDuration", responseDuration))
	return true, ""
}

// CancelRequest drops a pending interrupt, typically when the peer leaves.
func (h *Handler) CancelRequest(requestID string) bool {
	h.mu.Lock()
	req, found := h.pending[requestID]
	if found {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !found {
		return false
	}
	h.logEvent(HistoryEvent{Kind: EventCancelled, RequestID: req.ID, RoomID: req.RoomID, PeerID: req.PeerID})
	return true
}

// History returns a copy of the retained event log, oldest-first.
func (h *Handler) History() []HistoryEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEvent, len(h.history))
	copy(out, h.history)
	return out
}

// DropRoom discards rate-limit state for a closed room.
func (h *Handler) DropRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	delete(h.rooms, roomID)
	for id, req := range h.pending {
		if req.RoomID == roomID {
			delete(h.pending, id)
		}
	}
	h.mu.Unlock()
}

func (h *Handler) safeCancel(onSendCancel func(types.RoomIDType) bool, roomID types.RoomIDType) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("%v", r)
		}
	}()
	if onSendCancel == nil {
		return false, nil
	}
	return onSendCancel(roomID), nil
}

func (h *Handler) logEvent(e HistoryEvent) {
	e.At = h.now()
	h.mu.Lock()
	h.history = append(h.history, e)
	if len(h.history) > historyTrimAt {
		h.history = append([]HistoryEvent(nil), h.history[len(h.history)-historyKeep:]...)
	}
	logAll := h.cfg.LogAllEvents
	h.mu.Unlock()

	if logAll {
		logging.GetLogger().Debug("interrupt event",
			zap.String("kind", string(e.Kind)),
			zap.String("roomId", string(e.RoomID)),
			zap.String("reason", e.Reason))
	}
}

// rollMinuteLocked resets the per-minute counter on a wall-clock minute
// boundary relative to the last reset.
func (h *Handler) rollMinuteLocked(rs *roomState, now time.Time) {
	if rs.minuteStart.IsZero() || now.Sub(rs.minuteStart) >= time.Minute {
		rs.minuteStart = now
		rs.countThisMinute = 0
	}
}

func (h *Handler) effectiveConfigLocked(rs *roomState) Config {
	if rs.override != nil {
		return *rs.override
	}
	return h.cfg
}

// rolePermitted: owners always may interrupt; OwnerOnly locks everyone else
// out, except moderators when ModeratorsCanInterrupt is also set.
func rolePermitted(cfg Config, role types.RoleType) bool {
	switch {
	case role == types.RoleTypeOwner:
		return true
	case role == types.RoleTypeModerator:
		return !cfg.OwnerOnly || cfg.ModeratorsCanInterrupt
	default:
		return !cfg.OwnerOnly
	}
}

func (h *Handler) roomLocked(roomID types.RoomIDType) *roomState {
	rs, ok := h.rooms[roomID]
	if !ok {
		rs = &roomState{}
		h.rooms[roomID] = rs
	}
	return rs
}

// Package signaling implements the WebSocket hub: connection lifecycle, the
// JSON wire protocol router, room membership bookkeeping, and fan-out of
// broadcasts to every peer in a room.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/voicedeck/voicedeck/internal/v1/auth"
	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/presence"
	"github.com/voicedeck/voicedeck/internal/v1/store"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// defaultCleanupGracePeriod is how long an empty room survives before the hub
// closes it, giving reconnecting peers a window.
const defaultCleanupGracePeriod = 30 * time.Second

// defaultHistoryLimit bounds transcript:history responses when the request
// omits a limit.
const defaultHistoryLimit = 50

// AIGateway is the capability surface the hub needs from the AI orchestrator.
type AIGateway interface {
	HandlePTTStart(roomID types.RoomIDType, peerID types.PeerIDType, name types.DisplayNameType, role types.RoleType) error
	HandlePTTEnd(roomID types.RoomIDType, peerID types.PeerIDType)
	HandleAudioData(roomID types.RoomIDType, peerID types.PeerIDType, pcmBase64 string)
	HandleInterrupt(roomID types.RoomIDType, peerID types.PeerIDType, role types.RoleType) error
	State(roomID types.RoomIDType) types.RoomAIState
	PeerCountChanged(roomID types.RoomIDType, peers []types.Peer)
	PeerLeft(roomID types.RoomIDType, peerID types.PeerIDType)
	CloseRoom(roomID types.RoomIDType)
}

// RateLimiter gates WebSocket upgrades and per-peer event rates.
type RateLimiter interface {
	CheckWebSocket(c *gin.Context) bool
	AllowEvent(peerID types.PeerIDType, event types.Event) bool
}

// Hub coordinates every signaling connection in the process.
type Hub struct {
	store       *store.Store
	transcripts *transcript.Store
	validator   auth.TokenValidator
	rateLimiter RateLimiter
	presence    *presence.Tracker
	ai          AIGateway

	mu                  sync.Mutex
	rooms               map[types.RoomIDType]map[types.PeerIDType]*Client
	pendingRoomCleanups map[types.RoomIDType]*time.Timer

	cleanupGracePeriod time.Duration
	allowedOrigins     set.Set[string]
	onRoomClosed       func(room types.Room)
}

// Option configures a Hub.
type Option func(*Hub)

// WithValidator installs the token validator used on upgrade.
func WithValidator(v auth.TokenValidator) Option {
	return func(h *Hub) { h.validator = v }
}

// WithRateLimiter installs connection and event rate limiting.
func WithRateLimiter(rl RateLimiter) Option {
	return func(h *Hub) { h.rateLimiter = rl }
}

// WithAllowedOrigins sets the origin allow-list checked on upgrade. Entries
// are normalized to lowercase scheme://host with no trailing slash.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.allowedOrigins = set.New[string]()
		for _, o := range origins {
			h.allowedOrigins.Insert(strings.ToLower(strings.TrimSuffix(o, "/")))
		}
	}
}

// WithCleanupGracePeriod overrides the empty-room grace period.
func WithCleanupGracePeriod(d time.Duration) Option {
	return func(h *Hub) { h.cleanupGracePeriod = d }
}

// WithRoomClosedHook registers a hook invoked with the pre-close room
// snapshot whenever the hub closes a room. Used for the export sink.
func WithRoomClosedHook(fn func(room types.Room)) Option {
	return func(h *Hub) { h.onRoomClosed = fn }
}

// NewHub creates a Hub over the room store and transcript store.
func NewHub(roomStore *store.Store, transcripts *transcript.Store, opts ...Option) *Hub {
	h := &Hub{
		store:               roomStore,
		transcripts:         transcripts,
		rooms:               make(map[types.RoomIDType]map[types.PeerIDType]*Client),
		pendingRoomCleanups: make(map[types.RoomIDType]*time.Timer),
		cleanupGracePeriod:  defaultCleanupGracePeriod,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// AttachPresence wires the presence tracker. Done post-construction because
// the tracker broadcasts through the hub.
func (h *Hub) AttachPresence(t *presence.Tracker) { h.presence = t }

// AttachAI wires the orchestrator. Done post-construction because the
// orchestrator broadcasts through the hub.
func (h *Hub) AttachAI(g AIGateway) { h.ai = g }

// ServeWs authenticates the request and upgrades it to a signaling
// connection.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	userID, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, userID)
}

// HandleConnection starts the pumps for an established connection. Split from
// ServeWs so tests can drive a mock connection.
func (h *Hub) HandleConnection(conn wsConnection, userID string) *Client {
	client := newClient(conn, h, userID)
	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}

// authenticate extracts and validates the bearer token. A nil validator
// treats every connection as anonymous.
func (h *Hub) authenticate(c *gin.Context) (string, error) {
	if h.validator == nil {
		return "", nil
	}

	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
		if token == header {
			token = ""
		}
	}
	if token == "" {
		return "", errors.New("token not provided")
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// validateOrigin enforces the allow-list. An empty Origin header (non-browser
// client) is accepted.
func validateOrigin(r *http.Request, allowed set.Set[string]) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return err
	}
	if allowed.Has(strings.ToLower(parsed.Scheme + "://" + parsed.Host)) {
		return nil
	}
	return errors.New("origin not in allow-list")
}

// route dispatches one inbound envelope to its handler.
func (h *Hub) route(ctx context.Context, c *Client, msg types.Message) {
	if h.rateLimiter != nil && !h.rateLimiter.AllowEvent(c.ID, msg.Event) {
		h.sendError(c, types.NewWireError(types.ErrCodeRateLimited, c.RoomID(), "too many messages"))
		metrics.SignalingEvents.WithLabelValues(string(msg.Event), "rate_limited").Inc()
		return
	}

	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
	}()

	switch msg.Event {
	case types.EventRoomJoin:
		h.handleJoin(ctx, c, msg.Payload)
	case types.EventRoomLeave:
		h.handleLeave(c)
	case types.EventDisplayNameUpdate:
		h.handleDisplayNameUpdate(c, msg.Payload)
	case types.EventPresenceUpdate:
		h.handlePresenceUpdate(c, msg.Payload)
	case types.EventPresenceHeartbeat:
		h.handleHeartbeat(c)
	case types.EventSignalOffer, types.EventSignalAnswer, types.EventSignalICE:
		h.handleSignalRelay(c, msg.Event, msg.Payload)
	case types.EventAIPTTStart:
		h.handlePTTStart(c, msg.Payload)
	case types.EventAIPTTEnd:
		h.handlePTTEnd(c, msg.Payload)
	case types.EventAIAudioData:
		h.handleAudioData(c, msg.Payload)
	case types.EventAIInterrupt:
		h.handleInterrupt(c, msg.Payload)
	case types.EventTranscriptRequest:
		h.handleHistoryRequest(c, msg.Payload)
	case types.EventSearchClear:
		h.handleSearchClear(c)
	default:
		logging.GetLogger().Debug("dropping unknown event",
			zap.String("event", string(msg.Event)), zap.String("peerId", string(c.ID)))
		metrics.SignalingEvents.WithLabelValues(string(msg.Event), "unknown").Inc()
		return
	}
	metrics.SignalingEvents.WithLabelValues(string(msg.Event), "ok").Inc()
}

// BroadcastToRoom sends one envelope to every peer in the room. The payload
// is marshaled once.
func (h *Hub) BroadcastToRoom(roomID types.RoomIDType, msg types.Outbound) {
	h.broadcast(roomID, msg, "")
}

// broadcastExcept fans out to every room member except the given peer.
func (h *Hub) broadcastExcept(roomID types.RoomIDType, except types.PeerIDType, msg types.Outbound) {
	h.broadcast(roomID, msg, except)
}

func (h *Hub) broadcast(roomID types.RoomIDType, msg types.Outbound, except types.PeerIDType) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal broadcast",
			zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	priority := isPriorityEvent(msg.Event)

	h.mu.Lock()
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for id, member := range h.rooms[roomID] {
		if id == except {
			continue
		}
		members = append(members, member)
	}
	h.mu.Unlock()

	for _, member := range members {
		member.sendRaw(data, priority)
	}
}

// member returns the client for a peer in a room, nil when absent.
func (h *Hub) member(roomID types.RoomIDType, peerID types.PeerIDType) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID][peerID]
}

// addToRoom registers a member and cancels any pending empty-room cleanup.
func (h *Hub) addToRoom(roomID types.RoomIDType, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if timer, ok := h.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[types.PeerIDType]*Client)
		h.rooms[roomID] = members
	}
	members[c.ID] = c
}

// removeFromRoom drops a member and reports how many remain.
func (h *Hub) removeFromRoom(roomID types.RoomIDType, peerID types.PeerIDType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return 0
	}
	return len(members)
}

// handleClientDisconnect runs when readPump exits for any reason.
func (h *Hub) handleClientDisconnect(c *Client) {
	h.removePeer(c)
	c.Disconnect()
}

// removePeer unwinds one peer's membership. Idempotent: a second call for the
// same connection is a no-op because the membership is already cleared.
func (h *Hub) removePeer(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	c.clearMembership()

	remaining := h.removeFromRoom(roomID, c.ID)
	snapshot, removed := h.store.RemoveParticipant(roomID, c.ID)
	if h.presence != nil {
		h.presence.RemovePeer(roomID, c.ID)
	}
	if h.ai != nil {
		h.ai.PeerLeft(roomID, c.ID)
		h.ai.PeerCountChanged(roomID, snapshot.Participants)
	}

	if removed {
		metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(len(snapshot.Participants)))
		h.BroadcastToRoom(roomID, types.Outbound{
			Event: types.EventPeerLeft,
			Payload: types.PeerEventPayload{
				RoomID: roomID,
				Peer:   types.Peer{ID: c.ID, DisplayName: c.DisplayName(), RoomID: roomID},
			},
		})
	}

	if remaining == 0 {
		h.scheduleRoomCleanup(roomID)
	}
}

// scheduleRoomCleanup arms the grace timer for an empty room. A reconnect
// within the grace period cancels it.
func (h *Hub) scheduleRoomCleanup(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
	}
	h.pendingRoomCleanups[roomID] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		_, occupied := h.rooms[roomID]
		delete(h.pendingRoomCleanups, roomID)
		h.mu.Unlock()
		if occupied {
			// Someone rejoined between arming and firing.
			return
		}
		logging.Info(context.Background(), "closing empty room after grace period",
			zap.String("roomId", string(roomID)))
		h.CloseRoom(roomID, "room empty")
	})
}

// CloseRoom closes the room terminally: broadcasts room:closed, disconnects
// members, tears down AI state, and runs the export hook.
func (h *Hub) CloseRoom(roomID types.RoomIDType, reason string) {
	h.BroadcastToRoom(roomID, types.Outbound{
		Event:   types.EventRoomClosed,
		Payload: types.RoomClosedPayload{RoomID: roomID, Reason: reason},
	})

	h.mu.Lock()
	if timer, ok := h.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for _, member := range h.rooms[roomID] {
		members = append(members, member)
	}
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for _, member := range members {
		member.clearMembership()
		member.Disconnect()
	}

	snapshot, err := h.store.Close(roomID)
	if err != nil {
		logging.GetLogger().Debug("closing unknown room", zap.String("roomId", string(roomID)))
		return
	}
	if h.ai != nil {
		h.ai.CloseRoom(roomID)
	}
	if h.onRoomClosed != nil {
		h.onRoomClosed(snapshot)
	}
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
}

// Shutdown closes every active room. Part of graceful process shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	roomIDs := make([]types.RoomIDType, 0, len(h.rooms))
	for roomID := range h.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	h.mu.Unlock()

	for _, roomID := range roomIDs {
		h.CloseRoom(roomID, "Server shutting down")
	}
	logging.Info(ctx, "all rooms closed", zap.Int("count", len(roomIDs)))
	return nil
}

// sendError delivers a room:error frame to one client.
func (h *Hub) sendError(c *Client, err error) {
	we, ok := err.(*types.WireError)
	if !ok {
		we = types.NewWireError(types.ErrCodeInvalidInput, c.RoomID(), "%s", err.Error())
	}
	c.Send(types.Outbound{Event: types.EventRoomError, Payload: we})
}

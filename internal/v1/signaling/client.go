package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

const (
	writeWait = 10 * time.Second

	// sendQueueDepth sizes the normal outbound queue; ai:audio streams through
	// here, so it is the larger of the two.
	sendQueueDepth = 256

	// prioritySendQueueDepth sizes the control-plane queue (state, errors,
	// SDP/ICE relays).
	prioritySendQueueDepth = 64
)

// wsConnection is the slice of *websocket.Conn the client uses, extracted so
// tests can substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one peer's signaling connection. The peer ID is allocated at
// connect time and is not stable across reconnects.
type Client struct {
	conn wsConnection
	hub  *Hub

	ID     types.PeerIDType
	UserID string // authenticated subject, used for room ownership

	mu          sync.RWMutex
	displayName types.DisplayNameType
	role        types.RoleType
	roomID      types.RoomIDType
	closed      bool

	closeOnce    sync.Once
	send         chan []byte
	prioritySend chan []byte
}

func newClient(conn wsConnection, hub *Hub, userID string) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		ID:           types.PeerIDType(uuid.NewString()),
		UserID:       userID,
		role:         types.RoleTypeParticipant,
		send:         make(chan []byte, sendQueueDepth),
		prioritySend: make(chan []byte, prioritySendQueueDepth),
	}
}

// RoomID returns the room the client currently occupies, empty when not
// joined.
func (c *Client) RoomID() types.RoomIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// DisplayName returns the name the client joined with.
func (c *Client) DisplayName() types.DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Role returns the client's role within its current room.
func (c *Client) Role() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) setMembership(roomID types.RoomIDType, name types.DisplayNameType, role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.displayName = name
	c.role = role
}

func (c *Client) clearMembership() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
	c.role = types.RoleTypeParticipant
}

func (c *Client) setDisplayName(name types.DisplayNameType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displayName = name
}

// Disconnect closes the outbound queues, which lets writePump drain, send the
// close frame, and shut the connection. Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	close(c.prioritySend)
}

// readPump reads frames off the socket until it errors, dispatching each
// decoded envelope to the hub's router.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped silently, per protocol policy.
			logging.GetLogger().Debug("dropping malformed frame",
				zap.String("peerId", string(c.ID)), zap.Error(err))
			metrics.SignalingEvents.WithLabelValues("malformed", "dropped").Inc()
			continue
		}

		c.hub.route(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing priority message", zap.Error(err))
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message", zap.Error(err))
				return
			}
		}
	}
}

// Send marshals and enqueues one outbound envelope. Control-plane events ride
// the priority queue so a saturated audio stream never starves them.
func (c *Client) Send(msg types.Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message",
			zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	c.sendRaw(data, isPriorityEvent(msg.Event))
}

// sendRaw enqueues pre-marshaled bytes. Never blocks: a full queue drops the
// frame with a log line.
func (c *Client) sendRaw(data []byte, priority bool) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// The queues may be closed between the check above and the send below.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("send to disconnecting client",
				zap.String("peerId", string(c.ID)))
		}
	}()

	if priority {
		select {
		case c.prioritySend <- data:
		default:
			logging.Error(context.Background(), "client priority queue full, dropping critical message",
				zap.String("peerId", string(c.ID)))
		}
		return
	}
	select {
	case c.send <- data:
	default:
		logging.GetLogger().Warn("client send queue full, dropping message",
			zap.String("peerId", string(c.ID)))
	}
}

// isPriorityEvent classifies control-plane events that must not queue behind
// bulk traffic.
func isPriorityEvent(event types.Event) bool {
	switch event {
	case types.EventRoomJoined, types.EventRoomLeft, types.EventRoomError, types.EventRoomClosed,
		types.EventSignalOffer, types.EventSignalAnswer, types.EventSignalICE,
		types.EventAIState:
		return true
	}
	return false
}

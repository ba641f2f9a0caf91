package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// mockConn is an in-memory wsConnection. Frames pushed onto inbound come out
// of ReadMessage; everything the client writes lands in written.
type mockConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	if messageType == websocket.TextMessage {
		buf := make([]byte, len(data))
		copy(buf, data)
		m.written = append(m.written, buf)
	}
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// fakeGateway records the AI calls the hub makes.
type fakeGateway struct {
	mu               sync.Mutex
	pttStarts        int
	pttEnds          int
	interrupts       int
	audioChunks      []string
	peerLeft         []types.PeerIDType
	peerCountChanges []int
	closedRooms      []types.RoomIDType
	state            types.RoomAIState
	pttErr           error
}

func (g *fakeGateway) HandlePTTStart(types.RoomIDType, types.PeerIDType, types.DisplayNameType, types.RoleType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pttStarts++
	return g.pttErr
}

func (g *fakeGateway) HandlePTTEnd(types.RoomIDType, types.PeerIDType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pttEnds++
}

func (g *fakeGateway) HandleAudioData(_ types.RoomIDType, _ types.PeerIDType, pcmBase64 string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audioChunks = append(g.audioChunks, pcmBase64)
}

func (g *fakeGateway) HandleInterrupt(types.RoomIDType, types.PeerIDType, types.RoleType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interrupts++
	return nil
}

func (g *fakeGateway) State(types.RoomIDType) types.RoomAIState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *fakeGateway) PeerCountChanged(_ types.RoomIDType, peers []types.Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peerCountChanges = append(g.peerCountChanges, len(peers))
}

func (g *fakeGateway) PeerLeft(_ types.RoomIDType, peerID types.PeerIDType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peerLeft = append(g.peerLeft, peerID)
}

func (g *fakeGateway) CloseRoom(roomID types.RoomIDType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closedRooms = append(g.closedRooms, roomID)
}

// denyingLimiter rejects every signaling event.
type denyingLimiter struct{}

func (denyingLimiter) CheckWebSocket(*gin.Context) bool { return true }

func (denyingLimiter) AllowEvent(types.PeerIDType, types.Event) bool { return false }

// recvFrame pops the next queued outbound frame, preferring the priority
// queue so control frames come out in the order the hub emits them. Closed
// channels are skipped; the other queue's buffered frames are still drained.
func recvFrame(t *testing.T, c *Client) types.Message {
	t.Helper()
	priority, bulk := c.prioritySend, c.send
	deadline := time.After(time.Second)
	for {
		if priority != nil {
			select {
			case data, ok := <-priority:
				if !ok {
					priority = nil
					continue
				}
				return unmarshalFrame(t, data)
			default:
			}
		}
		select {
		case data, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			return unmarshalFrame(t, data)
		case data, ok := <-bulk:
			if !ok {
				bulk = nil
				continue
			}
			return unmarshalFrame(t, data)
		case <-deadline:
			t.Fatal("timed out waiting for outbound frame")
		}
	}
}

func unmarshalFrame(t *testing.T, data []byte) types.Message {
	t.Helper()
	var msg types.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// recvEvent pops frames until one matches the wanted event.
func recvEvent(t *testing.T, c *Client, event types.Event) types.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		msg := recvFrame(t, c)
		if msg.Event == event {
			return msg
		}
	}
	t.Fatalf("no %s frame received", event)
	return types.Message{}
}

// assertNoFrame asserts both outbound queues are empty.
func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.prioritySend:
		t.Fatalf("unexpected priority frame: %s", data)
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodePayload[T any](t *testing.T, msg types.Message) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(msg.Payload, &out))
	return out
}

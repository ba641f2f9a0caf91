package signaling

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// handleJoin runs the admission sequence: room exists, not closed, capacity,
// valid display name — failing with the first violated rule, in that order.
func (h *Hub) handleJoin(ctx context.Context, c *Client, payload json.RawMessage) {
	var p types.JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidInput, "", "malformed join payload"))
		return
	}

	if c.RoomID() != "" {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidInput, c.RoomID(), "already in a room"))
		return
	}

	room, ok := h.store.Get(p.RoomID)
	if !ok {
		h.sendError(c, types.NewWireError(types.ErrCodeRoomNotFound, p.RoomID, "room %s not found", p.RoomID))
		return
	}
	if room.Status == types.RoomStatusClosed {
		h.sendError(c, types.NewWireError(types.ErrCodeRoomClosed, p.RoomID, "room %s is closed", p.RoomID))
		return
	}
	if len(room.Participants) >= room.MaxParticipants {
		h.sendError(c, types.NewWireError(types.ErrCodeRoomFull, p.RoomID, "room %s is full", p.RoomID))
		return
	}
	name, err := types.ValidateDisplayName(p.DisplayName)
	if err != nil {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidName, p.RoomID, "%s", err.Error()))
		return
	}

	role := types.RoleTypeParticipant
	if c.UserID != "" && room.OwnerID == c.UserID {
		role = types.RoleTypeOwner
	}

	now := time.Now().UTC()
	peer := types.Peer{
		ID:          c.ID,
		DisplayName: name,
		AvatarURL:   p.AvatarURL,
		Role:        role,
		RoomID:      p.RoomID,
		JoinedAt:    now,
		Presence: types.Presence{
			ConnectionState: types.ConnectionStateNew,
			LastActiveAt:    now,
		},
	}

	// Re-checked under the store's room lock; a concurrent join can still win
	// the last seat.
	updated, err := h.store.AddParticipant(p.RoomID, peer)
	if err != nil {
		h.sendError(c, err)
		return
	}

	c.setMembership(p.RoomID, name, role)
	h.addToRoom(p.RoomID, c)
	if h.presence != nil {
		h.presence.AddPeer(p.RoomID, c.ID)
	}

	logging.Info(ctx, "peer joined room",
		zap.String("roomId", string(p.RoomID)),
		zap.String("peerId", string(c.ID)),
		zap.String("displayName", logging.RedactName(string(name))),
		zap.String("role", string(role)))

	h.broadcastExcept(p.RoomID, c.ID, types.Outbound{
		Event:   types.EventPeerJoined,
		Payload: types.PeerEventPayload{RoomID: p.RoomID, Peer: peer},
	})

	others := make([]types.Peer, 0, len(updated.Participants)-1)
	for _, member := range updated.Participants {
		if member.ID != c.ID {
			others = append(others, member)
		}
	}
	var aiState types.RoomAIState
	if h.ai != nil {
		aiState = h.ai.State(p.RoomID)
	}
	c.Send(types.Outbound{
		Event: types.EventRoomJoined,
		Payload: types.JoinedPayload{
			Room:      updated.Summary(),
			LocalPeer: peer,
			Peers:     others,
			AIState:   aiState,
		},
	})

	// Full presence snapshot so the joiner starts from known state rather
	// than replaying deltas.
	if h.presence != nil {
		snapshot := h.presence.SyncSnapshot(p.RoomID)
		peers := make([]types.Peer, 0, len(updated.Participants))
		for _, member := range updated.Participants {
			if pres, known := snapshot[member.ID]; known {
				member.Presence = pres
			}
			peers = append(peers, member)
		}
		c.Send(types.Outbound{
			Event:   types.EventPresenceSync,
			Payload: types.PresenceSyncPayload{RoomID: p.RoomID, Peers: peers},
		})
	}

	// Late joiners get the recent transcript directly.
	if entries, remaining := h.transcripts.GetEntries(p.RoomID, defaultHistoryLimit, ""); len(entries) > 0 {
		c.Send(types.Outbound{
			Event: types.EventTranscriptHistory,
			Payload: types.HistoryPayload{
				RoomID:  p.RoomID,
				Entries: entries,
				HasMore: remaining > 0,
				Total:   h.transcripts.EntryCount(p.RoomID),
			},
		})
	}

	if h.ai != nil {
		h.ai.PeerCountChanged(p.RoomID, updated.Participants)
	}
	metrics.RoomParticipants.WithLabelValues(string(p.RoomID)).Set(float64(len(updated.Participants)))
}

// handleLeave is idempotent: leaving twice, or leaving while not in a room,
// does nothing.
func (h *Hub) handleLeave(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	h.removePeer(c)
	c.Send(types.Outbound{
		Event:   types.EventRoomLeft,
		Payload: types.LeavePayload{RoomID: roomID},
	})
}

func (h *Hub) handleDisplayNameUpdate(c *Client, payload json.RawMessage) {
	var p types.DisplayNamePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidInput, c.RoomID(), "malformed payload"))
		return
	}
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, types.NewWireError(types.ErrCodeNotInRoom, "", "join a room first"))
		return
	}
	name, err := types.ValidateDisplayName(p.Name)
	if err != nil {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidName, roomID, "%s", err.Error()))
		return
	}

	updated, ok := h.store.UpdatePeer(roomID, c.ID, func(peer *types.Peer) {
		peer.DisplayName = name
	})
	if !ok {
		h.sendError(c, types.NewWireError(types.ErrCodeNotInRoom, roomID, "peer not in room"))
		return
	}
	c.setDisplayName(name)

	h.BroadcastToRoom(roomID, types.Outbound{
		Event:   types.EventPeerUpdated,
		Payload: types.PeerEventPayload{RoomID: roomID, Peer: updated},
	})
}

func (h *Hub) handlePresenceUpdate(c *Client, payload json.RawMessage) {
	var p types.PresencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return // malformed presence deltas are dropped
	}
	roomID := c.RoomID()
	if roomID == "" || h.presence == nil {
		return
	}
	h.presence.Update(roomID, c.ID, p)
}

func (h *Hub) handleHeartbeat(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	if h.presence != nil {
		h.presence.Heartbeat(roomID, c.ID)
	}
	h.store.TouchActivity(roomID)
}

// handleSignalRelay forwards SDP/ICE verbatim to the target peer only. A
// target outside the sender's room is dropped with a log line, never an
// error frame.
func (h *Hub) handleSignalRelay(c *Client, event types.Event, payload json.RawMessage) {
	var p types.SignalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	roomID := c.RoomID()
	if roomID == "" {
		h.sendError(c, types.NewWireError(types.ErrCodeNotInRoom, "", "join a room first"))
		return
	}

	target := h.member(roomID, p.TargetPeerID)
	if target == nil {
		logging.GetLogger().Debug("dropping signal for peer outside room",
			zap.String("roomId", string(roomID)),
			zap.String("from", string(c.ID)),
			zap.String("target", string(p.TargetPeerID)))
		return
	}

	p.FromPeerID = c.ID
	target.Send(types.Outbound{Event: event, Payload: p})
}

func (h *Hub) handlePTTStart(c *Client, payload json.RawMessage) {
	roomID, ok := h.memberRoom(c, payload)
	if !ok || h.ai == nil {
		return
	}
	if err := h.ai.HandlePTTStart(roomID, c.ID, c.DisplayName(), c.Role()); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handlePTTEnd(c *Client, payload json.RawMessage) {
	roomID, ok := h.memberRoom(c, payload)
	if !ok || h.ai == nil {
		return
	}
	h.ai.HandlePTTEnd(roomID, c.ID)
}

func (h *Hub) handleAudioData(c *Client, payload json.RawMessage) {
	var p types.AudioDataPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	roomID := c.RoomID()
	if roomID == "" || roomID != p.RoomID || h.ai == nil {
		return
	}
	h.ai.HandleAudioData(roomID, c.ID, p.Audio)
}

func (h *Hub) handleInterrupt(c *Client, payload json.RawMessage) {
	roomID, ok := h.memberRoom(c, payload)
	if !ok || h.ai == nil {
		return
	}
	if err := h.ai.HandleInterrupt(roomID, c.ID, c.Role()); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleHistoryRequest(c *Client, payload json.RawMessage) {
	var p types.HistoryRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.sendError(c, types.NewWireError(types.ErrCodeInvalidInput, c.RoomID(), "malformed payload"))
		return
	}
	roomID := c.RoomID()
	if roomID == "" || roomID != p.RoomID {
		h.sendError(c, types.NewWireError(types.ErrCodeNotInRoom, p.RoomID, "not in room %s", p.RoomID))
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, remaining := h.transcripts.GetEntries(roomID, limit, p.BeforeID)

	reply := types.HistoryPayload{
		RoomID:  roomID,
		Entries: entries,
		HasMore: remaining > 0,
		Total:   h.transcripts.EntryCount(roomID),
	}
	if p.IncludeSummaries {
		reply.Summaries = h.transcripts.GetSummaries(roomID)
	}
	c.Send(types.Outbound{Event: types.EventTranscriptHistory, Payload: reply})
}

// handleSearchClear relays a clear request to the whole room so every client
// dismisses the search panel together.
func (h *Hub) handleSearchClear(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	h.BroadcastToRoom(roomID, types.Outbound{Event: types.EventSearchClear})
}

// memberRoom decodes a {roomId} payload and checks it against the client's
// actual membership.
func (h *Hub) memberRoom(c *Client, payload json.RawMessage) (types.RoomIDType, bool) {
	var p types.PTTPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false
	}
	roomID := c.RoomID()
	if roomID == "" || roomID != p.RoomID {
		h.sendError(c, types.NewWireError(types.ErrCodeNotInRoom, p.RoomID, "not in room %s", p.RoomID))
		return "", false
	}
	return roomID, true
}

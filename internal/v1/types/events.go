package types

import "encoding/json"

// Event names the typed messages of the signaling wire protocol. Every frame
// on the socket is a JSON Message envelope discriminated by its Event field.
type Event string

// Client -> server events.
const (
	EventRoomJoin          Event = "room:join"
	EventRoomLeave         Event = "room:leave"
	EventDisplayNameUpdate Event = "display_name:update"
	EventPresenceUpdate    Event = "presence:update"
	EventPresenceHeartbeat Event = "presence:heartbeat"
	EventSignalOffer       Event = "signal:offer"
	EventSignalAnswer      Event = "signal:answer"
	EventSignalICE         Event = "signal:ice"
	EventAIPTTStart        Event = "ai:ptt_start"
	EventAIPTTEnd          Event = "ai:ptt_end"
	EventAIAudioData       Event = "ai:audio_data"
	EventAIInterrupt       Event = "ai:interrupt"
	EventTranscriptRequest Event = "transcript:request-history"
	EventSearchClear       Event = "search:clear"
)

// Server -> client events.
const (
	EventRoomJoined        Event = "room:joined"
	EventRoomLeft          Event = "room:left"
	EventRoomError         Event = "room:error"
	EventRoomClosed        Event = "room:closed"
	EventRoomUpdated       Event = "room:updated"
	EventPeerJoined        Event = "peer:joined"
	EventPeerLeft          Event = "peer:left"
	EventPeerUpdated       Event = "peer:updated"
	EventPresenceSync      Event = "presence:sync"
	EventAudioLevels       Event = "audio:levels"
	EventAIState           Event = "ai:state"
	EventAIAudio           Event = "ai:audio"
	EventTranscriptEntry   Event = "transcript:entry"
	EventTranscriptSummary Event = "transcript:summary"
	EventTranscriptHistory Event = "transcript:history"
	EventSearchStarted     Event = "search:started"
	EventSearchResults     Event = "search:results"
	EventSearchError       Event = "search:error"
	EventVideoSummary      Event = "video:summary"
	EventVideoSummaryError Event = "video:summary-error"
)

// Message is the wire envelope. Inbound payloads stay raw until the router
// dispatches them to a typed handler; outbound payloads are marshaled whole.
type Message struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the server-side envelope before marshaling.
type Outbound struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload,omitempty"`
}

// --- Inbound payloads ---

// JoinPayload is the payload of room:join.
type JoinPayload struct {
	RoomID      RoomIDType `json:"roomId"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
}

// LeavePayload is the payload of room:leave. Leaving is idempotent.
type LeavePayload struct {
	RoomID RoomIDType `json:"roomId"`
}

// DisplayNamePayload is the payload of display_name:update.
type DisplayNamePayload struct {
	Name string `json:"name"`
}

// PresencePayload is the partial-update payload of presence:update. Nil
// fields are left unchanged.
type PresencePayload struct {
	IsMuted        *bool    `json:"isMuted,omitempty"`
	IsSpeaking     *bool    `json:"isSpeaking,omitempty"`
	IsAddressingAI *bool    `json:"isAddressingAI,omitempty"`
	AudioLevel     *float64 `json:"audioLevel,omitempty"`
}

// SignalPayload relays SDP offers/answers and ICE candidates verbatim to a
// single target peer. The server never inspects SDP content.
type SignalPayload struct {
	TargetPeerID PeerIDType      `json:"targetPeerId"`
	FromPeerID   PeerIDType      `json:"fromPeerId,omitempty"` // set by server on relay
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// PTTPayload is the payload of ai:ptt_start and ai:ptt_end.
type PTTPayload struct {
	RoomID RoomIDType `json:"roomId"`
}

// AudioDataPayload carries one base64 PCM16 chunk of push-to-talk audio.
type AudioDataPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Audio  string     `json:"audio"`
}

// InterruptPayload is the payload of ai:interrupt.
type InterruptPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Source string     `json:"source,omitempty"`
}

// HistoryRequestPayload is the payload of transcript:request-history.
type HistoryRequestPayload struct {
	RoomID           RoomIDType `json:"roomId"`
	Limit            int        `json:"limit,omitempty"`
	BeforeID         string     `json:"beforeId,omitempty"`
	IncludeSummaries bool       `json:"includeSummaries,omitempty"`
}

// --- Outbound payloads ---

// JoinedPayload answers a successful room:join with the authoritative state.
type JoinedPayload struct {
	Room      RoomSummary `json:"room"`
	LocalPeer Peer        `json:"localPeer"`
	Peers     []Peer      `json:"peers"`
	AIState   RoomAIState `json:"aiState"`
}

// PeerEventPayload announces a peer joining, leaving, or changing.
type PeerEventPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Peer   Peer       `json:"peer"`
}

// PresenceBroadcast carries one peer's merged presence after debouncing.
type PresenceBroadcast struct {
	RoomID   RoomIDType `json:"roomId"`
	PeerID   PeerIDType `json:"peerId"`
	Presence Presence   `json:"presence"`
}

// PresenceSyncPayload carries the full presence snapshot of a room.
type PresenceSyncPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Peers  []Peer     `json:"peers"`
}

// AudioLevelsPayload is the periodic per-room audio level aggregate.
type AudioLevelsPayload struct {
	RoomID          RoomIDType             `json:"roomId"`
	Levels          map[PeerIDType]float64 `json:"levels"`
	ActiveSpeakerID PeerIDType             `json:"activeSpeakerId,omitempty"`
}

// AIStatePayload broadcasts a room's AI state machine snapshot.
type AIStatePayload struct {
	RoomID RoomIDType  `json:"roomId"`
	State  RoomAIState `json:"state"`
}

// AIAudioPayload carries one base64 PCM16 frame of synthesized AI audio.
type AIAudioPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Audio  string     `json:"audio"`
}

// HistoryPayload answers transcript:request-history.
type HistoryPayload struct {
	RoomID    RoomIDType          `json:"roomId"`
	Entries   []TranscriptEntry   `json:"entries"`
	Summaries []TranscriptSummary `json:"summaries,omitempty"`
	HasMore   bool                `json:"hasMore"`
	Total     int                 `json:"total"`
}

// RoomClosedPayload announces the terminal closing of a room.
type RoomClosedPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Reason string     `json:"reason,omitempty"`
}

// SearchStartedPayload announces an in-flight web search tool call.
type SearchStartedPayload struct {
	RoomID RoomIDType `json:"roomId"`
	Query  string     `json:"query"`
}

// SearchResultsPayload carries the results of a completed search.
type SearchResultsPayload struct {
	RoomID  RoomIDType      `json:"roomId"`
	Query   string          `json:"query"`
	Results json.RawMessage `json:"results"`
}

// SearchErrorPayload reports a failed search tool call.
type SearchErrorPayload struct {
	RoomID  RoomIDType `json:"roomId"`
	Query   string     `json:"query,omitempty"`
	Message string     `json:"message"`
}

// VideoSummaryPayload carries the result of a getVideoSummary tool call.
type VideoSummaryPayload struct {
	RoomID  RoomIDType `json:"roomId"`
	URL     string     `json:"url"`
	Summary string     `json:"summary"`
}

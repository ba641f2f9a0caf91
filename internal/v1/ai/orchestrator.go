// Package ai orchestrates the shared voice agent: one provider session per
// room, the push-to-talk state machine, turn queue consumption, interrupt
// execution, and fan-out of AI audio and state to the room.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/audio"
	"github.com/voicedeck/voicedeck/internal/v1/interrupt"
	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/personality"
	"github.com/voicedeck/voicedeck/internal/v1/provider"
	"github.com/voicedeck/voicedeck/internal/v1/search"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/turnqueue"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// connectTimeout bounds provider session establishment.
const connectTimeout = 10 * time.Second

// Broadcaster fans a payload out to every peer in a room.
type Broadcaster interface {
	BroadcastToRoom(roomID types.RoomIDType, msg types.Outbound)
}

// Orchestrator drives each room's AI session.
type Orchestrator struct {
	providers     *provider.Manager
	queue         *turnqueue.Processor
	interrupts    *interrupt.Handler
	transcripts   *transcript.Store
	personalities *personality.Manager
	bridge        *search.Bridge
	broadcaster   Broadcaster
	audioCfg      audio.Config

	mu    sync.Mutex
	rooms map[types.RoomIDType]*roomAI
}

// roomAI is the per-room state machine. Its mutex is the room's AI lock;
// provider callbacks and handler calls both converge here.
type roomAI struct {
	mu sync.Mutex

	state     types.AIStateKind
	healthy   bool
	lastError string

	activeSpeakerID   types.PeerIDType
	activeSpeakerName types.DisplayNameType

	pipeline *audio.Pipeline

	// responseText accumulates assistant transcript deltas for the in-flight
	// response.
	responseText      strings.Builder
	responseStartedAt time.Time

	// paused buffers outbound AI audio while a function call is in flight so
	// frame order is preserved across the tool roundtrip.
	paused      bool
	pausedAudio []string
}

// New creates an Orchestrator wiring together its collaborators.
func New(
	providers *provider.Manager,
	queue *turnqueue.Processor,
	interrupts *interrupt.Handler,
	transcripts *transcript.Store,
	personalities *personality.Manager,
	bridge *search.Bridge,
	broadcaster Broadcaster,
	audioCfg audio.Config,
) *Orchestrator {
	return &Orchestrator{
		providers:     providers,
		queue:         queue,
		interrupts:    interrupts,
		transcripts:   transcripts,
		personalities: personalities,
		bridge:        bridge,
		broadcaster:   broadcaster,
		audioCfg:      audioCfg,
		rooms:         make(map[types.RoomIDType]*roomAI),
	}
}

// Run consumes turn queue events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-o.queue.Events():
			o.handleQueueEvent(ctx, e)
		}
	}
}

func (o *Orchestrator) handleQueueEvent(ctx context.Context, e turnqueue.Event) {
	switch e.Kind {
	case turnqueue.EventGranted:
		o.startTurn(ctx, e.RoomID, e.Request)
	case turnqueue.EventRejected, turnqueue.EventExpired, turnqueue.EventCancelled, turnqueue.EventPositions, turnqueue.EventEnded:
		o.broadcastState(e.RoomID)
	}
}

// --- push-to-talk surface, called by the signaling layer ---

// HandlePTTStart enqueues the peer's turn request and tries to grant it.
func (o *Orchestrator) HandlePTTStart(roomID types.RoomIDType, peerID types.PeerIDType, name types.DisplayNameType, role types.RoleType) error {
	req := o.queue.Enqueue(roomID, peerID, name, role, 0)
	if req == nil {
		return types.NewWireError(types.ErrCodeRateLimited, roomID, "turn queue is full")
	}
	o.queue.ProcessNext(roomID)
	o.broadcastState(roomID)
	return nil
}

// HandleAudioData forwards a push-to-talk audio chunk from the active
// speaker into the VAD pipeline.
func (o *Orchestrator) HandleAudioData(roomID types.RoomIDType, peerID types.PeerIDType, pcmBase64 string) {
	ra := o.room(roomID)
	ra.mu.Lock()
	listening := ra.state == types.AIStateListening && ra.activeSpeakerID == peerID
	pipeline := ra.pipeline
	ra.mu.Unlock()
	if !listening || pipeline == nil {
		return
	}

	samples, err := decodePCM16(pcmBase64)
	if err != nil {
		logging.GetLogger().Debug("dropping undecodable audio chunk",
			zap.String("roomId", string(roomID)), zap.Error(err))
		return
	}

	// Pipeline access is serialized per room: chunks for one room arrive
	// from a single reader goroutine.
	pipeline.Process(audio.Chunk{Samples: samples, SampleRate: 24000, Channels: 1})
}

// HandlePTTEnd commits the utterance and asks the model to respond.
func (o *Orchestrator) HandlePTTEnd(roomID types.RoomIDType, peerID types.PeerIDType) {
	ra := o.room(roomID)
	ra.mu.Lock()
	if ra.state != types.AIStateListening || ra.activeSpeakerID != peerID {
		ra.mu.Unlock()
		return
	}
	o.transitionLocked(ra, roomID, types.AIStateProcessing)
	ra.responseStartedAt = time.Now()
	ra.mu.Unlock()

	if err := o.providers.CommitAudio(roomID); err != nil {
		logging.GetLogger().Warn("commit audio failed", zap.String("roomId", string(roomID)), zap.Error(err))
	}
	if err := o.providers.TriggerResponse(roomID); err != nil {
		logging.GetLogger().Warn("trigger response failed", zap.String("roomId", string(roomID)), zap.Error(err))
	}
	o.broadcastState(roomID)
}

// HandleInterrupt runs the full interrupt sequence for a peer request.
func (o *Orchestrator) HandleInterrupt(roomID types.RoomIDType, peerID types.PeerIDType, role types.RoleType) error {
	req, decision := o.interrupts.RequestInterrupt(roomID, peerID, role)
	if !decision.Allowed {
		return types.NewWireError(types.ErrCodeUnauthorized, roomID, "interrupt denied: %s", decision.Reason)
	}

	ra := o.room(roomID)
	ra.mu.Lock()
	state := ra.state
	elapsed := time.Since(ra.responseStartedAt)
	ra.mu.Unlock()

	ok, reason := o.interrupts.ProcessInterrupt(req.ID, state, elapsed,
		o.providers.CancelResponse,
		func(id types.RoomIDType) { o.clearResponse(id) },
		func(id types.RoomIDType) { o.finishTurn(id, true) },
	)
	if !ok {
		return types.NewWireError(types.ErrCodeProviderError, roomID, "interrupt failed: %s", reason)
	}
	return nil
}

// --- membership hooks, called by the signaling layer ---

// PeerCountChanged updates the empty-room audio gate and the participant
// context fed to the model.
func (o *Orchestrator) PeerCountChanged(roomID types.RoomIDType, peers []types.Peer) {
	ra := o.room(roomID)
	ra.mu.Lock()
	if ra.pipeline != nil {
		ra.pipeline.SetOccupancy(len(peers))
	}
	ra.mu.Unlock()

	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, fmt.Sprintf("%s (%s)", p.DisplayName, p.Role))
	}
	ctx := ""
	if len(names) > 0 {
		ctx = "Participants currently in the room: " + strings.Join(names, ", ") + "."
	}
	o.personalities.SetParticipantContext(roomID, ctx)
	if o.providers.IsSessionConnected(roomID) {
		if err := o.providers.UpdateInstructions(roomID, o.personalities.GenerateInstructions(roomID)); err != nil {
			logging.GetLogger().Debug("instruction refresh failed",
				zap.String("roomId", string(roomID)), zap.Error(err))
		}
	}
}

// PeerLeft cancels the peer's queue entries and, when the peer held the
// active turn, ends it.
func (o *Orchestrator) PeerLeft(roomID types.RoomIDType, peerID types.PeerIDType) {
	o.queue.CancelAllForPeer(roomID, peerID)

	ra := o.room(roomID)
	ra.mu.Lock()
	heldTurn := ra.activeSpeakerID == peerID && ra.state != types.AIStateIdle
	ra.mu.Unlock()
	if heldTurn {
		o.providers.CancelResponse(roomID)
		o.clearResponse(roomID)
		o.finishTurn(roomID, true)
	}
}

// State returns the room's broadcastable AI snapshot.
func (o *Orchestrator) State(roomID types.RoomIDType) types.RoomAIState {
	ra := o.room(roomID)
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return o.snapshotLocked(ra, roomID)
}

// CloseRoom tears down the room's session and all per-room state.
func (o *Orchestrator) CloseRoom(roomID types.RoomIDType) {
	if err := o.providers.CloseSession(roomID); err != nil {
		logging.GetLogger().Warn("provider session close failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
	o.queue.DropRoom(roomID)
	o.interrupts.DropRoom(roomID)
	o.personalities.DropRoom(roomID)

	o.mu.Lock()
	delete(o.rooms, roomID)
	o.mu.Unlock()
}

// --- internals ---

// startTurn handles a granted turn: lazily opens the provider session, moves
// the machine to listening, and announces the active speaker.
func (o *Orchestrator) startTurn(ctx context.Context, roomID types.RoomIDType, req types.TurnRequest) {
	if !o.providers.IsSessionConnected(roomID) {
		if err := o.openSession(ctx, roomID); err != nil {
			logging.GetLogger().Error("provider session open failed",
				zap.String("roomId", string(roomID)), zap.Error(err))
			o.markUnhealthy(roomID, err.Error())
			// The turn never started: put the request back at the head so
			// the next attempt retries it, until its attempt budget runs out.
			o.queue.Requeue(roomID)
			o.queue.ProcessNext(roomID)
			return
		}
	}

	ra := o.room(roomID)
	ra.mu.Lock()
	ra.activeSpeakerID = req.PeerID
	ra.activeSpeakerName = req.PeerDisplayName
	ra.healthy = true
	ra.lastError = ""
	o.transitionLocked(ra, roomID, types.AIStateListening)
	ra.mu.Unlock()

	o.providers.SetActiveSpeaker(roomID, req.PeerID, req.PeerDisplayName)
	o.broadcastState(roomID)
}

func (o *Orchestrator) openSession(ctx context.Context, roomID types.RoomIDType) error {
	tools := make([]provider.ToolDefinition, 0, 2)
	for _, name := range o.bridge.ToolNames() {
		tools = append(tools, toolDefinition(name))
	}

	cfg := provider.SessionConfig{
		Instructions: o.personalities.GenerateInstructions(roomID),
		Voice:        o.personalities.Voice(roomID),
		Temperature:  o.personalities.Temperature(roomID),
		Tools:        tools,
		Callbacks:    o.callbacksFor(roomID),
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := o.providers.CreateSession(dialCtx, roomID, cfg); err != nil {
		return err
	}

	// Wire the VAD pipeline into the fresh session.
	ra := o.room(roomID)
	ra.mu.Lock()
	if ra.pipeline == nil {
		p := audio.NewPipeline(o.audioCfg)
		p.OnAudio = func(samples []int16) {
			o.providers.SendAudio(roomID, encodePCM16(samples))
		}
		p.SetOccupancy(1) // a granted turn implies at least one peer
		ra.pipeline = p
	}
	ra.mu.Unlock()
	return nil
}

func (o *Orchestrator) callbacksFor(roomID types.RoomIDType) provider.Callbacks {
	return provider.Callbacks{
		OnStateCue: func(cue string) {
			switch cue {
			case provider.CueProcessing:
				o.tryTransition(roomID, types.AIStateProcessing)
			case provider.CueSpeaking:
				o.tryTransition(roomID, types.AIStateSpeaking)
			}
		},
		OnAudioData: func(pcmBase64 string) {
			o.emitAudio(roomID, pcmBase64)
		},
		OnTranscriptDelta: func(role, text string) {
			o.handleTranscriptDelta(roomID, role, text)
		},
		OnResponseDone: func() {
			o.handleResponseDone(roomID)
		},
		OnFunctionCall: func(name, callID, argsJSON string) {
			o.handleFunctionCall(roomID, name, callID, argsJSON)
		},
		OnError: func(kind, msg string) {
			o.handleProviderError(roomID, kind, msg)
		},
	}
}

// emitAudio broadcasts one AI audio frame, buffering while a function call
// is in flight so order is preserved.
func (o *Orchestrator) emitAudio(roomID types.RoomIDType, pcmBase64 string) {
	ra := o.room(roomID)
	ra.mu.Lock()
	if ra.paused {
		ra.pausedAudio = append(ra.pausedAudio, pcmBase64)
		ra.mu.Unlock()
		return
	}
	if ra.state == types.AIStateProcessing {
		o.transitionLocked(ra, roomID, types.AIStateSpeaking)
		ra.mu.Unlock()
		o.broadcastState(roomID)
	} else {
		ra.mu.Unlock()
	}

	o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
		Event:   types.EventAIAudio,
		Payload: types.AIAudioPayload{RoomID: roomID, Audio: pcmBase64},
	})
}

func (o *Orchestrator) handleTranscriptDelta(roomID types.RoomIDType, role, text string) {
	if role == "assistant" {
		ra := o.room(roomID)
		ra.mu.Lock()
		ra.responseText.WriteString(text)
		ra.mu.Unlock()
		return
	}

	// Input transcription: attribute to the active speaker.
	ra := o.room(roomID)
	ra.mu.Lock()
	speaker := ra.activeSpeakerName
	speakerID := ra.activeSpeakerID
	ra.mu.Unlock()
	if speaker == "" {
		return
	}
	entry := o.transcripts.Append(roomID, speaker, speakerID, text, types.EntryTypePTT)
	o.broadcaster.BroadcastToRoom(roomID, types.Outbound{Event: types.EventTranscriptEntry, Payload: entry})
}

// handleResponseDone finalizes the in-flight response: records the AI
// transcript entry, returns to idle, and lets the queue advance. The idle
// broadcast happens after the last audio frame was already scheduled, per
// the receive-order fan-out above.
func (o *Orchestrator) handleResponseDone(roomID types.RoomIDType) {
	ra := o.room(roomID)
	ra.mu.Lock()
	text := ra.responseText.String()
	ra.responseText.Reset()
	ra.paused = false
	ra.pausedAudio = nil
	ra.mu.Unlock()

	if text != "" {
		entry := o.transcripts.Append(roomID, "AI", "", text, types.EntryTypeAIResponse)
		o.broadcaster.BroadcastToRoom(roomID, types.Outbound{Event: types.EventTranscriptEntry, Payload: entry})
	}

	o.finishTurn(roomID, false)
	o.queue.OnResponseDone(roomID)
}

// handleFunctionCall pauses audio fan-out, resolves the tool off the
// callback goroutine, returns the output, and resumes.
func (o *Orchestrator) handleFunctionCall(roomID types.RoomIDType, name, callID, argsJSON string) {
	ra := o.room(roomID)
	ra.mu.Lock()
	ra.paused = true
	o.transitionLocked(ra, roomID, types.AIStateLocked)
	ra.mu.Unlock()
	o.broadcastState(roomID)

	if name == "webSearch" {
		o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
			Event:   types.EventSearchStarted,
			Payload: types.SearchStartedPayload{RoomID: roomID, Query: queryArg(argsJSON)},
		})
	}

	go func() {
		result := o.bridge.Dispatch(context.Background(), name, argsJSON)

		switch {
		case name == "webSearch" && strings.Contains(result, `"error"`):
			o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
				Event:   types.EventSearchError,
				Payload: types.SearchErrorPayload{RoomID: roomID, Query: queryArg(argsJSON), Message: result},
			})
		case name == "webSearch":
			o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
				Event:   types.EventSearchResults,
				Payload: types.SearchResultsPayload{RoomID: roomID, Query: queryArg(argsJSON), Results: []byte(result)},
			})
		case name == "getVideoSummary" && strings.Contains(result, `"error"`):
			o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
				Event:   types.EventVideoSummaryError,
				Payload: types.SearchErrorPayload{RoomID: roomID, Message: result},
			})
		case name == "getVideoSummary":
			o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
				Event:   types.EventVideoSummary,
				Payload: types.VideoSummaryPayload{RoomID: roomID, URL: urlArg(argsJSON), Summary: summaryField(result)},
			})
		}

		if err := o.providers.SendFunctionOutput(roomID, callID, result); err != nil {
			logging.GetLogger().Warn("function output delivery failed",
				zap.String("roomId", string(roomID)), zap.String("tool", name), zap.Error(err))
		}

		// Resume: flush buffered frames in receive order, then unpause.
		ra.mu.Lock()
		buffered := ra.pausedAudio
		ra.pausedAudio = nil
		ra.paused = false
		if ra.state == types.AIStateLocked {
			o.transitionLocked(ra, roomID, types.AIStateSpeaking)
		}
		ra.mu.Unlock()
		for _, frame := range buffered {
			o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
				Event:   types.EventAIAudio,
				Payload: types.AIAudioPayload{RoomID: roomID, Audio: frame},
			})
		}
		o.broadcastState(roomID)
	}()
}

func (o *Orchestrator) handleProviderError(roomID types.RoomIDType, kind, msg string) {
	logging.GetLogger().Error("provider error",
		zap.String("roomId", string(roomID)), zap.String("kind", kind), zap.String("message", msg))

	if kind == provider.ErrorKindFatal {
		o.providers.CloseSession(roomID)
	}
	o.markUnhealthy(roomID, msg)
	o.finishTurn(roomID, true)
}

// clearResponse drops buffered output and the accumulated response text.
func (o *Orchestrator) clearResponse(roomID types.RoomIDType) {
	ra := o.room(roomID)
	ra.mu.Lock()
	ra.responseText.Reset()
	ra.pausedAudio = nil
	ra.paused = false
	ra.mu.Unlock()
}

// finishTurn returns the room to idle and broadcasts the transition.
func (o *Orchestrator) finishTurn(roomID types.RoomIDType, wasInterrupted bool) {
	ra := o.room(roomID)
	ra.mu.Lock()
	if ra.state != types.AIStateIdle {
		o.transitionLocked(ra, roomID, types.AIStateIdle)
	}
	ra.activeSpeakerID = ""
	ra.activeSpeakerName = ""
	ra.mu.Unlock()

	if wasInterrupted {
		o.queue.EndTurn(roomID, true)
	}
	o.broadcastState(roomID)
}

func (o *Orchestrator) tryTransition(roomID types.RoomIDType, to types.AIStateKind) {
	ra := o.room(roomID)
	ra.mu.Lock()
	changed := o.transitionLocked(ra, roomID, to)
	ra.mu.Unlock()
	if changed {
		o.broadcastState(roomID)
	}
}

// transitionLocked applies a state machine transition if legal. Caller holds
// ra.mu.
func (o *Orchestrator) transitionLocked(ra *roomAI, roomID types.RoomIDType, to types.AIStateKind) bool {
	if ra.state == to {
		return false
	}
	if !types.ValidAITransition(ra.state, to) {
		logging.GetLogger().Debug("rejected AI state transition",
			zap.String("roomId", string(roomID)),
			zap.String("from", string(ra.state)),
			zap.String("to", string(to)))
		return false
	}
	ra.state = to
	metrics.AIStateTransitions.WithLabelValues(string(to)).Inc()
	return true
}

func (o *Orchestrator) markUnhealthy(roomID types.RoomIDType, msg string) {
	ra := o.room(roomID)
	ra.mu.Lock()
	ra.healthy = false
	ra.lastError = msg
	if ra.state != types.AIStateIdle {
		o.transitionLocked(ra, roomID, types.AIStateIdle)
	}
	ra.mu.Unlock()
	o.broadcastState(roomID)
}

func (o *Orchestrator) broadcastState(roomID types.RoomIDType) {
	ra := o.room(roomID)
	ra.mu.Lock()
	snapshot := o.snapshotLocked(ra, roomID)
	ra.mu.Unlock()

	o.broadcaster.BroadcastToRoom(roomID, types.Outbound{
		Event:   types.EventAIState,
		Payload: types.AIStatePayload{RoomID: roomID, State: snapshot},
	})
}

func (o *Orchestrator) snapshotLocked(ra *roomAI, roomID types.RoomIDType) types.RoomAIState {
	return types.RoomAIState{
		State:             ra.state,
		ActiveSpeakerID:   ra.activeSpeakerID,
		ActiveSpeakerName: ra.activeSpeakerName,
		IsSessionHealthy:  ra.healthy,
		LastError:         ra.lastError,
		Queue:             o.queue.State(roomID),
	}
}

func (o *Orchestrator) room(roomID types.RoomIDType) *roomAI {
	o.mu.Lock()
	defer o.mu.Unlock()
	ra, ok := o.rooms[roomID]
	if !ok {
		ra = &roomAI{state: types.AIStateIdle, healthy: true}
		o.rooms[roomID] = ra
	}
	return ra
}

// toolDefinition maps a registered bridge tool name to its provider schema.
func toolDefinition(name string) provider.ToolDefinition {
	switch name {
	case "webSearch":
		return provider.ToolDefinition{
			Name:        "webSearch",
			Description: "Search the web for current information. Use when participants ask about recent events or facts you are unsure of.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "The search query"},
					"count": map[string]any{"type": "integer", "description": "Number of results, max 10"},
				},
				"required": []string{"query"},
			},
		}
	case "getVideoSummary":
		return provider.ToolDefinition{
			Name:        "getVideoSummary",
			Description: "Summarize the contents of a video given its URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "The video URL"},
				},
				"required": []string{"url"},
			},
		}
	default:
		return provider.ToolDefinition{
			Name:       name,
			Parameters: map[string]any{"type": "object"},
		}
	}
}

func queryArg(argsJSON string) string {
	var args struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)
	return args.Query
}

func urlArg(argsJSON string) string {
	var args struct {
		URL string `json:"url"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)
	return args.URL
}

func summaryField(resultJSON string) string {
	var result struct {
		Summary string `json:"summary"`
	}
	_ = json.Unmarshal([]byte(resultJSON), &result)
	return result.Summary
}

func decodePCM16(pcmBase64 string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(pcmBase64)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return samples, nil
}

func encodePCM16(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

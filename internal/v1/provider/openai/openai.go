// Package openai adapts OpenAI's Realtime API to the provider.Adapter
// surface. It speaks the Realtime JSON protocol over a bidirectional
// WebSocket; audio travels as base64 PCM16.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voicedeck/voicedeck/internal/v1/provider"
)

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithModel sets the Realtime model.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the WebSocket URL, used by tests to point at a mock
// server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements provider.Adapter for the OpenAI Realtime API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates an OpenAI Realtime adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Capabilities returns the static capability sheet.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Name:                 "openai",
		InputSampleRates:     []int{24000},
		OutputSampleRate:     24000,
		AutoTranscribesInput: true,
		SupportsInBandSearch: false,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "onyx", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint and configures the session. The
// returned session accepts audio as soon as session.update is acknowledged
// server-side.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		callbacks: cfg.Callbacks,
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg.Voice, cfg.Instructions, cfg.Temperature, cfg.Tools); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	return sess, nil
}

// --- outgoing protocol messages ---

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Temperature       float64   `json:"temperature,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
	// Server VAD stays off: the pipeline decides utterance boundaries.
	TurnDetection *struct{} `json:"turn_detection"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// --- incoming protocol messages ---

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// --- session ---

type session struct {
	conn      *websocket.Conn
	callbacks provider.Callbacks

	mu       sync.Mutex
	closed   bool
	speaking bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) sendSessionUpdate(voice, instructions string, temperature float64, tools []provider.ToolDefinition) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Voice:             voice,
		Instructions:      instructions,
		Temperature:       temperature,
	}
	if len(tools) > 0 {
		params.Tools = toOAITools(tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.markClosed()
			if s.callbacks.OnError != nil {
				s.callbacks.OnError(provider.ErrorKindFatal, err.Error())
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue // skip malformed frames
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		s.cue(provider.CueProcessing)

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		first := !s.speaking
		s.speaking = true
		s.mu.Unlock()
		if first {
			s.cue(provider.CueSpeaking)
		}
		if s.callbacks.OnAudioData != nil {
			s.callbacks.OnAudioData(evt.Delta)
		}

	case "response.audio_transcript.delta":
		if evt.Delta != "" && s.callbacks.OnTranscriptDelta != nil {
			s.callbacks.OnTranscriptDelta("assistant", evt.Delta)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" && s.callbacks.OnTranscriptDelta != nil {
			s.callbacks.OnTranscriptDelta("user", evt.Transcript)
		}

	case "response.done", "response.cancelled":
		s.mu.Lock()
		s.speaking = false
		s.mu.Unlock()
		s.cue(provider.CueDone)
		if s.callbacks.OnResponseDone != nil {
			s.callbacks.OnResponseDone()
		}

	case "response.function_call_arguments.done":
		if s.callbacks.OnFunctionCall != nil {
			s.callbacks.OnFunctionCall(evt.Name, evt.CallID, evt.Arguments)
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(provider.ErrorKindProvider, msg)
		}
	}
}

func (s *session) cue(cue string) {
	if s.callbacks.OnStateCue != nil {
		s.callbacks.OnStateCue(cue)
	}
}

// SendAudio appends a base64 PCM16 chunk to the input buffer.
func (s *session) SendAudio(pcmBase64 string) error {
	if !s.Connected() {
		return fmt.Errorf("openai: session closed")
	}
	return s.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: pcmBase64})
}

// CommitAudio finalizes the buffered input utterance.
func (s *session) CommitAudio() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// TriggerResponse asks the model to respond.
func (s *session) TriggerResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse aborts the in-flight response.
func (s *session) CancelResponse() bool {
	return s.writeJSON(map[string]string{"type": "response.cancel"}) == nil
}

// RegisterTools replaces the session tool set via session.update.
func (s *session) RegisterTools(tools []provider.ToolDefinition) error {
	params := sessionParams{
		Tools:             toOAITools(tools),
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// SendFunctionOutput returns a tool result and triggers the next response.
func (s *session) SendFunctionOutput(callID, outputJSON string) error {
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: outputJSON,
		},
	}); err != nil {
		return err
	}
	return s.TriggerResponse()
}

// InjectContext inserts a system-role text item.
func (s *session) InjectContext(text string) error {
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// UpdateInstructions replaces system instructions via session.update.
func (s *session) UpdateInstructions(instructions string) error {
	params := sessionParams{
		Instructions:      instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// Connected reports whether the socket is still usable.
func (s *session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func toOAITools(tools []provider.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

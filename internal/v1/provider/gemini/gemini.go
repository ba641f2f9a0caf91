// Package gemini adapts Google's Gemini Live API to the provider.Adapter
// surface using the BidiGenerateContent WebSocket protocol. Audio travels as
// base64 PCM chunks inside realtimeInput messages.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicedeck/voicedeck/internal/v1/provider"
)

var _ provider.Adapter = (*Adapter)(nil)
var _ provider.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	inputMIMEType = "audio/pcm;rate=24000"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the WebSocket URL, used by tests to point at a mock
// server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements provider.Adapter for the Gemini Live API.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Gemini Live adapter.
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
		Name:                 "gemini",
		InputSampleRates:     []int{16000, 24000},
		OutputSampleRate:     24000,
		AutoTranscribesInput: true,
		SupportsInBandSearch: true,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect dials the Live endpoint and sends the setup message.
func (a *Adapter) Connect(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		a.baseURL, a.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		callbacks: cfg.Callbacks,
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.sendSetup(a.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()
	return sess, nil
}

// --- outgoing protocol messages ---

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	Temperature        *float64      `json:"temperature,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// --- incoming protocol messages ---

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// --- session ---

type session struct {
	conn      *websocket.Conn
	callbacks provider.Callbacks

	mu sync.Mutex
	// callNames maps tool call IDs back to function names; toolResponse
	// requires both.
	callNames map[string]string
	closed    bool
	speaking  bool
	// discarding drops model audio after a local cancel until the turn ends.
	discarding bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) sendSetup(model string, cfg provider.SessionConfig) error {
	s.callNames = make(map[string]string)

	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		msg.Setup.GenerationConfig.Temperature = &t
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if len(cfg.Tools) > 0 {
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: toDeclarations(cfg.Tools)}}
	}
	return s.writeJSON(msg)
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		s.handleServerMessage(&msg)
	}
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		errMsg := "unknown error"
		if msg.Error.Message != "" {
			errMsg = msg.Error.Message
		}
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(provider.ErrorKindProvider, errMsg)
		}
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" && s.callbacks.OnTranscriptDelta != nil {
		s.callbacks.OnTranscriptDelta("user", sc.InputTranscription.Text)
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" && s.callbacks.OnTranscriptDelta != nil {
		s.callbacks.OnTranscriptDelta("assistant", sc.OutputTranscription.Text)
	}

	if sc.ModelTurn != nil {
		s.mu.Lock()
		discarding := s.discarding
		first := !s.speaking
		if !discarding {
			s.speaking = true
		}
		s.mu.Unlock()

		if !discarding {
			if first {
				s.cue(provider.CueSpeaking)
			}
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" && s.callbacks.OnAudioData != nil {
					s.callbacks.OnAudioData(p.InlineData.Data)
				}
				if p.Text != "" && s.callbacks.OnTranscriptDelta != nil {
					s.callbacks.OnTranscriptDelta("assistant", p.Text)
				}
			}
		}
	}

	if sc.TurnComplete || sc.Interrupted {
		s.mu.Lock()
		s.speaking = false
		s.discarding = false
		s.mu.Unlock()
		s.cue(provider.CueDone)
		if s.callbacks.OnResponseDone != nil {
			s.callbacks.OnResponseDone()
		}
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, call := range tc.FunctionCalls {
		s.mu.Lock()
		s.callNames[call.ID] = call.Name
		s.mu.Unlock()

		args, err := json.Marshal(call.Args)
		if err != nil {
			args = []byte("{}")
		}
		if s.callbacks.OnFunctionCall != nil {
			s.callbacks.OnFunctionCall(call.Name, call.ID, string(args))
		}
	}
}

func (s *session) cue(cue string) {
	if s.callbacks.OnStateCue != nil {
		s.callbacks.OnStateCue(cue)
	}
}

// SendAudio streams a base64 PCM chunk as realtimeInput.
func (s *session) SendAudio(pcmBase64 string) error {
	if !s.Connected() {
		return fmt.Errorf("gemini: session closed")
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: inputMIMEType, Data: pcmBase64}},
		},
	})
}

// CommitAudio is a no-op: the Live API segments realtimeInput automatically.
func (s *session) CommitAudio() error { return nil }

// TriggerResponse closes the current client turn, prompting the model to
// respond.
func (s *session) TriggerResponse() error {
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{TurnComplete: true},
	})
}

// CancelResponse has no wire-level cancel in the Live protocol. The session
// discards further model audio until the turn ends, which the orchestrator
// treats as a successful cancel.
func (s *session) CancelResponse() bool {
	if !s.Connected() {
		return false
	}
	s.mu.Lock()
	s.discarding = true
	s.speaking = false
	s.mu.Unlock()
	return true
}

// RegisterTools is fixed at setup time for the Live API.
func (s *session) RegisterTools(tools []provider.ToolDefinition) error {
	return fmt.Errorf("gemini: tools can only be registered at session setup")
}

// SendFunctionOutput returns a tool result to the model.
func (s *session) SendFunctionOutput(callID, outputJSON string) error {
	s.mu.Lock()
	name := s.callNames[callID]
	delete(s.callNames, callID)
	s.mu.Unlock()

	var response map[string]any
	if err := json.Unmarshal([]byte(outputJSON), &response); err != nil {
		response = map[string]any{"result": outputJSON}
	}
	return s.writeJSON(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{ID: callID, Name: name, Response: response}},
		},
	})
}

// InjectContext inserts a user-role text turn without completing it.
func (s *session) InjectContext(text string) error {
	return s.writeJSON(clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
		},
	})
}

// UpdateInstructions is fixed at setup time for the Live API; the closest
// equivalent is injecting the new instructions as context.
func (s *session) UpdateInstructions(instructions string) error {
	return s.InjectContext("Updated instructions: " + instructions)
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

func toDeclarations(tools []provider.ToolDefinition) []functionDeclaration {
	out := make([]functionDeclaration, len(tools))
	for i, t := range tools {
		out[i] = functionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

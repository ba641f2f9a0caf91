// Package provider defines the speech-to-speech adapter surface shared by the
// OpenAI Realtime and Gemini Live backends, plus the per-room session manager
// the orchestrator talks to.
//
// Adapters are stateless with respect to the room data model; they only hold
// the provider connection and translate between wire events and callbacks.
package provider

import "context"

// ToolDefinition describes one function tool registered with the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// Callbacks are invoked from the adapter's receive loop. Implementations must
// be fast or hand off; a slow callback stalls the provider read path.
type Callbacks struct {
	// OnStateCue reports provider-driven activity cues: "processing" when a
	// response starts, "speaking" on the first audio delta, "done" after the
	// response completes or is cancelled upstream.
	OnStateCue func(cue string)

	// OnAudioData delivers base64 PCM16 output audio.
	OnAudioData func(pcmBase64 string)

	// OnTranscriptDelta delivers incremental transcript text. Role is
	// "assistant" for model speech, "user" for input transcription.
	OnTranscriptDelta func(role, text string)

	// OnResponseDone fires once per completed (or provider-interrupted)
	// response.
	OnResponseDone func()

	// OnFunctionCall surfaces a tool invocation. The orchestrator resolves it
	// and calls Session.SendFunctionOutput with the callID.
	OnFunctionCall func(name, callID, argsJSON string)

	// OnError reports provider errors. Kind is "fatal" when the connection is
	// gone, "provider" for in-band error events.
	OnError func(kind, msg string)
}

// State cues emitted through Callbacks.OnStateCue.
const (
	CueProcessing = "processing"
	CueSpeaking   = "speaking"
	CueDone       = "done"
)

// Error kinds reported through Callbacks.OnError.
const (
	ErrorKindFatal    = "fatal"
	ErrorKindProvider = "provider"
)

// SessionConfig carries everything needed to open a provider session.
type SessionConfig struct {
	Instructions string
	Voice        string
	Temperature  float64
	Tools        []ToolDefinition
	Callbacks    Callbacks
}

// Capabilities is the static capability sheet an adapter declares. The core
// always uses its own search bridge, so SupportsInBandSearch only gates
// whether the provider's native search must be disabled explicitly.
type Capabilities struct {
	Name                 string
	InputSampleRates     []int
	OutputSampleRate     int
	AutoTranscribesInput bool
	SupportsInBandSearch bool
	Voices               []string
}

// Session is one live provider connection.
type Session interface {
	// SendAudio appends a base64 PCM16 chunk to the provider's input buffer.
	SendAudio(pcmBase64 string) error
	// CommitAudio finalizes the buffered input so the model treats it as a
	// complete utterance.
	CommitAudio() error
	// TriggerResponse asks the model to respond now.
	TriggerResponse() error
	// CancelResponse aborts the in-flight response. Returns false when the
	// adapter could not issue a cancel.
	CancelResponse() bool
	// RegisterTools replaces the session's tool set.
	RegisterTools(tools []ToolDefinition) error
	// SendFunctionOutput returns a tool result for the given call and asks
	// the model to continue.
	SendFunctionOutput(callID, outputJSON string) error
	// InjectContext inserts a system-role text item into the conversation.
	InjectContext(text string) error
	// UpdateInstructions replaces the system instructions mid-session.
	UpdateInstructions(instructions string) error
	// Connected reports whether the underlying connection is healthy.
	Connected() bool
	Close() error
}

// Adapter opens sessions against one provider backend.
type Adapter interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
	Capabilities() Capabilities
}

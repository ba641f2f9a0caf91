// Package metrics declares the Prometheus instruments for the voice
// collaboration server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: voicedeck
//   - subsystem: signaling, room, ai, audio
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live signaling WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicedeck",
		Subsystem: "signaling",
		Name:      "connections_active",
		Help:      "Current number of active signaling connections",
	})

	// ActiveRooms tracks the current number of open rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicedeck",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of open rooms",
	})

	// RoomParticipants tracks participant counts per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voicedeck",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// SignalingEvents counts processed wire events by type and status.
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total signaling events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration measures handler latency per event type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voicedeck",
		Subsystem: "signaling",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing signaling messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// AISessionsActive tracks open provider sessions.
	AISessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "sessions_active",
		Help:      "Current number of open AI provider sessions",
	})

	// AIStateTransitions counts AI state machine transitions by target state.
	AIStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "state_transitions_total",
		Help:      "Total AI session state transitions",
	}, []string{"to_state"})

	// AIAudioFramesDropped counts outbound AI audio frames dropped on
	// backpressure.
	AIAudioFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "audio_frames_dropped_total",
		Help:      "Total AI audio frames dropped due to backpressure",
	})

	// TurnRequestsTotal counts turn queue outcomes.
	TurnRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "turn_requests_total",
		Help:      "Total turn requests by outcome",
	}, []string{"outcome"})

	// InterruptsTotal counts interrupt attempts by outcome.
	InterruptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "interrupts_total",
		Help:      "Total interrupt requests by outcome",
	}, []string{"outcome"})

	// VADChunks counts audio chunks by gate decision (speech / silence /
	// dropped_empty_room).
	VADChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "audio",
		Name:      "vad_chunks_total",
		Help:      "Total mixed-audio chunks by gating decision",
	}, []string{"decision"})

	// SummariesGenerated counts summarizer outcomes.
	SummariesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "summaries_total",
		Help:      "Total transcript summaries by outcome",
	}, []string{"outcome"})

	// RateLimitRequests counts requests passing through a rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "signaling",
		Name:      "rate_limit_requests_total",
		Help:      "Total requests checked against a rate limit",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by a rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "signaling",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by a rate limit",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voicedeck",
		Subsystem: "room",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts calls rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "room",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"dependency"})

	// SearchCalls counts search bridge invocations.
	SearchCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicedeck",
		Subsystem: "ai",
		Name:      "search_calls_total",
		Help:      "Total search tool calls by outcome",
	}, []string{"outcome"})
)

func IncConnection() { ActiveConnections.Inc() }
func DecConnection() { ActiveConnections.Dec() }

// Package summarizer watches room transcripts and periodically condenses
// them into structured summaries through an LLM.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// tickInterval is the trigger-scan granularity.
const tickInterval = 30 * time.Second

const systemPrompt = `You summarize live group voice conversations. Respond with a single JSON object with these fields:
"summary": one paragraph covering the conversation so far,
"bulletPoints": up to 6 short strings with the key moments,
"topics": the topics discussed,
"decisions": decisions the group reached,
"actionItems": concrete follow-ups with an owner when one was named.
Use empty arrays when a field has nothing. Do not invent content.`

// ChatCompleter is the LLM dependency: one system+user exchange returning
// the assistant text.
type ChatCompleter interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Broadcaster fans a payload out to every peer in a room.
type Broadcaster interface {
	BroadcastToRoom(roomID types.RoomIDType, msg types.Outbound)
}

// RoomLister reports the rooms that should be scanned for summary triggers.
type RoomLister interface {
	ActiveRoomIDs() []types.RoomIDType
}

// structuredSummary is the LLM's JSON response shape.
type structuredSummary struct {
	Summary      string   `json:"summary"`
	BulletPoints []string `json:"bulletPoints"`
	Topics       []string `json:"topics"`
	Decisions    []string `json:"decisions"`
	ActionItems  []string `json:"actionItems"`
}

// Config tunes the trigger thresholds.
type Config struct {
	EntryThreshold int           // entries since last summary
	TimeThreshold  time.Duration // elapsed since last summary
}

// DefaultConfig mirrors production defaults.
func DefaultConfig() Config {
	return Config{EntryThreshold: 30, TimeThreshold: 10 * time.Minute}
}

// Service runs the summarization loop.
type Service struct {
	llm         ChatCompleter
	store       *transcript.Store
	broadcaster Broadcaster
	rooms       RoomLister
	cfg         Config
	now         func() time.Time

	mu sync.Mutex
	// firstSeen anchors the time trigger for rooms with no summary yet.
	firstSeen map[types.RoomIDType]time.Time
	// inFlight prevents concurrent summaries of the same room.
	inFlight map[types.RoomIDType]bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a summarization service.
func New(llm ChatCompleter, store *transcript.Store, broadcaster Broadcaster, rooms RoomLister, cfg Config, opts ...Option) *Service {
	if cfg.EntryThreshold <= 0 {
		cfg.EntryThreshold = DefaultConfig().EntryThreshold
	}
	if cfg.TimeThreshold <= 0 {
		cfg.TimeThreshold = DefaultConfig().TimeThreshold
	}
	s := &Service{
		llm:         llm,
		store:       store,
		broadcaster: broadcaster,
		rooms:       rooms,
		cfg:         cfg,
		now:         time.Now,
		firstSeen:   make(map[types.RoomIDType]time.Time),
		inFlight:    make(map[types.RoomIDType]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run scans for summary triggers until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	for _, roomID := range s.rooms.ActiveRoomIDs() {
		if s.shouldSummarize(roomID) {
			if _, err := s.SummarizeNow(ctx, roomID); err != nil {
				logging.GetLogger().Warn("scheduled summary failed",
					zap.String("roomId", string(roomID)), zap.Error(err))
			}
		}
	}
}

// shouldSummarize applies the entry-count OR elapsed-time trigger. The entry
// counter is implicit: everything after the last summary's coverage end is
// unsummarized, so pressure keeps building until a run succeeds.
func (s *Service) shouldSummarize(roomID types.RoomIDType) bool {
	pending := len(s.store.EntriesSince(roomID, s.store.LastSummaryEnd(roomID)))
	if pending == 0 {
		return false
	}
	if pending >= s.cfg.EntryThreshold {
		return true
	}

	last := s.store.LastSummaryEnd(roomID)
	if last.IsZero() {
		s.mu.Lock()
		anchor, ok := s.firstSeen[roomID]
		if !ok {
			anchor = s.now()
			s.firstSeen[roomID] = anchor
		}
		s.mu.Unlock()
		last = anchor
	}
	return s.now().Sub(last) >= s.cfg.TimeThreshold
}

// SummarizeNow forces a summary of everything after the last coverage end.
// Returns nil without calling the LLM when there is nothing to summarize.
func (s *Service) SummarizeNow(ctx context.Context, roomID types.RoomIDType) (*types.TranscriptSummary, error) {
	s.mu.Lock()
	if s.inFlight[roomID] {
		s.mu.Unlock()
		return nil, nil
	}
	s.inFlight[roomID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, roomID)
		s.mu.Unlock()
	}()

	entries := s.store.EntriesSince(roomID, s.store.LastSummaryEnd(roomID))
	if len(entries) == 0 {
		return nil, nil
	}

	raw, err := s.llm.Complete(ctx, systemPrompt, renderEntries(entries))
	if err != nil {
		metrics.SummariesGenerated.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("summarizer: llm: %w", err)
	}

	parsed, err := parseStructured(raw)
	if err != nil {
		metrics.SummariesGenerated.WithLabelValues("parse_error").Inc()
		return nil, fmt.Errorf("summarizer: %w", err)
	}

	summary := s.store.AddSummary(types.TranscriptSummary{
		RoomID:            roomID,
		Timestamp:         s.now(),
		Content:           parsed.Summary,
		BulletPoints:      parsed.BulletPoints,
		EntriesSummarized: len(entries),
		CoverageStart:     entries[0].Timestamp,
		CoverageEnd:       entries[len(entries)-1].Timestamp,
	})
	metrics.SummariesGenerated.WithLabelValues("success").Inc()

	if s.broadcaster != nil {
		s.broadcaster.BroadcastToRoom(roomID, types.Outbound{
			Event:   types.EventTranscriptSummary,
			Payload: summary,
		})
	}
	return &summary, nil
}

// DropRoom discards trigger state for a closed room.
func (s *Service) DropRoom(roomID types.RoomIDType) {
	s.mu.Lock()
	delete(s.firstSeen, roomID)
	s.mu.Unlock()
}

func renderEntries(entries []types.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.Speaker, e.Content)
	}
	return b.String()
}

// parseStructured decodes the LLM response, tolerating markdown code fences.
func parseStructured(raw string) (*structuredSummary, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed structuredSummary
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Summary == "" {
		return nil, fmt.Errorf("response missing summary field")
	}
	return &parsed, nil
}

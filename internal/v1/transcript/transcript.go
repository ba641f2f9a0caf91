// Package transcript keeps the append-only conversation record for each
// room, bounded by a ring that evicts the oldest entries.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// DefaultMaxEntries bounds the per-room ring.
const DefaultMaxEntries = 10000

// DefaultMaxSummaries bounds retained summaries per room.
const DefaultMaxSummaries = 200

type roomLog struct {
	entries   []*types.TranscriptEntry
	summaries []*types.TranscriptSummary
	// evictedThrough is the timestamp of the newest entry ever dropped from
	// the ring, so summary coverage can note gaps.
	evictedThrough time.Time
	evictedCount   int
}

// Store holds every room's transcript.
type Store struct {
	mu           sync.RWMutex
	rooms        map[types.RoomIDType]*roomLog
	maxEntries   int
	maxSummaries int
	now          func() time.Time
	onAppend     func(types.RoomIDType, types.TranscriptEntry)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries overrides the per-room ring capacity.
func WithMaxEntries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithAppendHook registers a callback invoked after every append, outside
// the store lock. Used to broadcast transcript:entry.
func WithAppendHook(fn func(types.RoomIDType, types.TranscriptEntry)) Option {
	return func(s *Store) { s.onAppend = fn }
}

// New creates an empty transcript store.
func New(opts ...Option) *Store {
	s := &Store{
		rooms:        make(map[types.RoomIDType]*roomLog),
		maxEntries:   DefaultMaxEntries,
		maxSummaries: DefaultMaxSummaries,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append records a new entry and returns the stored copy. Entries are
// immutable after append; the oldest entry is evicted when the ring is full.
func (s *Store) Append(roomID types.RoomIDType, speaker types.DisplayNameType, speakerID types.PeerIDType, content string, entryType types.EntryType) types.TranscriptEntry {
	entry := &types.TranscriptEntry{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Timestamp: s.now(),
		Speaker:   speaker,
		SpeakerID: speakerID,
		Content:   content,
		Type:      entryType,
	}

	s.mu.Lock()
	log := s.roomLocked(roomID)
	log.entries = append(log.entries, entry)
	if len(log.entries) > s.maxEntries {
		evicted := log.entries[0]
		log.entries = log.entries[1:]
		log.evictedThrough = evicted.Timestamp
		log.evictedCount++
	}
	s.mu.Unlock()

	if s.onAppend != nil {
		s.onAppend(roomID, *entry)
	}
	return *entry
}

// GetEntries returns up to limit entries newest-first, plus the count of
// retained entries strictly older than the returned page (the basis for
// hasMore). A non-empty beforeID paginates: only entries strictly older than
// that entry are returned. An unknown beforeID yields the newest page.
func (s *Store) GetEntries(roomID types.RoomIDType, limit int, beforeID string) ([]types.TranscriptEntry, int) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return []types.TranscriptEntry{}, 0
	}

	end := len(log.entries)
	if beforeID != "" {
		for i, e := range log.entries {
			if e.ID == beforeID {
				end = i
				break
			}
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]types.TranscriptEntry, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, *log.entries[i])
	}
	return out, start
}

// EntriesSince returns, oldest-first, every entry strictly newer than after.
// A zero after returns the whole ring. Used by the summarizer.
func (s *Store) EntriesSince(roomID types.RoomIDType, after time.Time) []types.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var out []types.TranscriptEntry
	for _, e := range log.entries {
		if e.Timestamp.After(after) {
			out = append(out, *e)
		}
	}
	return out
}

// AllEntries returns the full retained transcript oldest-first, for exports
// and downloads.
func (s *Store) AllEntries(roomID types.RoomIDType) []types.TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]types.TranscriptEntry, len(log.entries))
	for i, e := range log.entries {
		out[i] = *e
	}
	return out
}

// EntryCount returns the number of retained entries.
func (s *Store) EntryCount(roomID types.RoomIDType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(log.entries)
}

// EvictedThrough reports the timestamp of the newest evicted entry and how
// many entries have been dropped, so callers can flag coverage gaps.
func (s *Store) EvictedThrough(roomID types.RoomIDType) (time.Time, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return time.Time{}, 0
	}
	return log.evictedThrough, log.evictedCount
}

// AddSummary stores a completed summary. Summaries are capped; the oldest is
// dropped first, matching the ring semantics of entries.
func (s *Store) AddSummary(summary types.TranscriptSummary) types.TranscriptSummary {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.Timestamp.IsZero() {
		summary.Timestamp = s.now()
	}

	s.mu.Lock()
	log := s.roomLocked(summary.RoomID)
	if len(log.summaries) > 0 {
		last := log.summaries[len(log.summaries)-1]
		if summary.CoverageStart.Before(last.CoverageEnd) {
			logging.GetLogger().Warn("summary coverage overlaps previous summary",
				zap.String("roomId", string(summary.RoomID)),
				zap.Time("previousEnd", last.CoverageEnd),
				zap.Time("newStart", summary.CoverageStart))
		}
	}
	stored := summary
	log.summaries = append(log.summaries, &stored)
	if len(log.summaries) > s.maxSummaries {
		log.summaries = log.summaries[1:]
	}
	s.mu.Unlock()
	return stored
}

// GetSummaries returns all retained summaries oldest-first.
func (s *Store) GetSummaries(roomID types.RoomIDType) []types.TranscriptSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok {
		return []types.TranscriptSummary{}
	}
	out := make([]types.TranscriptSummary, len(log.summaries))
	for i, sum := range log.summaries {
		out[i] = *sum
	}
	return out
}

// LastSummaryEnd returns the coverage end of the newest summary, or the zero
// time when the room has none.
func (s *Store) LastSummaryEnd(roomID types.RoomIDType) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.rooms[roomID]
	if !ok || len(log.summaries) == 0 {
		return time.Time{}
	}
	return log.summaries[len(log.summaries)-1].CoverageEnd
}

// DropRoom discards a closed room's transcript after export.
func (s *Store) DropRoom(roomID types.RoomIDType) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *Store) roomLocked(roomID types.RoomIDType) *roomLog {
	log, ok := s.rooms[roomID]
	if !ok {
		log = &roomLog{}
		s.rooms[roomID] = log
	}
	return log
}

// Package export persists closed-room artifacts to disk and closes rooms
// that have sat idle past the configured timeout.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/transcript"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// Snapshot is the on-disk record of one closed room. Participants are
// stripped; only the summary, transcript, and rolling summaries survive.
type Snapshot struct {
	Room      types.RoomSummary         `json:"room"`
	ClosedAt  time.Time                 `json:"closedAt"`
	Entries   []types.TranscriptEntry   `json:"entries"`
	Summaries []types.TranscriptSummary `json:"summaries,omitempty"`
}

// Sink writes room snapshots to the export directory when rooms close.
type Sink struct {
	dir         string
	transcripts *transcript.Store
	now         func() time.Time
}

// NewSink creates a Sink writing into dir, creating it if needed.
func NewSink(dir string, transcripts *transcript.Store) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	return &Sink{dir: dir, transcripts: transcripts, now: time.Now}, nil
}

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ExportRoom writes the room's snapshot file and releases the room's
// transcript memory. Intended as the hub's room-closed hook.
func (s *Sink) ExportRoom(room types.Room) {
	snapshot := Snapshot{
		Room:      room.Summary(),
		ClosedAt:  s.now().UTC(),
		Entries:   s.transcripts.AllEntries(room.ID),
		Summaries: s.transcripts.GetSummaries(room.ID),
	}

	name := fmt.Sprintf("%s-%s.json",
		unsafePathChars.ReplaceAllString(string(room.ID), "-"),
		snapshot.ClosedAt.Format("20060102T150405Z"))
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		logging.Error(context.Background(), "failed to marshal room snapshot",
			zap.String("roomId", string(room.ID)), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.Error(context.Background(), "failed to write room snapshot",
			zap.String("roomId", string(room.ID)), zap.String("path", path), zap.Error(err))
		return
	}

	s.transcripts.DropRoom(room.ID)
	logging.Info(context.Background(), "exported room snapshot",
		zap.String("roomId", string(room.ID)),
		zap.String("path", path),
		zap.Int("entries", len(snapshot.Entries)))
}

// RoomCloser is the slice of the hub the sweeper needs.
type RoomCloser interface {
	CloseRoom(roomID types.RoomIDType, reason string)
}

// IdleLister reports rooms idle past a cutoff.
type IdleLister interface {
	IdleRooms(olderThan time.Duration) []types.RoomIDType
}

// Sweeper closes rooms that have been empty and inactive past the idle
// timeout. It backstops the hub's per-room grace timers across restarts.
type Sweeper struct {
	rooms       IdleLister
	closer      RoomCloser
	idleTimeout time.Duration
	interval    time.Duration
}

// NewSweeper creates a Sweeper with a check interval of a quarter of the
// idle timeout, capped at one minute.
func NewSweeper(rooms IdleLister, closer RoomCloser, idleTimeout time.Duration) *Sweeper {
	interval := idleTimeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		rooms:       rooms,
		closer:      closer,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for _, roomID := range s.rooms.IdleRooms(s.idleTimeout) {
		logging.Info(ctx, "closing idle room", zap.String("roomId", string(roomID)))
		s.closer.CloseRoom(roomID, "idle timeout")
	}
}

// Package batch groups completed capture chunks into analysis batches.
//
// Chunks join batches by temporal adjacency: a run of chunks closes when a
// gap exceeds the configured maximum or when adding another chunk would push
// the batch past the maximum duration. The trailing run stays open until
// capture has clearly moved on, so an in-progress session is never split
// prematurely.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/retrace-app/retrace/internal/storage"
)

// Store is the slice of storage the scheduler needs.
type Store interface {
	UnassignedChunks() ([]storage.Chunk, error)
	SaveBatch(b storage.Batch) error
}

// Options configures a Scheduler.
type Options struct {
	Tick        time.Duration // how often to look for batchable chunks
	MaxGap      time.Duration // gap that closes a run
	MaxDuration time.Duration // duration cap per batch
}

// Scheduler periodically groups unassigned completed chunks into batches.
type Scheduler struct {
	store Store
	opts  Options
	now   func() time.Time
}

// NewScheduler creates a scheduler. Zero option fields get defaults.
func NewScheduler(store Store, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Minute
	}
	if opts.MaxGap <= 0 {
		opts.MaxGap = 2 * time.Minute
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 15 * time.Minute
	}
	return &Scheduler{store: store, opts: opts, now: time.Now}
}

// Run batches on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.RunOnce(); err != nil {
				slog.Error("batching pass failed", "error", err)
			} else if n > 0 {
				slog.Info("created batches", "count", n)
			}
		}
	}
}

// RunOnce performs one batching pass and returns how many batches it created.
func (s *Scheduler) RunOnce() (int, error) {
	chunks, err := s.store.UnassignedChunks()
	if err != nil {
		return 0, fmt.Errorf("loading unassigned chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	runs := buildRuns(chunks, s.now(), s.opts.MaxGap, s.opts.MaxDuration)

	created := 0
	for _, run := range runs {
		b := storage.Batch{
			ID:        uuid.NewString(),
			StartTime: run[0].StartTime,
			EndTime:   run[len(run)-1].EndTime,
			Status:    storage.BatchPending,
			ChunkIDs:  chunkIDs(run),
		}
		if err := s.store.SaveBatch(b); err != nil {
			if errors.Is(err, storage.ErrChunkAssigned) {
				// Should be impossible: we only batch unassigned chunks and
				// this is the only writer. Log loudly and move on.
				slog.Error("chunk already assigned during batching", "batch", b.ID, "error", err)
				continue
			}
			return created, fmt.Errorf("saving batch: %w", err)
		}
		created++
	}
	return created, nil
}

// buildRuns splits chunks (ordered by start time) into closed runs. A run
// closes at a gap larger than maxGap, or before a chunk whose inclusion would
// exceed maxDuration. The final run is held back unless it is duration-full
// or the capture has gone quiet for longer than maxGap; otherwise more chunks
// for it may still arrive.
func buildRuns(chunks []storage.Chunk, now time.Time, maxGap, maxDuration time.Duration) [][]storage.Chunk {
	var runs [][]storage.Chunk
	var run []storage.Chunk

	for _, c := range chunks {
		if len(run) == 0 {
			run = []storage.Chunk{c}
			continue
		}
		last := run[len(run)-1]
		gap := c.StartTime.Sub(last.EndTime)
		full := c.EndTime.Sub(run[0].StartTime) > maxDuration
		if gap > maxGap || full {
			runs = append(runs, run)
			run = []storage.Chunk{c}
			continue
		}
		run = append(run, c)
	}

	if len(run) > 0 {
		last := run[len(run)-1]
		durationFull := last.EndTime.Sub(run[0].StartTime) >= maxDuration
		quiet := now.Sub(last.EndTime) > maxGap
		if durationFull || quiet {
			runs = append(runs, run)
		}
	}
	return runs
}

func chunkIDs(run []storage.Chunk) []string {
	ids := make([]string, len(run))
	for i, c := range run {
		ids[i] = c.ID
	}
	return ids
}

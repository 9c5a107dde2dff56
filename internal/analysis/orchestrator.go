// Package analysis drives batches through the AI pipeline: stitch the
// batch's segments, transcribe them into observations, and regenerate the
// timeline cards for the surrounding window.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retrace-app/retrace/internal/provider"
	"github.com/retrace-app/retrace/internal/storage"
)

// errInvariant marks corrupt pipeline state, as opposed to provider trouble.
// An invariant failure fails the batch without writing an error card.
var errInvariant = errors.New("pipeline invariant violated")

// BatchStore is the slice of storage the worker needs.
type BatchStore interface {
	ClaimNextBatch() (*storage.Batch, error)
	UpdateBatchStatus(id string, status storage.BatchStatus, lastError string) error
	ChunksByBatch(batchID string) ([]storage.Chunk, error)
	SaveObservations(obs []storage.Observation) error
	ObservationsInRange(from, to time.Time) ([]storage.Observation, error)
	CardsInRange(from, to time.Time) ([]storage.Card, error)
	SetCardMediaRef(id, mediaRef string) error
}

// CardMerger swaps a window's cards for a new set.
type CardMerger interface {
	Replace(from, to time.Time, drafts []provider.CardDraft) ([]storage.Card, []string, error)
}

// Options configures a Worker.
type Options struct {
	Poll           time.Duration // claim interval when the queue is empty
	MinBatch       time.Duration // batches below this are marked analyzed untouched
	Lookback       time.Duration // merge window length, ending at the batch end
	AttemptTimeout time.Duration // per provider call
	WorkDir        string        // stitched batch videos
	TimelapseDir   string        // rendered timelapse clips
}

// Worker claims pending batches and analyzes them one at a time.
type Worker struct {
	store    BatchStore
	provider provider.Provider
	merger   CardMerger
	opts     Options
	logger   *slog.Logger

	// Injection points for tests; production uses the ffmpeg helpers.
	stitchFn    func(ctx context.Context, workDir, batchID string, chunks []storage.Chunk) (string, error)
	timelapseFn func(ctx context.Context, dir, batchID, sourcePath string) (string, error)

	wg sync.WaitGroup
}

// NewWorker creates a Worker. Zero option fields get defaults.
func NewWorker(store BatchStore, p provider.Provider, merger CardMerger, opts Options) *Worker {
	if opts.Poll <= 0 {
		opts.Poll = 5 * time.Second
	}
	if opts.MinBatch <= 0 {
		opts.MinBatch = 5 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = time.Hour
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 120 * time.Second
	}
	return &Worker{
		store:       store,
		provider:    p,
		merger:      merger,
		opts:        opts,
		logger:      slog.Default(),
		stitchFn:    stitchChunks,
		timelapseFn: generateTimelapse,
	}
}

// Run polls for batches until ctx is cancelled, then waits for any detached
// timelapse render to finish.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("analysis iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.Poll):
		}
	}
}

// RunOnce claims and analyzes a single batch. Returns true if a batch was
// processed, regardless of outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	b, err := w.store.ClaimNextBatch()
	if err != nil {
		return false, fmt.Errorf("claiming batch: %w", err)
	}
	if b == nil {
		return false, nil
	}

	if err := w.process(ctx, b); err != nil {
		w.logger.Warn("batch analysis failed", "batch", b.ID, "error", err)
		w.fail(b, err)
		return true, nil
	}
	if err := w.store.UpdateBatchStatus(b.ID, storage.BatchAnalyzed, ""); err != nil {
		return true, fmt.Errorf("marking batch analyzed: %w", err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, b *storage.Batch) error {
	if b.Duration() < w.opts.MinBatch {
		// Too little footage to say anything useful. Analyzed, zero calls.
		w.logger.Info("skipping short batch", "batch", b.ID, "duration", b.Duration())
		return nil
	}

	chunks, err := w.store.ChunksByBatch(b.ID)
	if err != nil {
		return fmt.Errorf("loading batch chunks: %w", err)
	}
	if len(chunks) == 0 {
		// Every chunk was purged or failed after grouping. Nothing to
		// analyze; mark the batch done without touching the provider.
		w.logger.Info("skipping batch with no chunks", "batch", b.ID)
		return nil
	}

	stitched, err := w.stitchFn(ctx, w.opts.WorkDir, b.ID, chunks)
	if err != nil {
		return fmt.Errorf("stitching batch: %w", err)
	}
	keepStitched := false
	defer func() {
		if !keepStitched {
			os.Remove(stitched)
		}
	}()

	var obs []provider.Observation
	err = withRetries(ctx, w.opts.AttemptTimeout, w.provider, "transcribe", func(ctx context.Context) error {
		var terr error
		obs, terr = w.provider.Transcribe(ctx, stitched, b.StartTime, b.EndTime)
		return terr
	})
	if err != nil {
		return fmt.Errorf("transcribing batch: %w", err)
	}

	if len(obs) > 0 {
		rows := make([]storage.Observation, len(obs))
		for i, o := range obs {
			rows[i] = storage.Observation{
				ID:        uuid.NewString(),
				BatchID:   b.ID,
				StartTime: o.StartTime,
				EndTime:   o.EndTime,
				Text:      o.Text,
			}
		}
		if err := w.store.SaveObservations(rows); err != nil {
			return fmt.Errorf("saving observations: %w", err)
		}
	}

	// The merge window slides: it always ends at this batch and reaches
	// back far enough to let cards re-form across batch boundaries.
	from := b.EndTime.Add(-w.opts.Lookback)
	to := b.EndTime

	window, err := w.loadWindow(from, to)
	if err != nil {
		return err
	}

	var drafts []provider.CardDraft
	err = withRetries(ctx, w.opts.AttemptTimeout, w.provider, "generate cards", func(ctx context.Context) error {
		var gerr error
		drafts, gerr = w.provider.GenerateCards(ctx, window)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("generating cards: %w", err)
	}

	cards, removedRefs, err := w.merger.Replace(from, to, drafts)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvariant, err)
	}
	w.removeArtifacts(removedRefs)

	// Timelapse rendering is slow and cosmetic: detach it so the next batch
	// is not stuck behind ffmpeg. The stitched video now belongs to it.
	keepStitched = true
	w.wg.Add(1)
	go w.renderTimelapse(b.ID, stitched, cards)

	return nil
}

func (w *Worker) loadWindow(from, to time.Time) (provider.Window, error) {
	obs, err := w.store.ObservationsInRange(from, to)
	if err != nil {
		return provider.Window{}, fmt.Errorf("loading window observations: %w", err)
	}
	cards, err := w.store.CardsInRange(from, to)
	if err != nil {
		return provider.Window{}, fmt.Errorf("loading window cards: %w", err)
	}
	return provider.Window{Start: from, End: to, Observations: obs, Cards: cards}, nil
}

// renderTimelapse renders a clip from the stitched batch video and attaches
// it to the window's longest card. Failure is logged, never fatal: the cards
// are already live.
func (w *Worker) renderTimelapse(batchID, stitched string, cards []storage.Card) {
	defer w.wg.Done()
	defer os.Remove(stitched)

	var longest *storage.Card
	for i := range cards {
		if longest == nil || cards[i].EndTime.Sub(cards[i].StartTime) > longest.EndTime.Sub(longest.StartTime) {
			longest = &cards[i]
		}
	}
	if longest == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	path, err := w.timelapseFn(ctx, w.opts.TimelapseDir, batchID, stitched)
	if err != nil {
		w.logger.Warn("timelapse render failed", "batch", batchID, "error", err)
		return
	}
	if err := w.store.SetCardMediaRef(longest.ID, path); err != nil {
		w.logger.Warn("attaching timelapse failed", "batch", batchID, "card", longest.ID, "error", err)
		os.Remove(path)
	}
}

// fail marks the batch failed. Provider exhaustion additionally leaves a
// visible error card over the batch's own range so the gap in the timeline
// explains itself; invariant failures do not, the data cannot be trusted.
func (w *Worker) fail(b *storage.Batch, cause error) {
	if !errors.Is(cause, errInvariant) {
		draft := provider.CardDraft{
			StartTime: b.StartTime,
			EndTime:   b.EndTime,
			Title:     "Analysis failed",
			Summary:   fmt.Sprintf("This period could not be analyzed: %v", cause),
			Category:  "system",
		}
		if _, removed, err := w.merger.Replace(b.StartTime, b.EndTime, []provider.CardDraft{draft}); err != nil {
			w.logger.Error("writing error card failed", "batch", b.ID, "error", err)
		} else {
			w.removeArtifacts(removed)
		}
	}
	if err := w.store.UpdateBatchStatus(b.ID, storage.BatchFailed, cause.Error()); err != nil {
		w.logger.Error("marking batch failed", "batch", b.ID, "error", err)
	}
}

// removeArtifacts deletes timelapse files orphaned by a card replacement.
func (w *Worker) removeArtifacts(refs []string) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("removing stale timelapse failed", "path", ref, "error", err)
		}
	}
}

// Wait blocks until detached timelapse renders finish. Called on shutdown.
func (w *Worker) Wait() {
	w.wg.Wait()
}

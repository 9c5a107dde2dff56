package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/retrace-app/retrace/internal/provider"
	"github.com/retrace-app/retrace/internal/storage"
)

var b0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu     sync.Mutex
	batch  *storage.Batch
	chunks []storage.Chunk

	savedObs  []storage.Observation
	cards     []storage.Card
	statuses  []storage.BatchStatus
	lastError string
	mediaCard string
	mediaRef  string
}

func (m *memStore) ClaimNextBatch() (*storage.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batch
	m.batch = nil
	return b, nil
}

func (m *memStore) UpdateBatchStatus(id string, status storage.BatchStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
	m.lastError = lastError
	return nil
}

func (m *memStore) ChunksByBatch(batchID string) ([]storage.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks, nil
}

func (m *memStore) SaveObservations(obs []storage.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedObs = append(m.savedObs, obs...)
	return nil
}

func (m *memStore) ObservationsInRange(from, to time.Time) ([]storage.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.savedObs, nil
}

func (m *memStore) CardsInRange(from, to time.Time) ([]storage.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cards, nil
}

func (m *memStore) SetCardMediaRef(id, mediaRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mediaCard = id
	m.mediaRef = mediaRef
	return nil
}

func (m *memStore) finalStatus() (storage.BatchStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return "", ""
	}
	return m.statuses[len(m.statuses)-1], m.lastError
}

type scriptedProvider struct {
	mu              sync.Mutex
	transcribeErr   error
	obs             []provider.Observation
	cardsErr        error
	drafts          []provider.CardDraft
	transcribeCalls int
	cardCalls       int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Transcribe(ctx context.Context, path string, start, end time.Time) ([]provider.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcribeCalls++
	if p.transcribeErr != nil {
		return nil, p.transcribeErr
	}
	return p.obs, nil
}

func (p *scriptedProvider) GenerateCards(ctx context.Context, w provider.Window) ([]provider.CardDraft, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cardCalls++
	if p.cardsErr != nil {
		return nil, p.cardsErr
	}
	return p.drafts, nil
}

func (p *scriptedProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcribeCalls, p.cardCalls
}

type recordingMerger struct {
	mu      sync.Mutex
	from    time.Time
	to      time.Time
	drafts  []provider.CardDraft
	calls   int
	removed []string
}

func (m *recordingMerger) Replace(from, to time.Time, drafts []provider.CardDraft) ([]storage.Card, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.from, m.to, m.drafts = from, to, drafts
	cards := make([]storage.Card, len(drafts))
	for i, d := range drafts {
		cards[i] = storage.Card{
			ID:        uuid.NewString(),
			StartTime: d.StartTime,
			EndTime:   d.EndTime,
			Title:     d.Title,
			Summary:   d.Summary,
			Category:  d.Category,
		}
	}
	return cards, m.removed, nil
}

func testBatch(durationMin int) *storage.Batch {
	return &storage.Batch{
		ID:        "batch-1",
		StartTime: b0,
		EndTime:   b0.Add(time.Duration(durationMin) * time.Minute),
		Status:    storage.BatchProcessing,
		ChunkIDs:  []string{"c1"},
	}
}

func newTestWorker(t *testing.T, store *memStore, p provider.Provider, m CardMerger) *Worker {
	t.Helper()
	w := NewWorker(store, p, m, Options{
		MinBatch:       5 * time.Minute,
		Lookback:       time.Hour,
		AttemptTimeout: time.Second,
		WorkDir:        t.TempDir(),
		TimelapseDir:   t.TempDir(),
	})
	w.stitchFn = func(ctx context.Context, workDir, batchID string, chunks []storage.Chunk) (string, error) {
		return workDir + "/" + batchID + ".mp4", nil
	}
	w.timelapseFn = func(ctx context.Context, dir, batchID, sourcePath string) (string, error) {
		return dir + "/" + batchID + ".mp4", nil
	}
	return w
}

func TestWorkerAnalyzesBatch(t *testing.T) {
	store := &memStore{
		batch:  testBatch(10),
		chunks: []storage.Chunk{{ID: "c1", FilePath: "/tmp/c1.mp4", StartTime: b0, EndTime: b0.Add(10 * time.Minute)}},
	}
	p := &scriptedProvider{
		obs: []provider.Observation{
			{StartTime: b0, EndTime: b0.Add(5 * time.Minute), Text: "writing a report"},
		},
		drafts: []provider.CardDraft{
			{StartTime: b0, EndTime: b0.Add(8 * time.Minute), Title: "Report writing", Summary: "s", Category: "work"},
			{StartTime: b0.Add(8 * time.Minute), EndTime: b0.Add(10 * time.Minute), Title: "Email", Summary: "s", Category: "communication"},
		},
	}
	merger := &recordingMerger{}
	w := newTestWorker(t, store, p, merger)

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}
	w.Wait()

	if status, _ := store.finalStatus(); status != storage.BatchAnalyzed {
		t.Fatalf("expected batch analyzed, got %q", status)
	}
	if len(store.savedObs) != 1 || store.savedObs[0].BatchID != "batch-1" {
		t.Errorf("expected observations persisted with batch id, got %+v", store.savedObs)
	}

	// The merge window ends at the batch end and reaches back the lookback.
	batchEnd := b0.Add(10 * time.Minute)
	if !merger.to.Equal(batchEnd) || !merger.from.Equal(batchEnd.Add(-time.Hour)) {
		t.Errorf("merge window wrong: %v - %v", merger.from, merger.to)
	}

	// The timelapse lands on the longest card.
	if store.mediaCard == "" || store.mediaRef == "" {
		t.Fatal("expected a timelapse attached to a card")
	}
}

func TestWorkerSkipsShortBatch(t *testing.T) {
	store := &memStore{batch: testBatch(3)}
	p := &scriptedProvider{}
	merger := &recordingMerger{}
	w := newTestWorker(t, store, p, merger)

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}

	if status, _ := store.finalStatus(); status != storage.BatchAnalyzed {
		t.Fatalf("short batch should be marked analyzed, got %q", status)
	}
	tc, cc := p.calls()
	if tc != 0 || cc != 0 {
		t.Errorf("short batch must make zero provider calls, got %d/%d", tc, cc)
	}
	if merger.calls != 0 {
		t.Errorf("short batch must not touch cards, got %d merges", merger.calls)
	}
}

func TestWorkerAuthFailureWritesErrorCard(t *testing.T) {
	store := &memStore{
		batch:  testBatch(10),
		chunks: []storage.Chunk{{ID: "c1", FilePath: "/tmp/c1.mp4"}},
	}
	p := &scriptedProvider{
		transcribeErr: &provider.Error{Class: provider.ClassAuth, Op: "transcribe", Err: errors.New("bad key")},
	}
	merger := &recordingMerger{}
	w := newTestWorker(t, store, p, merger)

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}

	status, lastErr := store.finalStatus()
	if status != storage.BatchFailed {
		t.Fatalf("expected batch failed, got %q", status)
	}
	if !strings.Contains(lastErr, "bad key") {
		t.Errorf("expected cause recorded on the batch, got %q", lastErr)
	}
	tc, _ := p.calls()
	if tc != 1 {
		t.Errorf("auth failures must not retry, got %d transcribe calls", tc)
	}

	// One error card spanning exactly the batch range.
	if merger.calls != 1 || len(merger.drafts) != 1 {
		t.Fatalf("expected exactly one error card merge, got %d calls %d drafts", merger.calls, len(merger.drafts))
	}
	card := merger.drafts[0]
	if card.Title != "Analysis failed" || !merger.from.Equal(b0) || !merger.to.Equal(b0.Add(10*time.Minute)) {
		t.Errorf("error card should span the batch range, got %+v over %v - %v", card, merger.from, merger.to)
	}
}

func TestWorkerZeroChunkBatchMarkedAnalyzed(t *testing.T) {
	// Every chunk may have been purged between grouping and claiming. That
	// is an empty batch, not corrupt state: analyzed, zero provider calls.
	store := &memStore{batch: testBatch(10), chunks: nil}
	p := &scriptedProvider{}
	w := newTestWorker(t, store, p, &recordingMerger{})

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}

	if status, lastErr := store.finalStatus(); status != storage.BatchAnalyzed || lastErr != "" {
		t.Fatalf("expected batch analyzed with no error, got %q (%q)", status, lastErr)
	}
	tc, cc := p.calls()
	if tc != 0 || cc != 0 {
		t.Errorf("empty batch must not reach the provider, got %d/%d calls", tc, cc)
	}
}

// failingMerger rejects every replacement, standing in for a store whose
// card window cannot be written.
type failingMerger struct {
	calls int
}

func (m *failingMerger) Replace(from, to time.Time, drafts []provider.CardDraft) ([]storage.Card, []string, error) {
	m.calls++
	return nil, nil, errors.New("replace rejected")
}

func TestWorkerInvariantViolationFailsWithoutErrorCard(t *testing.T) {
	// A card merge the store rejects is corrupt state, not provider trouble.
	store := &memStore{batch: testBatch(10), chunks: []storage.Chunk{{ID: "c1"}}}
	p := &scriptedProvider{
		obs:    []provider.Observation{{StartTime: b0, EndTime: b0.Add(time.Minute), Text: "editing code"}},
		drafts: []provider.CardDraft{{StartTime: b0, EndTime: b0.Add(10 * time.Minute), Title: "Coding"}},
	}
	merger := &failingMerger{}
	w := newTestWorker(t, store, p, merger)

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}

	if status, _ := store.finalStatus(); status != storage.BatchFailed {
		t.Fatalf("expected batch failed, got %q", status)
	}
	if merger.calls != 1 {
		t.Errorf("invariant violations must not write error cards, got %d merges", merger.calls)
	}
}

func TestWorkerParseFailureRetriesOnce(t *testing.T) {
	store := &memStore{
		batch:  testBatch(10),
		chunks: []storage.Chunk{{ID: "c1", FilePath: "/tmp/c1.mp4"}},
	}
	p := &scriptedProvider{
		transcribeErr: &provider.Error{Class: provider.ClassParse, Op: "transcribe", Err: errors.New("not json")},
	}
	w := newTestWorker(t, store, p, &recordingMerger{})

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	tc, _ := p.calls()
	if tc != 2 {
		t.Errorf("parse failures get one immediate retry, got %d calls", tc)
	}
	if status, _ := store.finalStatus(); status != storage.BatchFailed {
		t.Errorf("expected batch failed after parse retries, got %q", status)
	}
}

func TestWorkerNoBatch(t *testing.T) {
	w := newTestWorker(t, &memStore{}, &scriptedProvider{}, &recordingMerger{})
	done, err := w.RunOnce(context.Background())
	if err != nil || done {
		t.Fatalf("expected idle pass, done=%v err=%v", done, err)
	}
}

func TestWorkerStaleTimelapsesRemoved(t *testing.T) {
	// The merger reports refs of replaced cards; missing files are fine,
	// the worker only logs real removal failures.
	store := &memStore{
		batch:  testBatch(10),
		chunks: []storage.Chunk{{ID: "c1", FilePath: "/tmp/c1.mp4"}},
	}
	p := &scriptedProvider{
		drafts: []provider.CardDraft{
			{StartTime: b0, EndTime: b0.Add(10 * time.Minute), Title: "Work", Summary: "s", Category: "work"},
		},
	}
	merger := &recordingMerger{removed: []string{"/nonexistent/timelapse.mp4"}}
	w := newTestWorker(t, store, p, merger)

	done, err := w.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("run once: done=%v err=%v", done, err)
	}
	w.Wait()

	if status, _ := store.finalStatus(); status != storage.BatchAnalyzed {
		t.Fatalf("expected analyzed, got %q", status)
	}
}

package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/retrace-app/retrace/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// chunkSpan creates a completed chunk covering [start, end) seconds from t0.
func chunkSpan(id string, startSec, endSec int) storage.Chunk {
	return storage.Chunk{
		ID:        id,
		FilePath:  "/tmp/" + id + ".mp4",
		StartTime: t0.Add(time.Duration(startSec) * time.Second),
		EndTime:   t0.Add(time.Duration(endSec) * time.Second),
		Status:    storage.ChunkCompleted,
	}
}

type memBatchStore struct {
	mu      sync.Mutex
	chunks  []storage.Chunk
	batches []storage.Batch
	saveErr error
}

func (m *memBatchStore) UnassignedChunks() ([]storage.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Chunk(nil), m.chunks...), nil
}

func (m *memBatchStore) SaveBatch(b storage.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.batches = append(m.batches, b)
	assigned := make(map[string]bool, len(b.ChunkIDs))
	for _, id := range b.ChunkIDs {
		assigned[id] = true
	}
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if !assigned[c.ID] {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

func newTestScheduler(store *memBatchStore, now time.Time) *Scheduler {
	s := NewScheduler(store, Options{
		MaxGap:      2 * time.Minute,
		MaxDuration: 15 * time.Minute,
	})
	s.now = func() time.Time { return now }
	return s
}

func TestSchedulerSplitsOnGap(t *testing.T) {
	store := &memBatchStore{chunks: []storage.Chunk{
		chunkSpan("a", 0, 15),
		chunkSpan("b", 15, 30),
		chunkSpan("c", 30, 45),
		// 155s of silence, beyond the 2 minute gap.
		chunkSpan("d", 200, 215),
	}}
	// Capture went quiet long ago so the trailing run closes too.
	s := newTestScheduler(store, t0.Add(time.Hour))

	n, err := s.RunOnce()
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 batches, got %d", n)
	}

	first, second := store.batches[0], store.batches[1]
	if len(first.ChunkIDs) != 3 {
		t.Errorf("expected first batch with chunks a,b,c, got %v", first.ChunkIDs)
	}
	if first.Duration() != 45*time.Second {
		t.Errorf("a 45s batch closed by a gap is valid, got duration %v", first.Duration())
	}
	if len(second.ChunkIDs) != 1 || second.ChunkIDs[0] != "d" {
		t.Errorf("expected second batch with chunk d, got %v", second.ChunkIDs)
	}
	if !first.StartTime.Equal(t0) || !first.EndTime.Equal(t0.Add(45*time.Second)) {
		t.Errorf("first batch bounds wrong: %v - %v", first.StartTime, first.EndTime)
	}
}

func TestSchedulerSplitsOnDuration(t *testing.T) {
	// 70 back-to-back 15s chunks: 17.5 minutes of continuous capture.
	var chunks []storage.Chunk
	for i := 0; i < 70; i++ {
		chunks = append(chunks, chunkSpan(string(rune('a'+i%26))+string(rune('0'+i/26)), i*15, (i+1)*15))
	}
	store := &memBatchStore{chunks: chunks}
	s := newTestScheduler(store, t0.Add(time.Hour))

	n, err := s.RunOnce()
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 batches, got %d", n)
	}
	if d := store.batches[0].Duration(); d > 15*time.Minute {
		t.Errorf("batch exceeds duration cap: %v", d)
	}
	total := len(store.batches[0].ChunkIDs) + len(store.batches[1].ChunkIDs)
	if total != 70 {
		t.Errorf("expected every chunk batched exactly once, got %d", total)
	}
}

func TestSchedulerDefersTrailingRun(t *testing.T) {
	store := &memBatchStore{chunks: []storage.Chunk{
		chunkSpan("a", 0, 15),
		chunkSpan("b", 15, 30),
	}}
	// Only 30s since the last chunk ended: capture may still be going.
	s := newTestScheduler(store, t0.Add(60*time.Second))

	n, err := s.RunOnce()
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Fatalf("trailing run must stay open while capture is live, got %d batches", n)
	}

	// Once the machine has been quiet past the gap, the run closes.
	s.now = func() time.Time { return t0.Add(30*time.Second + 3*time.Minute) }
	n, err = s.RunOnce()
	if err != nil {
		t.Fatalf("second run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected trailing run to close after quiet period, got %d", n)
	}
}

func TestSchedulerClosesDurationFullTrailingRun(t *testing.T) {
	// A full 15 minutes of capture closes even while chunks keep arriving.
	var chunks []storage.Chunk
	for i := 0; i < 60; i++ {
		chunks = append(chunks, chunkSpan(string(rune('a'+i%26))+string(rune('0'+i/26)), i*15, (i+1)*15))
	}
	store := &memBatchStore{chunks: chunks}
	// Now is immediately after the last chunk: no quiet period at all.
	s := newTestScheduler(store, t0.Add(15*time.Minute))

	n, err := s.RunOnce()
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("duration-full trailing run should close immediately, got %d", n)
	}
	if got := len(store.batches[0].ChunkIDs); got != 60 {
		t.Errorf("expected 60 chunks in the batch, got %d", got)
	}
}

func TestSchedulerToleratesAssignedChunkRace(t *testing.T) {
	store := &memBatchStore{
		chunks:  []storage.Chunk{chunkSpan("a", 0, 15)},
		saveErr: storage.ErrChunkAssigned,
	}
	s := newTestScheduler(store, t0.Add(time.Hour))

	n, err := s.RunOnce()
	if err != nil {
		t.Fatalf("assignment conflict should be tolerated, got %v", err)
	}
	if n != 0 {
		t.Errorf("conflicting batch must not count as created, got %d", n)
	}
}

func TestSchedulerNoChunks(t *testing.T) {
	s := newTestScheduler(&memBatchStore{}, t0)
	n, err := s.RunOnce()
	if err != nil || n != 0 {
		t.Fatalf("expected clean no-op, got n=%d err=%v", n, err)
	}
}

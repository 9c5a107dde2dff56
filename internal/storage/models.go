package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrChunkAssigned is returned when a batch assignment would claim a chunk
// that already belongs to another batch. Chunks join at most one batch, ever.
var ErrChunkAssigned = errors.New("chunk already assigned to a batch")

// ChunkStatus is the lifecycle state of a recorded video segment.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// Chunk is one persisted, time-bounded video segment from a capture run.
type Chunk struct {
	ID        string
	FilePath  string
	StartTime time.Time
	EndTime   time.Time
	Status    ChunkStatus
	BatchID   string // empty until the chunk is grouped into a batch
	FileSize  int64
}

// Duration returns the recorded span of the chunk.
func (c Chunk) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// BatchStatus is the lifecycle state of an analysis batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchAnalyzed   BatchStatus = "analyzed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is a time-bounded group of consecutive chunks analyzed together.
type Batch struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Status    BatchStatus
	ChunkIDs  []string
	LastError string
}

// Duration returns the time span covered by the batch.
func (b Batch) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}

// Observation is one timestamped unit of transcribed screen content.
// Observations are append-only; a batch produces them exactly once.
type Observation struct {
	ID        string
	BatchID   string
	StartTime time.Time
	EndTime   time.Time
	Text      string
	CreatedAt time.Time
}

// Card is a user-facing summary of activity over a time range. Cards within a
// merged window are only ever created and destroyed as a set (replace-in-range).
type Card struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Title     string
	Summary   string
	Category  string
	MediaRef  string // timelapse artifact path, may be empty
	Metadata  string // free-form JSON
	CreatedAt time.Time
}

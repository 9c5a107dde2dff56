package capture

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Encoder persists frames into one video segment file. Implementations must
// tolerate Close being called again after a failed Close.
type Encoder interface {
	WriteFrame(f Frame) error
	// Close flushes and finalizes the segment, returning the file size.
	Close() (int64, error)
}

// EncoderFactory opens a new Encoder writing to path.
type EncoderFactory func(path string) (Encoder, error)

const (
	// defaultBufferCap bounds in-flight frames per segment.
	defaultBufferCap = 100

	finalizeAttempts = 3
	finalizeBackoff  = 200 * time.Millisecond
)

// SegmentResult reports a finalized segment.
type SegmentResult struct {
	Path     string
	Start    time.Time
	End      time.Time
	FileSize int64
	Frames   int
	Dropped  int
}

// SegmentWriter encodes a bounded, time-boxed run of frames into one segment.
// Append never blocks on encoder pressure: frames land in a capped ring and a
// background flush (at most one in flight) feeds the encoder.
type SegmentWriter struct {
	path  string
	enc   Encoder
	start time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	ring     *frameRing
	flushing bool
	flushErr error
	closed   bool
	lastTS   time.Time
	written  int
}

// NewSegmentWriter starts a segment at start, writing through enc to path.
func NewSegmentWriter(path string, enc Encoder, bufferCap int, start time.Time) *SegmentWriter {
	if bufferCap <= 0 {
		bufferCap = defaultBufferCap
	}
	w := &SegmentWriter{
		path:  path,
		enc:   enc,
		start: start,
		ring:  newFrameRing(bufferCap),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Append buffers a frame for encoding. Frame timestamps must strictly
// increase; a violation is a fatal precondition for this segment.
func (w *SegmentWriter) Append(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("segment %s: writer closed", w.path)
	}
	if !w.lastTS.IsZero() && !f.Timestamp.After(w.lastTS) {
		return ErrNonMonotonicFrame
	}
	w.lastTS = f.Timestamp

	w.ring.push(f)
	w.kickFlush()
	return nil
}

// kickFlush starts the background flush if none is in flight.
// Caller must hold w.mu.
func (w *SegmentWriter) kickFlush() {
	if w.flushing || w.ring.len() == 0 {
		return
	}
	w.flushing = true
	go w.flushLoop()
}

func (w *SegmentWriter) flushLoop() {
	for {
		w.mu.Lock()
		batch := w.ring.drain()
		if len(batch) == 0 {
			w.flushing = false
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		for _, f := range batch {
			if err := w.enc.WriteFrame(f); err != nil {
				w.mu.Lock()
				w.flushErr = err
				w.flushing = false
				w.cond.Broadcast()
				w.mu.Unlock()
				return
			}
			w.mu.Lock()
			w.written++
			w.mu.Unlock()
		}
	}
}

// Finalize drains outstanding frames, closes the encoder, and reports the
// segment. Close failures are retried with backoff before being treated as
// terminal for this chunk. Cancelling ctx abandons the wait: already-written
// data stays on disk, in-flight frames may be dropped.
func (w *SegmentWriter) Finalize(ctx context.Context) (SegmentResult, error) {
	// Wait for the in-flight flush to settle.
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		for w.flushing {
			w.cond.Wait()
		}
		w.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	w.mu.Lock()
	w.closed = true
	flushErr := w.flushErr
	frames := w.written
	dropped := w.ring.dropped
	end := w.lastTS
	if end.IsZero() {
		end = w.start
	}
	w.mu.Unlock()

	res := SegmentResult{
		Path:    w.path,
		Start:   w.start,
		End:     end,
		Frames:  frames,
		Dropped: dropped,
	}

	var lastErr error
	if flushErr != nil {
		lastErr = flushErr
	}
	for attempt := range finalizeAttempts {
		size, err := w.enc.Close()
		if err == nil {
			res.FileSize = size
			if lastErr != nil {
				// The encoder recovered on close but lost frames mid-flush.
				return res, fmt.Errorf("segment %s: flush error before close: %w", w.path, lastErr)
			}
			return res, nil
		}
		lastErr = err
		if attempt < finalizeAttempts-1 {
			backoff := finalizeBackoff << attempt
			select {
			case <-ctx.Done():
				return res, fmt.Errorf("segment %s: finalize cancelled: %w", w.path, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return res, fmt.Errorf("segment %s: finalize failed after %d attempts: %w", w.path, finalizeAttempts, lastErr)
}

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// CommandSource grabs one frame per interval by running the platform screen
// grab command and reading the encoded image from its stdout. This is the
// production Source: low frame rate makes a per-frame process affordable and
// avoids holding a capture session open across sleep/lock.
type CommandSource struct {
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewCommandSource creates a source grabbing one frame per interval.
func NewCommandSource(interval time.Duration) *CommandSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &CommandSource{interval: interval}
}

// Start probes the grab command once (surfacing permission problems
// immediately), then streams frames until Stop or ctx cancellation.
func (s *CommandSource) Start(ctx context.Context, displayID string) (<-chan Frame, error) {
	// A failing probe grab almost always means the OS denied screen
	// recording access to this process.
	if _, err := grabFrame(ctx, displayID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.doneCh = done
	s.mu.Unlock()

	frames := make(chan Frame, 4)
	go func() {
		defer close(frames)
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				data, err := grabFrame(runCtx, displayID)
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					slog.Warn("frame grab failed", "display", displayID, "error", err)
					continue
				}
				select {
				case frames <- Frame{Timestamp: time.Now(), Data: data}:
				case <-runCtx.Done():
					return
				}
			}
		}
	}()

	return frames, nil
}

// Stop cancels the grab loop and waits for the frame channel to close.
func (s *CommandSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.doneCh
	s.cancel, s.doneCh = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func grabFrame(ctx context.Context, displayID string) ([]byte, error) {
	name, args := grabCommand(displayID)
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s produced no image data", name)
	}
	return out, nil
}

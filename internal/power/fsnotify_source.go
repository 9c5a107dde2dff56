package power

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// EventDirSource watches a directory for flag files dropped by the platform
// helper agent. Each file name is a signal: the helper touches "sleep" when
// the machine is about to suspend, "wake" after resume, and so on. The source
// removes each flag file after reading it so repeats are observable.
type EventDirSource struct {
	dir string
}

// NewEventDirSource creates a source watching dir, creating it if missing.
func NewEventDirSource(dir string) (*EventDirSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating power event dir: %w", err)
	}
	return &EventDirSource{dir: dir}, nil
}

// Signals starts the watcher and streams signals until ctx is cancelled.
func (s *EventDirSource) Signals(ctx context.Context) (<-chan Signal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	out := make(chan Signal, 8)
	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				sig, ok := parseSignal(filepath.Base(ev.Name))
				if !ok {
					continue
				}
				os.Remove(ev.Name)
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("power event watch error", "error", err)
			}
		}
	}()
	return out, nil
}

func parseSignal(name string) (Signal, bool) {
	switch Signal(name) {
	case SignalSleep, SignalWake, SignalLock, SignalUnlock,
		SignalScreensaverStart, SignalScreensaverStop:
		return Signal(name), true
	}
	return "", false
}

package display

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// reconfigureFlag is the flag file the platform helper agent touches when
// the OS reports a display configuration change (attach, detach, resize).
const reconfigureFlag = "display-reconfigured"

// ReconfigureNotifier watches the helper-agent event directory and forwards
// display reconfiguration flags to the tracker, which then re-probes
// immediately instead of waiting out the poll debounce. The flag file is
// removed after delivery so repeats are observable.
type ReconfigureNotifier struct {
	dir     string
	tracker *Tracker
}

// NewReconfigureNotifier creates a notifier watching dir, creating it if
// missing.
func NewReconfigureNotifier(dir string, tracker *Tracker) (*ReconfigureNotifier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating display event dir: %w", err)
	}
	return &ReconfigureNotifier{dir: dir, tracker: tracker}, nil
}

// Run watches the event directory until ctx is cancelled.
func (n *ReconfigureNotifier) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(n.dir); err != nil {
		return fmt.Errorf("watching %s: %w", n.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Base(ev.Name) != reconfigureFlag {
				continue
			}
			os.Remove(ev.Name)
			n.tracker.Reconfigure()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("display event watch error", "error", err)
		}
	}
}

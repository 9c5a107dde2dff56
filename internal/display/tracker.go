// Package display resolves which physical display is active and reports
// configuration changes to the capture pipeline.
package display

import (
	"context"
	"log/slog"
	"time"
)

// Resolution is a display's pixel dimensions.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Configuration is a point-in-time snapshot of attached displays.
type Configuration struct {
	DisplayIDs      []string              `json:"display_ids"`
	ActiveDisplayID string                `json:"active_display_id"`
	Resolutions     map[string]Resolution `json:"resolutions"`
}

// Sample is one probe result. NearBoundary is set when the cursor sits within
// the hysteresis margin of a display border; the tracker holds the previous
// stable display while that is true to avoid flapping.
type Sample struct {
	Config       Configuration
	NearBoundary bool
}

// Prober answers "which display is active right now". Platform
// implementations read the cursor position and display bounds.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

// Event announces a committed change of the active display or the display
// set. Reconfigured is set when the event came from an OS reconfiguration
// notification rather than the poll cycle.
type Event struct {
	Config       Configuration
	Reconfigured bool
}

// Tracker polls the active display with debounce and hysteresis, and reacts
// immediately to OS display-reconfiguration notifications via Reconfigure.
type Tracker struct {
	prober   Prober
	poll     time.Duration
	debounce time.Duration

	notify chan struct{}
	events chan Event

	stable      Configuration
	candidate   string
	candidateAt time.Time
	haveStable  bool
}

// NewTracker creates a tracker. Poll and debounce default to 500ms and 1.5s.
func NewTracker(prober Prober, poll, debounce time.Duration) *Tracker {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}
	return &Tracker{
		prober:   prober,
		poll:     poll,
		debounce: debounce,
		notify:   make(chan struct{}, 1),
		events:   make(chan Event, 4),
	}
}

// Events is the stream of committed display changes.
func (t *Tracker) Events() <-chan Event { return t.events }

// Reconfigure signals an OS display reconfiguration (add/remove/resize).
// The next probe runs immediately and bypasses the debounce window.
func (t *Tracker) Reconfigure() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.notify:
			t.step(ctx, true)
		case <-ticker.C:
			t.step(ctx, false)
		}
	}
}

func (t *Tracker) step(ctx context.Context, reconfigured bool) {
	sample, err := t.prober.Probe(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("display probe failed", "error", err)
		}
		return
	}

	if !t.haveStable {
		t.stable = sample.Config
		t.haveStable = true
		return
	}

	if reconfigured {
		// Reconfiguration commits immediately: the display set itself moved,
		// debounce and hysteresis only apply to cursor-driven changes.
		if !sameConfig(t.stable, sample.Config) {
			t.commit(sample.Config, true)
		}
		return
	}

	if sample.NearBoundary {
		// Hysteresis: hold the previous stable display at the border.
		t.candidate = ""
		return
	}

	active := sample.Config.ActiveDisplayID
	if active == t.stable.ActiveDisplayID {
		t.candidate = ""
		return
	}

	now := time.Now()
	if active != t.candidate {
		t.candidate = active
		t.candidateAt = now
		return
	}
	if now.Sub(t.candidateAt) >= t.debounce {
		t.commit(sample.Config, false)
	}
}

func (t *Tracker) commit(cfg Configuration, reconfigured bool) {
	t.stable = cfg
	t.candidate = ""
	select {
	case t.events <- Event{Config: cfg, Reconfigured: reconfigured}:
	default:
		slog.Warn("display event dropped, consumer too slow")
	}
}

func sameConfig(a, b Configuration) bool {
	if a.ActiveDisplayID != b.ActiveDisplayID || len(a.DisplayIDs) != len(b.DisplayIDs) {
		return false
	}
	seen := make(map[string]Resolution, len(a.DisplayIDs))
	for _, id := range a.DisplayIDs {
		seen[id] = a.Resolutions[id]
	}
	for _, id := range b.DisplayIDs {
		res, ok := seen[id]
		if !ok || res != b.Resolutions[id] {
			return false
		}
	}
	return true
}

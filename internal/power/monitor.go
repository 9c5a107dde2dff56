// Package power turns system power and session signals (sleep, wake, lock,
// unlock, screensaver) into pause/resume intents for the capture pipeline.
package power

import (
	"context"
	"log/slog"
	"time"
)

// Signal is a raw system event.
type Signal string

const (
	SignalSleep            Signal = "sleep"
	SignalWake             Signal = "wake"
	SignalLock             Signal = "lock"
	SignalUnlock           Signal = "unlock"
	SignalScreensaverStart Signal = "screensaver-start"
	SignalScreensaverStop  Signal = "screensaver-stop"
)

// IntentKind says what the capture pipeline should do about a signal.
type IntentKind string

const (
	IntentPause  IntentKind = "pause"
	IntentResume IntentKind = "resume"
)

// Intent is a resolved pause or resume request. Settle is the delay to wait
// before acting on a resume, letting the desktop repaint after wake.
type Intent struct {
	Kind   IntentKind
	Reason string
	Settle time.Duration
}

// SignalSource delivers raw signals from the platform.
type SignalSource interface {
	Signals(ctx context.Context) (<-chan Signal, error)
}

// Monitor maps signals to intents and suppresses duplicates: a second pause
// while already paused-by-system, or a resume when nothing paused, is dropped.
type Monitor struct {
	source SignalSource
	settle time.Duration
	out    chan Intent

	pausedBy Signal
}

// NewMonitor creates a monitor. Settle applies to every resume intent.
func NewMonitor(source SignalSource, settle time.Duration) *Monitor {
	return &Monitor{
		source: source,
		settle: settle,
		out:    make(chan Intent, 4),
	}
}

// Intents is the stream of resolved pause/resume requests.
func (m *Monitor) Intents() <-chan Intent { return m.out }

// Run consumes signals until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	signals, err := m.source.Signals(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.handle(sig)
		}
	}
}

func (m *Monitor) handle(sig Signal) {
	switch sig {
	case SignalSleep, SignalLock, SignalScreensaverStart:
		if m.pausedBy != "" {
			// Already paused by an earlier signal; remember the strongest
			// cause so an unlock doesn't resume through sleep.
			if m.pausedBy != SignalSleep {
				m.pausedBy = sig
			}
			return
		}
		m.pausedBy = sig
		m.emit(Intent{Kind: IntentPause, Reason: string(sig)})
	case SignalWake, SignalUnlock, SignalScreensaverStop:
		if m.pausedBy == "" {
			return
		}
		if !resumes(m.pausedBy, sig) {
			return
		}
		m.pausedBy = ""
		m.emit(Intent{Kind: IntentResume, Reason: string(sig), Settle: m.settle})
	default:
		slog.Warn("unknown power signal", "signal", sig)
	}
}

// resumes reports whether a resume-class signal clears the given pause cause.
// Sleep is only cleared by wake; lock and screensaver accept any resume
// signal since platforms differ in which one they deliver on unlock.
func resumes(cause, sig Signal) bool {
	if cause == SignalSleep {
		return sig == SignalWake
	}
	return true
}

func (m *Monitor) emit(in Intent) {
	select {
	case m.out <- in:
	default:
		slog.Warn("power intent dropped, consumer too slow", "kind", in.Kind)
	}
}

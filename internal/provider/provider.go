// Package provider abstracts the AI backends that turn captured video into
// observations and timeline cards. Three backends exist: local (Ollama),
// cloud (OpenRouter-compatible), and relay (our hosted proxy). Failures are
// classified so the analysis layer can apply one retry policy to all of them.
package provider

import (
	"context"
	"time"

	"github.com/retrace-app/retrace/internal/storage"
)

// Window is the timeline context handed to card generation: every
// observation and existing card overlapping the merge window.
type Window struct {
	Start        time.Time
	End          time.Time
	Observations []storage.Observation
	Cards        []storage.Card
}

// CardDraft is a provider-proposed timeline card before persistence.
type CardDraft struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Category  string    `json:"category"`
}

// Observation is a provider-proposed transcription span, relative times
// already resolved to absolute ones.
type Observation struct {
	StartTime time.Time
	EndTime   time.Time
	Text      string
}

// Provider turns video into observations and observations into cards.
// Implementations return *Error with a Class on failure.
type Provider interface {
	Name() string
	// Transcribe describes what happened in a video spanning [start, end).
	Transcribe(ctx context.Context, videoPath string, start, end time.Time) ([]Observation, error)
	// GenerateCards rewrites the window's timeline as a fresh set of cards.
	GenerateCards(ctx context.Context, w Window) ([]CardDraft, error)
}

// TierFallbacker is implemented by providers that can drop to a cheaper
// model tier on capacity failures. FallbackTier returns false once no tier
// remains.
type TierFallbacker interface {
	FallbackTier() bool
}

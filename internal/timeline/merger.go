// Package timeline normalizes provider card drafts and swaps them into the
// store atomically, one merge window at a time.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/retrace-app/retrace/internal/provider"
	"github.com/retrace-app/retrace/internal/storage"
)

// defaultMinCardDuration is the floor below which a card is noise and gets
// folded into its neighbor.
const defaultMinCardDuration = 30 * time.Second

// CardStore is the slice of storage the merger needs.
type CardStore interface {
	ReplaceCardsInRange(from, to time.Time, cards []storage.Card) ([]string, error)
}

// Merger turns card drafts into a clean, non-overlapping card set and
// replaces the window's previous cards with it in one transaction.
type Merger struct {
	store       CardStore
	minDuration time.Duration
}

// NewMerger creates a merger. A non-positive minDuration gets the default.
func NewMerger(store CardStore, minDuration time.Duration) *Merger {
	if minDuration <= 0 {
		minDuration = defaultMinCardDuration
	}
	return &Merger{store: store, minDuration: minDuration}
}

// Replace normalizes drafts and atomically swaps them in over [from, to).
// It returns the stored cards and the media refs of the cards that were
// removed, so stale timelapse artifacts can be deleted.
func (m *Merger) Replace(from, to time.Time, drafts []provider.CardDraft) ([]storage.Card, []string, error) {
	if !to.After(from) {
		return nil, nil, fmt.Errorf("merge window inverted: %v - %v", from, to)
	}

	cards := normalize(drafts, from, to, m.minDuration)
	removed, err := m.store.ReplaceCardsInRange(from, to, cards)
	if err != nil {
		return nil, nil, fmt.Errorf("replacing cards: %w", err)
	}
	return cards, removed, nil
}

// normalize sorts drafts, clamps them to the window, removes overlaps, and
// folds sub-minimum cards into their predecessor. The result is deterministic
// for a given input, so re-running a merge is idempotent.
func normalize(drafts []provider.CardDraft, from, to time.Time, minDuration time.Duration) []storage.Card {
	ds := make([]provider.CardDraft, 0, len(drafts))
	for _, d := range drafts {
		if d.StartTime.Before(from) {
			d.StartTime = from
		}
		if d.EndTime.After(to) {
			d.EndTime = to
		}
		if d.EndTime.After(d.StartTime) {
			ds = append(ds, d)
		}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].StartTime.Before(ds[j].StartTime) })

	// Push overlapping starts forward; cards on a timeline cannot coexist.
	for i := 1; i < len(ds); i++ {
		if ds[i].StartTime.Before(ds[i-1].EndTime) {
			ds[i].StartTime = ds[i-1].EndTime
		}
	}

	var kept []provider.CardDraft
	for i, d := range ds {
		if !d.EndTime.After(d.StartTime) {
			// Fully swallowed by the previous card's span.
			continue
		}
		last := i == len(ds)-1
		if !last && d.EndTime.Sub(d.StartTime) < minDuration {
			// Too short to stand alone: extend a neighbor over it. The
			// final card is exempt, its activity may still be running.
			if len(kept) > 0 {
				kept[len(kept)-1].EndTime = d.EndTime
			} else {
				ds[i+1].StartTime = d.StartTime
			}
			continue
		}
		kept = append(kept, d)
	}

	cards := make([]storage.Card, len(kept))
	for i, d := range kept {
		cards[i] = storage.Card{
			ID:        uuid.NewString(),
			StartTime: d.StartTime,
			EndTime:   d.EndTime,
			Title:     d.Title,
			Summary:   d.Summary,
			Category:  d.Category,
		}
	}
	return cards
}

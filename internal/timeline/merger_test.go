package timeline

import (
	"sync"
	"testing"
	"time"

	"github.com/retrace-app/retrace/internal/provider"
	"github.com/retrace-app/retrace/internal/storage"
)

var w0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return w0.Add(time.Duration(min) * time.Minute) }

func draft(startMin, endMin int, title string) provider.CardDraft {
	return provider.CardDraft{
		StartTime: at(startMin),
		EndTime:   at(endMin),
		Title:     title,
		Summary:   "summary of " + title,
		Category:  "work",
	}
}

type memCardStore struct {
	mu       sync.Mutex
	replaced []storage.Card
	calls    int
	removed  []string
}

func (m *memCardStore) ReplaceCardsInRange(from, to time.Time, cards []storage.Card) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = cards
	m.calls++
	return m.removed, nil
}

func TestMergerSortsAndClamps(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, 30*time.Second)

	drafts := []provider.CardDraft{
		draft(30, 45, "later"),
		draft(-10, 20, "overhangs start"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}

	cards := store.replaced
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].Title != "overhangs start" || cards[1].Title != "later" {
		t.Errorf("cards out of order: %q, %q", cards[0].Title, cards[1].Title)
	}
	if !cards[0].StartTime.Equal(at(0)) {
		t.Errorf("card should be clamped to window start, got %v", cards[0].StartTime)
	}
}

func TestMergerResolvesOverlap(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, 30*time.Second)

	drafts := []provider.CardDraft{
		draft(0, 20, "first"),
		draft(15, 40, "second"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}

	cards := store.replaced
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if !cards[1].StartTime.Equal(cards[0].EndTime) {
		t.Errorf("expected second card pushed to %v, got %v", cards[0].EndTime, cards[1].StartTime)
	}
}

func TestMergerFoldsShortCards(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, time.Minute)

	drafts := []provider.CardDraft{
		draft(0, 10, "solid"),
		{StartTime: at(10), EndTime: at(10).Add(20 * time.Second), Title: "blip", Summary: "s", Category: "work"},
		draft(11, 30, "after"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}

	cards := store.replaced
	if len(cards) != 2 {
		t.Fatalf("expected blip folded away, got %d cards", len(cards))
	}
	if cards[0].Title != "solid" || !cards[0].EndTime.Equal(at(10).Add(20*time.Second)) {
		t.Errorf("expected first card extended over the blip, got %+v", cards[0])
	}
}

func TestMergerFoldsShortFirstCard(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, time.Minute)

	// The first card has no predecessor to absorb it; the successor extends
	// back over its span instead.
	drafts := []provider.CardDraft{
		{StartTime: at(0), EndTime: at(0).Add(20 * time.Second), Title: "stub", Summary: "s", Category: "work"},
		draft(1, 30, "main"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}

	cards := store.replaced
	if len(cards) != 1 {
		t.Fatalf("expected stub folded into its successor, got %d cards", len(cards))
	}
	if cards[0].Title != "main" || !cards[0].StartTime.Equal(at(0)) || !cards[0].EndTime.Equal(at(30)) {
		t.Errorf("expected successor extended back to the window start, got %+v", cards[0])
	}
}

func TestMergerKeepsShortLastCard(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, time.Minute)

	drafts := []provider.CardDraft{
		draft(0, 10, "solid"),
		{StartTime: at(10), EndTime: at(10).Add(15 * time.Second), Title: "just started", Summary: "s", Category: "work"},
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}

	cards := store.replaced
	if len(cards) != 2 || cards[1].Title != "just started" {
		t.Fatalf("the trailing card is exempt from the minimum, got %+v", cards)
	}
}

func TestMergerDropsCardsOutsideWindow(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, 30*time.Second)

	drafts := []provider.CardDraft{
		draft(-30, -10, "before window"),
		draft(5, 25, "inside"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(store.replaced) != 1 || store.replaced[0].Title != "inside" {
		t.Fatalf("expected only the in-window card, got %+v", store.replaced)
	}
}

func TestMergerIdempotent(t *testing.T) {
	store := &memCardStore{}
	m := NewMerger(store, 30*time.Second)

	drafts := []provider.CardDraft{
		draft(0, 20, "a"),
		draft(15, 40, "b"),
		draft(45, 60, "c"),
	}
	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	first := store.replaced

	if _, _, err := m.Replace(at(0), at(60), drafts); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	second := store.replaced

	if len(first) != len(second) {
		t.Fatalf("merge is not idempotent: %d vs %d cards", len(first), len(second))
	}
	for i := range first {
		if !first[i].StartTime.Equal(second[i].StartTime) ||
			!first[i].EndTime.Equal(second[i].EndTime) ||
			first[i].Title != second[i].Title {
			t.Errorf("card %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMergerReturnsRemovedMediaRefs(t *testing.T) {
	store := &memCardStore{removed: []string{"/data/timelapse/old.mp4"}}
	m := NewMerger(store, 30*time.Second)

	_, removed, err := m.Replace(at(0), at(60), []provider.CardDraft{draft(0, 30, "a")})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(removed) != 1 || removed[0] != "/data/timelapse/old.mp4" {
		t.Fatalf("expected removed media refs surfaced, got %v", removed)
	}
}

func TestMergerRejectsInvertedWindow(t *testing.T) {
	m := NewMerger(&memCardStore{}, 30*time.Second)
	if _, _, err := m.Replace(at(10), at(0), nil); err == nil {
		t.Fatal("expected error for inverted window")
	}
}

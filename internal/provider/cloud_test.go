package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var winStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encoding reply: %v", err)
	}
}

func writeTestVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg.mp4")
	if err := os.WriteFile(path, []byte("not really mp4"), 0o644); err != nil {
		t.Fatalf("writing test video: %v", err)
	}
	return path
}

func TestCloudTranscribe(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "best-model" {
			t.Errorf("expected model best-model, got %q", req.Model)
		}
		chatReply(t, w, `{"observations":[
			{"start_offset_seconds":0,"end_offset_seconds":120,"text":"Editing main.go in an IDE"},
			{"start_offset_seconds":120,"end_offset_seconds":300,"text":"Reading documentation in a browser"}]}`)
	}))
	defer srv.Close()

	p := NewCloudProvider("sk-test", srv.URL, []string{"best-model", "cheap-model"})
	obs, err := p.Transcribe(context.Background(), writeTestVideo(t), winStart, winStart.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if !obs[0].StartTime.Equal(winStart) || !obs[0].EndTime.Equal(winStart.Add(2*time.Minute)) {
		t.Errorf("observation 0 span wrong: %v - %v", obs[0].StartTime, obs[0].EndTime)
	}
	if !obs[1].EndTime.Equal(winStart.Add(5 * time.Minute)) {
		t.Errorf("observation 1 should end at video end, got %v", obs[1].EndTime)
	}
}

func TestCloudTranscribeClampsOverrun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"observations":[{"start_offset_seconds":0,"end_offset_seconds":9999,"text":"work"}]}`)
	}))
	defer srv.Close()

	p := NewCloudProvider("k", srv.URL, []string{"m"})
	obs, err := p.Transcribe(context.Background(), writeTestVideo(t), winStart, winStart.Add(time.Minute))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(obs) != 1 || !obs[0].EndTime.Equal(winStart.Add(time.Minute)) {
		t.Fatalf("expected end clamped to video span, got %+v", obs)
	}
}

func TestCloudErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Class
	}{
		{"unauthorized", http.StatusUnauthorized, ClassAuth},
		{"forbidden", http.StatusForbidden, ClassAuth},
		{"rate limited", http.StatusTooManyRequests, ClassRateLimit},
		{"payment required", http.StatusPaymentRequired, ClassCapacity},
		{"unavailable", http.StatusServiceUnavailable, ClassCapacity},
		{"overloaded", 529, ClassCapacity},
		{"server error", http.StatusInternalServerError, ClassNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewCloudProvider("k", srv.URL, []string{"m"})
			_, err := p.GenerateCards(context.Background(), Window{Start: winStart, End: winStart.Add(time.Hour)})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := ClassOf(err); got != tt.want {
				t.Errorf("expected class %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}

func TestCloudParseFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "I cannot answer in JSON, sorry.")
	}))
	defer srv.Close()

	p := NewCloudProvider("k", srv.URL, []string{"m"})
	_, err := p.GenerateCards(context.Background(), Window{Start: winStart, End: winStart.Add(time.Hour)})
	if got := ClassOf(err); got != ClassParse {
		t.Fatalf("expected parse class, got %q (%v)", got, err)
	}
}

func TestCloudNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	p := NewCloudProvider("k", srv.URL, []string{"m"})
	_, err := p.GenerateCards(context.Background(), Window{Start: winStart, End: winStart.Add(time.Hour)})
	if got := ClassOf(err); got != ClassNetwork {
		t.Fatalf("expected network class, got %q (%v)", got, err)
	}
}

func TestCloudGenerateCardsStripsFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, "```json\n{\"cards\":[{\"start_time\":\"2026-03-01T09:00:00Z\",\"end_time\":\"2026-03-01T09:30:00Z\",\"title\":\"Coding\",\"summary\":\"Worked on the parser\",\"category\":\"development\"}]}\n```")
	}))
	defer srv.Close()

	p := NewCloudProvider("k", srv.URL, []string{"m"})
	cards, err := p.GenerateCards(context.Background(), Window{Start: winStart, End: winStart.Add(time.Hour)})
	if err != nil {
		t.Fatalf("generate cards: %v", err)
	}
	if len(cards) != 1 || cards[0].Title != "Coding" {
		t.Fatalf("unexpected cards: %+v", cards)
	}
}

func TestCloudRejectsCardOutsideWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"cards":[{"start_time":"2026-03-02T09:00:00Z","end_time":"2026-03-02T09:30:00Z","title":"Coding","summary":"s","category":"development"}]}`)
	}))
	defer srv.Close()

	p := NewCloudProvider("k", srv.URL, []string{"m"})
	_, err := p.GenerateCards(context.Background(), Window{Start: winStart, End: winStart.Add(time.Hour)})
	if got := ClassOf(err); got != ClassParse {
		t.Fatalf("expected parse class for out-of-window card, got %q (%v)", got, err)
	}
}

func TestCloudFallbackTier(t *testing.T) {
	p := NewCloudProvider("k", "http://unused", []string{"a", "b", "c"})

	if got := p.model(); got != "a" {
		t.Fatalf("expected tier a, got %q", got)
	}
	if !p.FallbackTier() {
		t.Fatal("expected fallback to b")
	}
	if !p.FallbackTier() {
		t.Fatal("expected fallback to c")
	}
	if p.FallbackTier() {
		t.Fatal("expected tier list exhausted")
	}
	if got := p.model(); got != "c" {
		t.Fatalf("expected to stay on last tier, got %q", got)
	}
}

func TestClassOfUnclassified(t *testing.T) {
	if got := ClassOf(errors.New("boom")); got != ClassNetwork {
		t.Fatalf("unclassified errors should default to network, got %q", got)
	}
}

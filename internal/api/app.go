// Package api exposes the daemon's control surface: a bearer-authenticated
// HTTP API for the CLI and an MCP server for AI assistants.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retrace-app/retrace/internal/capture"
	"github.com/retrace-app/retrace/internal/storage"
)

const maxPurgeBodySize = 1 << 20

// CaptureController is the capture surface the API drives.
type CaptureController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Status() capture.Snapshot
	Subscribe() (<-chan capture.StateChange, func())
}

// TimelineStore is the slice of storage the API reads and mutates.
type TimelineStore interface {
	CardsInRange(from, to time.Time) ([]storage.Card, error)
	ObservationsInRange(from, to time.Time) ([]storage.Observation, error)
	RecentChunks(limit int) ([]storage.Chunk, error)
	RecentBatches(limit int) ([]storage.Batch, error)
	GetBatch(id string) (storage.Batch, error)
	ResetBatch(id string) error
	SoftDeleteChunksBefore(cutoff time.Time) ([]string, error)
}

type AppDeps struct {
	Store   TimelineStore
	Capture CaptureController
	Token   string
}

// NewAppHandler builds the daemon's HTTP control API. Everything except
// /health requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/capture/start", handleCaptureCommand(deps, "start"))
		r.Post("/capture/stop", handleCaptureCommand(deps, "stop"))
		r.Post("/capture/pause", handleCaptureCommand(deps, "pause"))
		r.Post("/capture/resume", handleCaptureCommand(deps, "resume"))
		r.Get("/events", handleEvents(deps))

		r.Get("/timeline", handleTimeline(deps))
		r.Get("/chunks", handleChunks(deps))
		r.Get("/batches", handleBatches(deps))
		r.Post("/batches/{id}/reprocess", handleReprocess(deps))

		r.Post("/data/purge", handlePurge(deps))
		r.Get("/data/export", handleExport(deps))
	})

	return r
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Capture.Status())
	}
}

func handleCaptureCommand(deps AppDeps, cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch cmd {
		case "start":
			err = deps.Capture.Start(r.Context())
		case "stop":
			err = deps.Capture.Stop(r.Context())
		case "pause":
			err = deps.Capture.Pause(r.Context())
		case "resume":
			err = deps.Capture.Resume(r.Context())
		}
		if err != nil {
			status, errType := captureErrorStatus(err)
			httpError(w, status, errType, "%s failed: %v", cmd, err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Capture.Status())
	}
}

func captureErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, capture.ErrNotIdle), errors.Is(err, capture.ErrNotActive):
		return http.StatusConflict, "invalid_state_error"
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, capture.ErrInsufficientDiskSpace):
		return http.StatusInsufficientStorage, "disk_space_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// handleEvents streams capture state changes as server-sent events.
func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		events, cancel := deps.Capture.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case change, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(change)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func handleTimeline(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := parseRange(r, 24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		cards, err := deps.Store.CardsInRange(from, to)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load timeline: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"from":  from,
			"to":    to,
			"cards": cards,
		})
	}
}

func handleChunks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chunks, err := deps.Store.RecentChunks(parseLimit(r, 50))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list chunks: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
	}
}

func handleBatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := deps.Store.RecentBatches(parseLimit(r, 50))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list batches: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
	}
}

func handleReprocess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		b, err := deps.Store.GetBatch(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get batch: %v", err)
			return
		}
		if b.Status != storage.BatchFailed {
			httpError(w, http.StatusConflict, "invalid_state_error", "only failed batches can be reprocessed (batch is %s)", b.Status)
			return
		}
		if err := deps.Store.ResetBatch(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset batch: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.BatchPending)})
	}
}

type purgeRequest struct {
	Before time.Time `json:"before"`
}

// handlePurge soft-deletes chunk rows older than the cutoff and removes
// their video files from disk.
func handlePurge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPurgeBodySize)
		defer r.Body.Close()

		var req purgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Before.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "before is required")
			return
		}

		paths, err := deps.Store.SoftDeleteChunksBefore(req.Before)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to purge chunks: %v", err)
			return
		}
		removed := 0
		for _, p := range paths {
			if err := os.Remove(p); err == nil || os.IsNotExist(err) {
				removed++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"purged": len(paths), "files_removed": removed})
	}
}

// handleExport dumps cards and observations for a range as one JSON document.
func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, to, err := parseRange(r, 7*24*time.Hour)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		cards, err := deps.Store.CardsInRange(from, to)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load cards: %v", err)
			return
		}
		obs, err := deps.Store.ObservationsInRange(from, to)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load observations: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"from":         from,
			"to":           to,
			"cards":        cards,
			"observations": obs,
		})
	}
}

// parseRange reads from/to query params, defaulting to the span ending now.
func parseRange(r *http.Request, span time.Duration) (time.Time, time.Time, error) {
	now := time.Now()
	from, to := now.Add(-span), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %v", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %v", err)
		}
		to = t
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

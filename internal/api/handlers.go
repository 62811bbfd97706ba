// Package api exposes read-only views of the store over HTTP and MCP:
// ingest status, the ingest log, and entry search. Nothing here writes;
// ingestion stays with the CLI and the watcher.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/engram/internal/lock"
	"github.com/kalambet/engram/internal/storage"
)

// Deps holds what the HTTP surface reads from.
type Deps struct {
	Store *storage.Store
	// DataDir locates the watcher pid file for status reporting. Empty skips
	// the watcher lookup.
	DataDir string
	// Token, when set, gates everything except /healthz behind bearer auth.
	Token string
}

// NewHandler returns the HTTP status API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(bearerAuth(deps.Token))
		}
		r.Get("/api/v1/status", handleStatus(deps))
		r.Get("/api/v1/log", handleIngestLog(deps))
		r.Get("/api/v1/entries/search", handleSearchEntries(deps))
		r.Get("/api/v1/entries/recent", handleRecentEntries(deps))
		r.Handle("/metrics", promhttp.Handler())
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type watcherInfo struct {
	PID     int  `json:"pid"`
	Running bool `json:"running"`
}

type statusResponse struct {
	storage.Stats
	Watcher *watcherInfo `json:"watcher,omitempty"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.CollectStats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "collecting stats: %v", err)
			return
		}

		resp := statusResponse{Stats: stats}
		if deps.DataDir != "" {
			if pid, alive := lock.WatcherRunning(deps.DataDir); pid > 0 {
				resp.Watcher = &watcherInfo{PID: pid, Running: alive}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

type logRow struct {
	File              string    `json:"file"`
	ContentHash       string    `json:"contentHash"`
	IngestedAt        time.Time `json:"ingestedAt"`
	EntriesAdded      int       `json:"entriesAdded"`
	EntriesUpdated    int       `json:"entriesUpdated"`
	EntriesSkipped    int       `json:"entriesSkipped"`
	EntriesSuperseded int       `json:"entriesSuperseded,omitempty"`
	DedupLLMCalls     int       `json:"dedupLlmCalls,omitempty"`
	DurationMs        int64     `json:"durationMs"`
}

func handleIngestLog(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		recs, err := deps.Store.RecentIngestLogs(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading ingest log: %v", err)
			return
		}

		rows := make([]logRow, len(recs))
		for i, rec := range recs {
			rows[i] = logRow{
				File:              rec.FilePath,
				ContentHash:       rec.ContentHash,
				IngestedAt:        rec.IngestedAt,
				EntriesAdded:      rec.EntriesAdded,
				EntriesUpdated:    rec.EntriesUpdated,
				EntriesSkipped:    rec.EntriesSkipped,
				EntriesSuperseded: rec.EntriesSuperseded,
				DedupLLMCalls:     rec.DedupLLMCalls,
				DurationMs:        rec.DurationMs,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

type entryResult struct {
	ID            string          `json:"id"`
	Content       string          `json:"content"`
	Summary       string          `json:"summary,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Tags          json.RawMessage `json:"tags,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	Project       string          `json:"project,omitempty"`
	SourceFile    string          `json:"sourceFile"`
	ObservedCount int             `json:"observedCount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func entryResults(entries []storage.Entry) []entryResult {
	results := make([]entryResult, len(entries))
	for i, e := range entries {
		results[i] = entryResult{
			ID:            e.ID,
			Content:       e.Content,
			Summary:       e.Summary,
			Kind:          e.Kind,
			Tags:          tagsJSON(e.Tags),
			Platform:      e.Platform,
			Project:       e.Project,
			SourceFile:    e.SourceFile,
			ObservedCount: e.ObservedCount,
			CreatedAt:     e.CreatedAt,
		}
	}
	return results
}

// tagsJSON passes the stored tag array through as raw JSON. Unparseable or
// empty values render as an absent field instead of a corrupt document.
func tagsJSON(stored string) json.RawMessage {
	if stored == "" || stored == "[]" {
		return nil
	}
	if !json.Valid([]byte(stored)) {
		return nil
	}
	return json.RawMessage(stored)
}

func handleSearchEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 100)

		entries, err := deps.Store.SearchEntries(r.Context(), query, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "searching entries: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entryResults(entries))
	}
}

func handleRecentEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, 100)

		entries, err := deps.Store.RecentEntries(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing entries: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entryResults(entries))
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

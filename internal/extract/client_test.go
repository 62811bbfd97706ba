package extract

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/engram/internal/dedup"
)

// chatJSON builds a /api/chat response whose message content is the given
// payload serialized to JSON.
func chatJSON(t *testing.T, payload any) []byte {
	t.Helper()
	content, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	resp := map[string]any{"message": map[string]string{"role": "assistant", "content": string(content)}}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshaling response: %v", err)
	}
	return b
}

func TestExtractEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "test-chat" {
			t.Errorf("model = %q, want test-chat", req.Model)
		}
		if req.Format == nil {
			t.Error("expected structured-output format in request")
		}
		w.Write(chatJSON(t, entriesPayload{Entries: []EntryDraft{
			{Content: "We chose SQLite.", Kind: "decision", Tags: []string{"sqlite"}},
			{Content: "   ", Kind: "fact"},
			{Content: "Deploy is Friday.", Kind: "fact"},
		}}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-chat", "test-embed")
	drafts, err := c.ExtractEntries(context.Background(), "some chunk")
	if err != nil {
		t.Fatalf("ExtractEntries: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("got %d drafts, want 2 (blank content dropped)", len(drafts))
	}
	if drafts[0].Content != "We chose SQLite." || drafts[0].Kind != "decision" {
		t.Errorf("drafts[0] = %+v", drafts[0])
	}
}

func TestJudgeDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatJSON(t, verdictPayload{Verdict: "supersedes", Reason: "newer date"}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-chat", "test-embed")
	v, err := c.JudgeDuplicate(context.Background(), "Deploy moved to Monday.", dedup.Candidate{
		EntryID: "e1", Content: "Deploy is Friday.",
	})
	if err != nil {
		t.Fatalf("JudgeDuplicate: %v", err)
	}
	if v != dedup.VerdictSupersedes {
		t.Errorf("verdict = %v, want supersedes", v)
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Errorf("got %d inputs, want 2", len(req.Input))
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2}, {0.3, 0.4}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-chat", "test-embed")
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 2 {
		t.Fatalf("got %v, want 2 vectors of 2 dims", vecs)
	}
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-chat", "test-embed")
	if _, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"}); err == nil {
		t.Fatal("expected error on embedding count mismatch")
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "test-chat", "test-embed")
	vecs, err := c.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil without any HTTP call", vecs)
	}
}

func TestPreflightServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "test-chat", "test-embed")
	if err := c.Preflight(context.Background(), io.Discard); err == nil {
		t.Fatal("expected error when server is down")
	}
}

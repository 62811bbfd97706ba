package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/engram/internal/dedup"
)

// Message is a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a JSON schema fragment sent as the structured-output format for
// chat calls. Nested objects and arrays are expressed through Properties and
// Items.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// Client talks to a local Ollama instance. It implements the extraction,
// duplicate-judge and embedding collaborator contracts consumed by the
// ingestion pipeline.
type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL and model names.
func NewClient(baseURL, chatModel, embedModel string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		// No client timeout: extraction calls on large chunks can run long.
		// Callers bound individual calls through ctx.
		httpClient: &http.Client{Timeout: 0},
	}
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// The server may report "qwen3:latest"; match without the tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// Preflight verifies the server is reachable and both configured models are
// available, pulling missing ones with progress written to w. Run before any
// extraction work so a misconfigured provider fails the run up front instead
// of failing every file.
func (c *Client) Preflight(ctx context.Context, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running at %s; start it with: ollama serve", c.baseURL)
	}
	for _, model := range []string{c.chatModel, c.embedModel} {
		if c.HasModel(ctx, model) {
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		if err := c.pullModel(ctx, model, w); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

// pullRequest is the JSON body for POST /api/pull.
type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type pullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

func (c *Client) pullModel(ctx context.Context, name string, w io.Writer) error {
	body, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p pullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
		}
	}
	return nil
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

// chatResponse is the JSON returned by POST /api/chat (non-streaming).
type chatResponse struct {
	Message Message `json:"message"`
}

func (c *Client) chat(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	cr := chatRequest{Model: c.chatModel, Messages: messages, Stream: false}
	if schema != nil {
		cr.Format = schema
	}
	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}
	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	return result.Message.Content, nil
}

// entriesPayload mirrors the structured extraction response.
type entriesPayload struct {
	Entries []EntryDraft `json:"entries"`
}

// ExtractEntries asks the chat model to extract knowledge entries from one
// transcript chunk. A chunk with nothing worth keeping yields an empty slice,
// not an error.
func (c *Client) ExtractEntries(ctx context.Context, chunk string) ([]EntryDraft, error) {
	raw, err := c.chat(ctx, buildExtractionPrompt(chunk), entriesSchema)
	if err != nil {
		return nil, err
	}
	var payload entriesPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("parsing extraction response: %w", err)
	}
	drafts := payload.Entries[:0:0]
	for _, d := range payload.Entries {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// verdictPayload mirrors the structured judge response.
type verdictPayload struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// JudgeDuplicate asks the chat model whether new content duplicates an
// existing stored entry.
func (c *Client) JudgeDuplicate(ctx context.Context, content string, existing dedup.Candidate) (dedup.Verdict, error) {
	raw, err := c.chat(ctx, buildJudgePrompt(content, existing), verdictSchema)
	if err != nil {
		return dedup.VerdictDistinct, err
	}
	var payload verdictPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return dedup.VerdictDistinct, fmt.Errorf("parsing judge response: %w", err)
	}
	return dedup.ParseVerdict(payload.Verdict), nil
}

// embedRequest is the JSON body for POST /api/embed. Input carries the whole
// batch so one call embeds all texts.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON returned by POST /api/embed.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch embeds all texts in a single call, returning one vector per
// input in order. A count mismatch between inputs and returned vectors is an
// error; callers treat it as a hard batch failure.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: unexpected status %d", resp.StatusCode)
	}
	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

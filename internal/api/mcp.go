package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/engram/internal/lock"
	"github.com/kalambet/engram/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	DataDir string
}

// NewMCPServer creates an MCP server exposing the store to agent clients:
// full-text entry search, recent entries, and ingest status, all read-only.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"engram",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("engram — knowledge entries extracted from session transcripts. Search stored facts, list recent ones, and check ingest state."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_entries",
			mcp.WithDescription("Full-text search over stored knowledge entries."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_entries",
			mcp.WithDescription("List the most recently stored knowledge entries."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecentEntries(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_status",
			mcp.WithDescription("Report store counts, bulk-mode state, and whether a watcher process is running."),
		),
		mcpIngestStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"engram://ingest-log",
			"Ingest Log",
			mcp.WithResourceDescription("Most recent ingest log rows as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceIngestLog(deps),
	)

	return s
}

func mcpSearchEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		entries, err := deps.Store.SearchEntries(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entryResults(entries))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentEntries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		entries, err := deps.Store.RecentEntries(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing entries failed: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entryResults(entries))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpIngestStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Store.CollectStats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("collecting stats failed: %v", err)), nil
		}

		resp := statusResponse{Stats: stats}
		if deps.DataDir != "" {
			if pid, alive := lock.WatcherRunning(deps.DataDir); pid > 0 {
				resp.Watcher = &watcherInfo{PID: pid, Running: alive}
			}
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceIngestLog(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Store.RecentIngestLogs(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("reading ingest log: %w", err)
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

		b, err := json.Marshal(rows)
		if err != nil {
			return nil, fmt.Errorf("marshaling ingest log: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// Package mcp exposes persisted scbridge runs and predictions as a
// read-only Model Context Protocol server, so agents can look up which
// cell types were assigned without re-running a pipeline.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scbridge/scbridge/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string
}

// dbMu serializes tool calls that touch the database. The mcp-go library
// dispatches handlers concurrently via goroutines; SQLite supports only
// one writer at a time.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all scbridge tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"scbridge",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerRunsTool(s, cfg.Store)
	registerPredictionsTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)
	registerRecentRunsResource(s, cfg.Store)
	return s
}

// runView is the compact wire representation of a run.
type runView struct {
	ID         int64  `json:"id"`
	Pipeline   string `json:"pipeline"`
	Dataset    string `json:"dataset"`
	Reference  string `json:"reference,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	Seed       int64  `json:"seed"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func viewOf(r *store.Run) runView {
	v := runView{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Dataset:   r.DatasetPath,
		Reference: r.ReferencePath,
		ModelID:   r.ModelID,
		Seed:      r.Seed,
		Status:    r.Status,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		v.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return v
}

func registerRunsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("scbridge_runs",
		mcp.WithDescription("List recent scbridge pipeline runs with their status, parameters, and model handles."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 20
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
			if limit > 100 {
				limit = 100
			}
		}

		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing runs: %v", err)), nil
		}
		views := make([]runView, 0, len(runs))
		for _, r := range runs {
			views = append(views, viewOf(r))
		}
		data, _ := json.MarshalIndent(views, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerPredictionsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("scbridge_predictions",
		mcp.WithDescription("Fetch per-cell cell-type calls for a finished assignment run."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("run_id",
			mcp.Required(),
			mcp.Description("Run identifier, as returned by scbridge_runs"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of cells (default: 100, max: 5000)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runIDVal, err := req.RequireFloat("run_id")
		if err != nil {
			return mcp.NewToolResultError("run_id is required"), nil
		}
		limit := 100
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
			if limit > 5000 {
				limit = 5000
			}
		}

		rows, err := st.GetPredictions(ctx, int64(runIDVal), limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("fetching predictions: %v", err)), nil
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("scbridge_stats",
		mcp.WithDescription("Report store statistics: run and prediction counts and database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("getting stats: %v", err)), nil
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRecentRunsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"scbridge://runs",
		"Recent Runs",
		mcp.WithResourceDescription("The 20 most recent pipeline runs."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		runs, err := st.ListRuns(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		views := make([]runView, 0, len(runs))
		for _, r := range runs {
			views = append(views, viewOf(r))
		}
		data, _ := json.MarshalIndent(views, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"github.com/scbridge/scbridge/internal/store"
)

// setupTestStore creates a store with one finished assignment run and its
// predictions.
func setupTestStore(t *testing.T) (store.Store, int64) {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	id, err := s.CreateRun(ctx, &store.Run{
		Pipeline:    "assign",
		DatasetPath: "/data/SCPCL000001",
		Seed:        2024,
	})
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := s.FinishRun(ctx, id, store.StatusComplete, "m-1", ""); err != nil {
		t.Fatalf("finishing run: %v", err)
	}
	err = s.AddPredictions(ctx, []store.PredictionRow{
		{RunID: id, Barcode: "AAAC", CellType: "neuron", Probability: 0.9},
		{RunID: id, Barcode: "AAAG", CellType: "glia", Probability: 0.7},
	})
	if err != nil {
		t.Fatalf("adding predictions: %v", err)
	}
	return s, id
}

func TestNewServer(t *testing.T) {
	s, _ := setupTestStore(t)
	if srv := NewServer(ServerConfig{Store: s}); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

// callTool invokes an MCP tool through the JSON-RPC surface and returns
// the text content of the result.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) string {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	result := srv.HandleMessage(context.Background(), payload)
	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result.IsError {
		t.Fatalf("tool error: %v", resp.Result.Content)
	}
	if len(resp.Result.Content) == 0 {
		t.Fatal("no content in result")
	}
	return resp.Result.Content[0].Text
}

func TestRunsTool(t *testing.T) {
	s, _ := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text := callTool(t, srv, "scbridge_runs", map[string]any{})
	var views []runView
	if err := json.Unmarshal([]byte(text), &views); err != nil {
		t.Fatalf("unmarshal runs: %v\nraw: %s", err, text)
	}
	if len(views) != 1 {
		t.Fatalf("got %d runs, want 1", len(views))
	}
	if views[0].Pipeline != "assign" || views[0].Status != store.StatusComplete || views[0].ModelID != "m-1" {
		t.Errorf("run view = %+v", views[0])
	}
}

func TestPredictionsTool(t *testing.T) {
	s, runID := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text := callTool(t, srv, "scbridge_predictions", map[string]any{"run_id": float64(runID)})
	var rows []store.PredictionRow
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		t.Fatalf("unmarshal predictions: %v\nraw: %s", err, text)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d predictions, want 2", len(rows))
	}
	if rows[0].Barcode != "AAAC" || rows[0].CellType != "neuron" {
		t.Errorf("first row = %+v", rows[0])
	}
}

func TestStatsTool(t *testing.T) {
	s, _ := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text := callTool(t, srv, "scbridge_stats", map[string]any{})
	if !strings.Contains(text, "\"RunCount\": 1") {
		t.Errorf("stats output missing run count: %s", text)
	}
	if !strings.Contains(text, "\"PredictionCount\": 2") {
		t.Errorf("stats output missing prediction count: %s", text)
	}
}

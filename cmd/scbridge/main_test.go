package main

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/scbridge/scbridge/internal/store"
)

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "scbridge.db")
}

func seedRun(t *testing.T, dbPath string) int64 {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{DBPath: dbPath})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	id, err := st.CreateRun(ctx, &store.Run{Pipeline: "assign", DatasetPath: "/d", Seed: 2024})
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := st.FinishRun(ctx, id, store.StatusComplete, "m-1", ""); err != nil {
		t.Fatalf("finishing run: %v", err)
	}
	err = st.AddPredictions(ctx, []store.PredictionRow{
		{RunID: id, Barcode: "AAAC", CellType: "neuron", Probability: 0.9},
	})
	if err != nil {
		t.Fatalf("adding predictions: %v", err)
	}
	return id
}

func TestRunRuns(t *testing.T) {
	db := testDB(t)
	seedRun(t, db)

	if err := runRuns([]string{"--db", db}); err != nil {
		t.Fatalf("runRuns failed: %v", err)
	}
}

func TestRunPredictions(t *testing.T) {
	db := testDB(t)
	id := seedRun(t, db)

	if err := runPredictions([]string{"--db", db, strconv.FormatInt(id, 10)}); err != nil {
		t.Fatalf("runPredictions failed: %v", err)
	}

	err := runPredictions([]string{"--db", db, "999"})
	if err == nil {
		t.Fatal("expected error for unknown run")
	}

	err = runPredictions([]string{"--db", db, "not-a-number"})
	if err == nil || !strings.Contains(err.Error(), "invalid run id") {
		t.Errorf("want invalid run id error, got %v", err)
	}
}

func TestRunExpressUsage(t *testing.T) {
	if err := runExpress([]string{}); err == nil {
		t.Error("expected usage error with no arguments")
	}
	if err := runAssign([]string{"only-one-arg"}); err == nil {
		t.Error("expected usage error with one argument")
	}
}

func TestRunExpressNoEndpoint(t *testing.T) {
	dir := t.TempDir()
	err := runExpress([]string{
		"--db", testDB(t),
		"--config", filepath.Join(dir, "absent.yaml"),
		dir,
	})
	if err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Errorf("want missing-endpoint error, got %v", err)
	}
}

func TestRunConfig(t *testing.T) {
	if err := runConfig([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}); err != nil {
		t.Fatalf("runConfig failed: %v", err)
	}
}

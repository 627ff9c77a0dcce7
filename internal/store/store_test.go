package store

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateRun(ctx, &Run{
		Pipeline:    "assign",
		DatasetPath: "/data/SCPCL000001",
		Seed:        2024,
		ParamsJSON:  `{"accelerator":"gpu"}`,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	r, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if r.Status != StatusRunning {
		t.Errorf("status = %q, want running", r.Status)
	}
	if r.Seed != 2024 {
		t.Errorf("seed = %d, want 2024", r.Seed)
	}
	if r.FinishedAt != nil {
		t.Error("FinishedAt set before FinishRun")
	}

	if err := s.FinishRun(ctx, id, StatusComplete, "m-7", ""); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}
	r, err = s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun after finish failed: %v", err)
	}
	if r.Status != StatusComplete || r.ModelID != "m-7" || r.FinishedAt == nil {
		t.Errorf("run after finish = %+v", r)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	if err := s.FinishRun(context.Background(), 99, StatusFailed, "", "boom"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun: want ErrNotFound, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []string{"express", "assign", "assign"} {
		if _, err := s.CreateRun(ctx, &Run{Pipeline: p, DatasetPath: "/d", Seed: 2024}); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID < runs[1].ID {
		t.Error("runs not ordered newest first")
	}
}

func TestPredictions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateRun(ctx, &Run{Pipeline: "assign", DatasetPath: "/d", Seed: 2024})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	rows := []PredictionRow{
		{RunID: id, Barcode: "AAAG", CellType: "glia", Probability: 0.8},
		{RunID: id, Barcode: "AAAC", CellType: "neuron", Probability: 0.9},
	}
	if err := s.AddPredictions(ctx, rows); err != nil {
		t.Fatalf("AddPredictions failed: %v", err)
	}

	got, err := s.GetPredictions(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetPredictions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d predictions, want 2", len(got))
	}
	// Barcode order.
	if got[0].Barcode != "AAAC" || got[0].CellType != "neuron" {
		t.Errorf("first prediction = %+v", got[0])
	}

	// Duplicate barcode for the same run is rejected.
	err = s.AddPredictions(ctx, []PredictionRow{{RunID: id, Barcode: "AAAC", CellType: "x", Probability: 1}})
	if err == nil {
		t.Error("expected error for duplicate barcode")
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.RunCount != 1 || st.PredictionCount != 2 {
		t.Errorf("stats = %+v", st)
	}
}

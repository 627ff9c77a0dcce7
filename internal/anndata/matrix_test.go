package anndata

import "testing"

// smallMatrix builds a 3-cell x 3-gene matrix with per-cell totals 10, 20, 30.
func smallMatrix(t *testing.T) *Matrix {
	t.Helper()
	coo := &COO{
		Rows:   3,
		Cols:   3,
		RowIdx: []int32{0, 0, 1, 1, 2, 2},
		ColIdx: []int32{0, 2, 0, 1, 1, 2},
		Val:    []float64{4, 6, 8, 12, 13, 17},
	}
	x, err := coo.ToCSR()
	if err != nil {
		t.Fatalf("ToCSR failed: %v", err)
	}
	return &Matrix{
		X:        x,
		Obs:      NewObs([]string{"AAAC", "AAAG", "AAAT"}),
		VarNames: []string{"G1", "G2", "G3"},
	}
}

func TestToCSRSortsAndMerges(t *testing.T) {
	coo := &COO{
		Rows:   2,
		Cols:   3,
		RowIdx: []int32{0, 0, 0, 1},
		ColIdx: []int32{2, 0, 2, 1},
		Val:    []float64{1, 5, 2, 7},
	}
	x, err := coo.ToCSR()
	if err != nil {
		t.Fatalf("ToCSR failed: %v", err)
	}
	if x.NNZ() != 3 {
		t.Fatalf("NNZ = %d, want 3 after merging duplicates", x.NNZ())
	}
	if got := x.At(0, 2); got != 3 {
		t.Errorf("At(0,2) = %g, want 3 (summed duplicate)", got)
	}
	if got := x.At(0, 0); got != 5 {
		t.Errorf("At(0,0) = %g, want 5", got)
	}
	// Sorted within the row.
	if x.ColIdx[0] != 0 || x.ColIdx[1] != 2 {
		t.Errorf("row 0 columns = %v, want [0 2]", x.ColIdx[:2])
	}
}

func TestRowSums(t *testing.T) {
	m := smallMatrix(t)
	sums := m.X.RowSums()
	want := []float64{10, 20, 30}
	for i := range want {
		if sums[i] != want[i] {
			t.Errorf("RowSums[%d] = %g, want %g", i, sums[i], want[i])
		}
	}
}

func TestSetLayerIndependence(t *testing.T) {
	m := smallMatrix(t)
	if err := m.SetLayer("counts", m.X); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}

	// Mutate the working matrix; the stored layer must keep the raw values.
	m.X.Val[0] = 999
	if got := m.Layer("counts").At(0, 0); got != 4 {
		t.Errorf("layer value changed to %g after working-matrix mutation, want 4", got)
	}
}

func TestSetLayerShapeMismatch(t *testing.T) {
	m := smallMatrix(t)
	bad := &CSR{Rows: 2, Cols: 3, RowPtr: []int64{0, 0, 0}}
	if err := m.SetLayer("counts", bad); err == nil {
		t.Fatal("expected error for mismatched layer shape")
	}
}

func TestSubsetGenes(t *testing.T) {
	m := smallMatrix(t)
	if err := m.SetLayer("counts", m.X); err != nil {
		t.Fatalf("SetLayer failed: %v", err)
	}

	sub, err := m.SubsetGenes([]string{"G2", "G1"})
	if err != nil {
		t.Fatalf("SubsetGenes failed: %v", err)
	}

	// Dataset gene order is preserved regardless of request order.
	if sub.NGenes() != 2 || sub.VarNames[0] != "G1" || sub.VarNames[1] != "G2" {
		t.Fatalf("VarNames = %v, want [G1 G2]", sub.VarNames)
	}
	if sub.NCells() != 3 {
		t.Errorf("NCells = %d, want 3", sub.NCells())
	}
	if got := sub.X.At(1, 1); got != 12 {
		t.Errorf("sub[1,G2] = %g, want 12", got)
	}
	if sub.Layer("counts") == nil {
		t.Error("layer not carried through subsetting")
	}

	// Independence: mutating the subset must not touch the original.
	sub.X.Val[0] = 999
	if got := m.X.At(0, 0); got != 4 {
		t.Errorf("original mutated through subset: At(0,0) = %g, want 4", got)
	}

	if _, err := m.SubsetGenes([]string{"G1", "G9"}); err == nil {
		t.Error("expected error for unknown gene")
	}
}

func TestSelectColumnsEmpty(t *testing.T) {
	m := smallMatrix(t)
	x, err := m.X.SelectColumns(nil)
	if err != nil {
		t.Fatalf("SelectColumns(nil) failed: %v", err)
	}
	if x.Cols != 0 || x.NNZ() != 0 {
		t.Errorf("got %d cols, %d entries, want empty", x.Cols, x.NNZ())
	}
}

func TestObsColumns(t *testing.T) {
	m := smallMatrix(t)
	if err := m.Obs.SetNum("size_factor", []float64{0.5, 1.0, 1.5}); err != nil {
		t.Fatalf("SetNum failed: %v", err)
	}
	if err := m.Obs.SetNum("size_factor", []float64{0.5}); err == nil {
		t.Error("expected error for wrong column length")
	}

	clone := m.Obs.Clone()
	clone.Num["size_factor"][0] = 42
	if m.Obs.Num["size_factor"][0] != 0.5 {
		t.Error("Clone aliases numeric columns")
	}
}

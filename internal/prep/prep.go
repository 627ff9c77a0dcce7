// Package prep implements the deterministic preprocessing both pipelines
// run before handing data to the model service.
//
// The expression pipeline only materializes an untouched counts layer. The
// assignment pipeline intersects the dataset with a marker reference,
// subsets to the shared genes, and attaches per-cell size factors computed
// from the full, unsubsetted matrix.
package prep

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scbridge/scbridge/internal/anndata"
	"github.com/scbridge/scbridge/internal/reference"
)

// CountsLayer is the layer name the model service reads raw counts from.
const CountsLayer = "counts"

// SizeFactorKey is the obs column carrying per-cell size factors.
const SizeFactorKey = "size_factor"

// ErrSchema marks inputs missing a required structural element: no working
// matrix to copy, or an empty shared-gene intersection.
var ErrSchema = errors.New("dataset schema error")

// ErrDegenerateInput marks numerically unusable input, e.g. an all-zero
// matrix whose mean total count would be a zero denominator.
var ErrDegenerateInput = errors.New("degenerate input")

// minMeanTotal guards the size-factor denominator against effectively
// empty matrices.
const minMeanTotal = 1e-12

// MaterializeCounts stores an independent copy of the working matrix as
// the named layer. Pass layer == "" for the default "counts".
func MaterializeCounts(m *anndata.Matrix, layer string) error {
	if layer == "" {
		layer = CountsLayer
	}
	if m == nil || m.X == nil {
		return fmt.Errorf("%w: no working matrix to copy into layer %q", ErrSchema, layer)
	}
	return m.SetLayer(layer, m.X)
}

// SharedGenes returns the intersection of the reference's gene identifiers
// and the matrix's var names, sorted lexically so the result is independent
// of either input's ordering.
func SharedGenes(ref *reference.Reference, m *anndata.Matrix) []string {
	var shared []string
	for _, g := range m.VarNames {
		if ref.Has(g) {
			shared = append(shared, g)
		}
	}
	sort.Strings(shared)
	return shared
}

// SizeFactors computes one scalar per cell: the cell's total count divided
// by the mean total over all cells. Must be called on the full matrix,
// before any gene subsetting, since subsetting changes per-cell totals.
func SizeFactors(m *anndata.Matrix) ([]float64, error) {
	totals := m.X.RowSums()
	if len(totals) == 0 {
		return nil, fmt.Errorf("%w: matrix has no cells", ErrDegenerateInput)
	}
	var sum float64
	for _, tot := range totals {
		sum += tot
	}
	mean := sum / float64(len(totals))
	if mean < minMeanTotal {
		return nil, fmt.Errorf("%w: mean total count %g is zero or near zero", ErrDegenerateInput, mean)
	}
	factors := make([]float64, len(totals))
	for i, tot := range totals {
		factors[i] = tot / mean
	}
	return factors, nil
}

// PrepareAssign builds the assignment pipeline's model input: the matrix
// subset to the genes shared with the reference, converted to CSR, with
// size factors from the full matrix attached as the "size_factor" obs
// column. The returned matrix is an independent copy; the input is left
// untouched.
func PrepareAssign(ref *reference.Reference, m *anndata.Matrix) (*anndata.Matrix, error) {
	shared := SharedGenes(ref, m)
	if len(shared) == 0 {
		return nil, fmt.Errorf("%w: no genes shared between reference and dataset", ErrSchema)
	}

	// Size factors come from the full matrix, strictly before subsetting.
	factors, err := SizeFactors(m)
	if err != nil {
		return nil, err
	}

	subset, err := m.SubsetGenes(shared)
	if err != nil {
		return nil, err
	}
	if err := subset.Obs.SetNum(SizeFactorKey, factors); err != nil {
		return nil, err
	}
	return subset, nil
}

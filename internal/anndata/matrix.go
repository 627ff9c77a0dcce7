// Package anndata provides the annotated count-matrix container used by
// both pipelines: a cells x genes sparse matrix paired with per-cell
// metadata (obs), per-gene identifiers (var), and named alternate layers.
//
// The layout mirrors the AnnData convention from the single-cell ecosystem:
// the primary matrix X may be replaced by a transformed working copy while
// untouched raw counts live on as a layer.
package anndata

import "fmt"

// Obs holds per-cell metadata keyed by barcode order. String and numeric
// columns are kept separately; both are aligned with Barcodes.
type Obs struct {
	Barcodes []string
	Str      map[string][]string
	Num      map[string][]float64
}

// NewObs creates an Obs table for the given barcodes.
func NewObs(barcodes []string) *Obs {
	return &Obs{
		Barcodes: barcodes,
		Str:      make(map[string][]string),
		Num:      make(map[string][]float64),
	}
}

// SetNum attaches a numeric per-cell column. The column length must match
// the number of cells.
func (o *Obs) SetNum(key string, vals []float64) error {
	if len(vals) != len(o.Barcodes) {
		return fmt.Errorf("column %q has %d values for %d cells", key, len(vals), len(o.Barcodes))
	}
	col := make([]float64, len(vals))
	copy(col, vals)
	o.Num[key] = col
	return nil
}

// SetStr attaches a string per-cell column.
func (o *Obs) SetStr(key string, vals []string) error {
	if len(vals) != len(o.Barcodes) {
		return fmt.Errorf("column %q has %d values for %d cells", key, len(vals), len(o.Barcodes))
	}
	col := make([]string, len(vals))
	copy(col, vals)
	o.Str[key] = col
	return nil
}

// Clone returns an independent deep copy.
func (o *Obs) Clone() *Obs {
	out := NewObs(append([]string(nil), o.Barcodes...))
	for k, v := range o.Str {
		out.Str[k] = append([]string(nil), v...)
	}
	for k, v := range o.Num {
		out.Num[k] = append([]float64(nil), v...)
	}
	return out
}

// Matrix is an annotated cells x genes count matrix.
type Matrix struct {
	X        *CSR            // working matrix
	Obs      *Obs            // per-cell metadata
	VarNames []string        // stable gene identifiers (Ensembl IDs)
	Symbols  []string        // gene symbols, may be empty
	Layers   map[string]*CSR // alternate copies of the matrix
}

// NCells returns the number of cells (rows).
func (m *Matrix) NCells() int { return m.X.Rows }

// NGenes returns the number of genes (columns).
func (m *Matrix) NGenes() int { return m.X.Cols }

// Layer returns the named layer, or nil if absent.
func (m *Matrix) Layer(name string) *CSR {
	if m.Layers == nil {
		return nil
	}
	return m.Layers[name]
}

// SetLayer stores an independent copy of x under name. Later mutation of x
// or of the working matrix does not affect the stored layer.
func (m *Matrix) SetLayer(name string, x *CSR) error {
	if x == nil {
		return fmt.Errorf("layer %q: nil matrix", name)
	}
	if x.Rows != m.NCells() || x.Cols != m.NGenes() {
		return fmt.Errorf("layer %q: shape %dx%d does not match matrix %dx%d",
			name, x.Rows, x.Cols, m.NCells(), m.NGenes())
	}
	if m.Layers == nil {
		m.Layers = make(map[string]*CSR)
	}
	m.Layers[name] = x.Clone()
	return nil
}

// Copy returns an independent deep copy of the matrix, its metadata, and
// all layers.
func (m *Matrix) Copy() *Matrix {
	out := &Matrix{
		X:        m.X.Clone(),
		Obs:      m.Obs.Clone(),
		VarNames: append([]string(nil), m.VarNames...),
	}
	if m.Symbols != nil {
		out.Symbols = append([]string(nil), m.Symbols...)
	}
	if m.Layers != nil {
		out.Layers = make(map[string]*CSR, len(m.Layers))
		for name, l := range m.Layers {
			out.Layers[name] = l.Clone()
		}
	}
	return out
}

// SubsetGenes returns an independent copy of the matrix restricted to the
// named genes, in dataset gene order. All cells are retained; layers are
// subset alongside the working matrix. Unknown gene names are an error.
func (m *Matrix) SubsetGenes(names []string) (*Matrix, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var cols []int
	var varNames, symbols []string
	for j, n := range m.VarNames {
		if !want[n] {
			continue
		}
		cols = append(cols, j)
		varNames = append(varNames, n)
		if m.Symbols != nil {
			symbols = append(symbols, m.Symbols[j])
		}
		delete(want, n)
	}
	for n := range want {
		return nil, fmt.Errorf("gene %q not present in matrix", n)
	}

	x, err := m.X.SelectColumns(cols)
	if err != nil {
		return nil, err
	}
	out := &Matrix{
		X:        x,
		Obs:      m.Obs.Clone(),
		VarNames: varNames,
		Symbols:  symbols,
	}
	for name, l := range m.Layers {
		sub, err := l.SelectColumns(cols)
		if err != nil {
			return nil, fmt.Errorf("subsetting layer %q: %w", name, err)
		}
		if out.Layers == nil {
			out.Layers = make(map[string]*CSR, len(m.Layers))
		}
		out.Layers[name] = sub
	}
	return out, nil
}

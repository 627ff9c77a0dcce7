package anndata

import "fmt"

// COO is a coordinate-format sparse matrix as read from a MatrixMarket file.
// Triplets are kept in file order; duplicate entries are not merged until
// conversion to CSR.
type COO struct {
	Rows, Cols int
	RowIdx     []int32
	ColIdx     []int32
	Val        []float64
}

// CSR is a row-compressed sparse matrix. RowPtr has Rows+1 entries; the
// column indices of row i live in ColIdx[RowPtr[i]:RowPtr[i+1]], sorted
// ascending within each row.
type CSR struct {
	Rows, Cols int
	RowPtr     []int64
	ColIdx     []int32
	Val        []float64
}

// NNZ returns the number of stored entries.
func (c *CSR) NNZ() int { return len(c.Val) }

// ToCSR converts the triplet form to row-compressed form. Duplicate
// coordinates are summed.
func (c *COO) ToCSR() (*CSR, error) {
	for k := range c.Val {
		r, col := c.RowIdx[k], c.ColIdx[k]
		if r < 0 || int(r) >= c.Rows || col < 0 || int(col) >= c.Cols {
			return nil, fmt.Errorf("entry %d: coordinate (%d,%d) outside %dx%d matrix", k, r, col, c.Rows, c.Cols)
		}
	}

	// Count entries per row, then prefix-sum into row pointers.
	counts := make([]int64, c.Rows+1)
	for _, r := range c.RowIdx {
		counts[r+1]++
	}
	for i := 0; i < c.Rows; i++ {
		counts[i+1] += counts[i]
	}

	out := &CSR{
		Rows:   c.Rows,
		Cols:   c.Cols,
		RowPtr: counts,
		ColIdx: make([]int32, len(c.Val)),
		Val:    make([]float64, len(c.Val)),
	}

	next := make([]int64, c.Rows)
	copy(next, out.RowPtr[:c.Rows])
	for k := range c.Val {
		r := c.RowIdx[k]
		p := next[r]
		out.ColIdx[p] = c.ColIdx[k]
		out.Val[p] = c.Val[k]
		next[r] = p + 1
	}

	out.sortRows()
	out.mergeDuplicates()
	return out, nil
}

// sortRows orders each row's entries by column index (insertion sort; rows
// in single-cell matrices are short relative to the gene count).
func (c *CSR) sortRows() {
	for i := 0; i < c.Rows; i++ {
		lo, hi := c.RowPtr[i], c.RowPtr[i+1]
		for p := lo + 1; p < hi; p++ {
			col, val := c.ColIdx[p], c.Val[p]
			q := p
			for q > lo && c.ColIdx[q-1] > col {
				c.ColIdx[q] = c.ColIdx[q-1]
				c.Val[q] = c.Val[q-1]
				q--
			}
			c.ColIdx[q] = col
			c.Val[q] = val
		}
	}
}

// mergeDuplicates collapses adjacent equal-column entries within each row.
// Assumes rows are sorted.
func (c *CSR) mergeDuplicates() {
	outPtr := make([]int64, len(c.RowPtr))
	w := int64(0)
	for i := 0; i < c.Rows; i++ {
		outPtr[i] = w
		lo, hi := c.RowPtr[i], c.RowPtr[i+1]
		for p := lo; p < hi; p++ {
			if w > outPtr[i] && c.ColIdx[w-1] == c.ColIdx[p] {
				c.Val[w-1] += c.Val[p]
				continue
			}
			c.ColIdx[w] = c.ColIdx[p]
			c.Val[w] = c.Val[p]
			w++
		}
	}
	outPtr[c.Rows] = w
	c.RowPtr = outPtr
	c.ColIdx = c.ColIdx[:w]
	c.Val = c.Val[:w]
}

// Clone returns an independent deep copy.
func (c *CSR) Clone() *CSR {
	out := &CSR{
		Rows:   c.Rows,
		Cols:   c.Cols,
		RowPtr: make([]int64, len(c.RowPtr)),
		ColIdx: make([]int32, len(c.ColIdx)),
		Val:    make([]float64, len(c.Val)),
	}
	copy(out.RowPtr, c.RowPtr)
	copy(out.ColIdx, c.ColIdx)
	copy(out.Val, c.Val)
	return out
}

// At returns the value at (i, j) using binary search within row i.
func (c *CSR) At(i, j int) float64 {
	lo, hi := c.RowPtr[i], c.RowPtr[i+1]
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case int(c.ColIdx[mid]) < j:
			lo = mid + 1
		case int(c.ColIdx[mid]) > j:
			hi = mid
		default:
			return c.Val[mid]
		}
	}
	return 0
}

// RowSums returns per-row totals without densifying.
func (c *CSR) RowSums() []float64 {
	sums := make([]float64, c.Rows)
	for i := 0; i < c.Rows; i++ {
		var s float64
		for p := c.RowPtr[i]; p < c.RowPtr[i+1]; p++ {
			s += c.Val[p]
		}
		sums[i] = s
	}
	return sums
}

// SelectColumns returns a new CSR restricted to the given column indices,
// in the given order. Indices must be valid columns of the receiver.
func (c *CSR) SelectColumns(cols []int) (*CSR, error) {
	remap := make(map[int32]int32, len(cols))
	for newCol, oldCol := range cols {
		if oldCol < 0 || oldCol >= c.Cols {
			return nil, fmt.Errorf("column %d outside matrix with %d columns", oldCol, c.Cols)
		}
		remap[int32(oldCol)] = int32(newCol)
	}

	out := &CSR{
		Rows:   c.Rows,
		Cols:   len(cols),
		RowPtr: make([]int64, c.Rows+1),
	}
	for i := 0; i < c.Rows; i++ {
		out.RowPtr[i] = int64(len(out.Val))
		for p := c.RowPtr[i]; p < c.RowPtr[i+1]; p++ {
			if newCol, ok := remap[c.ColIdx[p]]; ok {
				out.ColIdx = append(out.ColIdx, newCol)
				out.Val = append(out.Val, c.Val[p])
			}
		}
	}
	out.RowPtr[c.Rows] = int64(len(out.Val))
	out.sortRows()
	return out, nil
}

// DenseRow writes row i into dst as float32 and returns it. dst must have
// length Cols; a nil dst is allocated.
func (c *CSR) DenseRow(i int, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, c.Cols)
	}
	for j := range dst {
		dst[j] = 0
	}
	for p := c.RowPtr[i]; p < c.RowPtr[i+1]; p++ {
		dst[c.ColIdx[p]] = float32(c.Val[p])
	}
	return dst
}

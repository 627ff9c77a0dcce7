// Package reference loads marker-gene reference tables: a genes x cell-types
// matrix of marker indicators, indexed by stable Ensembl gene identifiers
// rather than symbols.
package reference

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// IndexColumn is the required header name of the gene-identifier column.
const IndexColumn = "ensembl_gene_id"

// ErrFormat marks a structurally invalid reference file.
var ErrFormat = errors.New("malformed marker reference")

// Reference is a marker-gene reference: M[i][j] is the marker weight of
// gene Genes[i] for cell type CellTypes[j]. Weights are usually 0/1 but
// fractional values are accepted.
type Reference struct {
	Genes     []string
	CellTypes []string
	M         *mat.Dense

	index map[string]int
}

// Load reads a tab-separated reference table. The header must contain an
// "ensembl_gene_id" column (in any position); every other column is a cell
// type. Rows with duplicate gene identifiers are rejected.
func Load(path string) (*Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: %s is empty", ErrFormat, path)
	}
	header := strings.Split(strings.TrimRight(sc.Text(), "\r\n"), "\t")

	idxCol := -1
	var cellTypes []string
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == IndexColumn {
			if idxCol != -1 {
				return nil, fmt.Errorf("%w: %s: duplicate %s column", ErrFormat, path, IndexColumn)
			}
			idxCol = i
			continue
		}
		if h == "" {
			return nil, fmt.Errorf("%w: %s: empty cell-type column name", ErrFormat, path)
		}
		cellTypes = append(cellTypes, h)
	}
	if idxCol == -1 {
		return nil, fmt.Errorf("%w: %s: missing %s column", ErrFormat, path, IndexColumn)
	}
	if len(cellTypes) == 0 {
		return nil, fmt.Errorf("%w: %s: no cell-type columns", ErrFormat, path)
	}

	var genes []string
	var values []float64
	index := make(map[string]int)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("%w: %s: row %d has %d fields, header has %d", ErrFormat, path, len(genes)+2, len(fields), len(header))
		}
		gene := strings.TrimSpace(fields[idxCol])
		if gene == "" {
			return nil, fmt.Errorf("%w: %s: empty gene identifier at row %d", ErrFormat, path, len(genes)+2)
		}
		if _, dup := index[gene]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate gene %q", ErrFormat, path, gene)
		}
		index[gene] = len(genes)
		genes = append(genes, gene)
		for i, raw := range fields {
			if i == idxCol {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: gene %s: bad marker value %q", ErrFormat, path, gene, raw)
			}
			if v < 0 {
				return nil, fmt.Errorf("%w: %s: gene %s: negative marker value %g", ErrFormat, path, gene, v)
			}
			values = append(values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: %s: no gene rows", ErrFormat, path)
	}

	return &Reference{
		Genes:     genes,
		CellTypes: cellTypes,
		M:         mat.NewDense(len(genes), len(cellTypes), values),
		index:     index,
	}, nil
}

// Has reports whether the reference indexes the given gene.
func (r *Reference) Has(gene string) bool {
	_, ok := r.index[gene]
	return ok
}

// Marker returns the marker weight for a gene/cell-type pair, or 0 if the
// gene is not indexed.
func (r *Reference) Marker(gene, cellType string) float64 {
	i, ok := r.index[gene]
	if !ok {
		return 0
	}
	for j, ct := range r.CellTypes {
		if ct == cellType {
			return r.M.At(i, j)
		}
	}
	return 0
}

// Rows returns the marker rows for the given genes, in the given order, as
// a genes x cell-types dense matrix. Unknown genes are an error.
func (r *Reference) Rows(genes []string) (*mat.Dense, error) {
	out := mat.NewDense(len(genes), len(r.CellTypes), nil)
	for i, g := range genes {
		ri, ok := r.index[g]
		if !ok {
			return nil, fmt.Errorf("gene %q not in reference", g)
		}
		out.SetRow(i, mat.Row(nil, ri, r.M))
	}
	return out, nil
}

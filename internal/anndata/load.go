package anndata

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrFormat marks a structurally invalid input file. Missing files surface
// the underlying fs.ErrNotExist instead; callers distinguish the two with
// errors.Is.
var ErrFormat = errors.New("malformed annotated-matrix input")

// Filenames of the 10x-style interchange layout inside a matrix directory.
// A trailing .gz on any of them is handled transparently.
const (
	matrixFile   = "matrix.mtx"
	barcodesFile = "barcodes.tsv"
	featuresFile = "features.tsv"
	obsFile      = "obs.tsv" // optional per-cell metadata
)

// Load reads an annotated matrix from a directory holding matrix.mtx,
// barcodes.tsv, and features.tsv (each optionally gzipped), plus an
// optional obs.tsv with extra per-cell metadata columns.
//
// The MatrixMarket file follows the 10x convention of features x barcodes;
// Load transposes so the in-memory matrix is cells x genes.
func Load(dir string) (*Matrix, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("matrix directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrFormat, dir)
	}

	barcodes, err := readLines(filepath.Join(dir, barcodesFile))
	if err != nil {
		return nil, fmt.Errorf("reading barcodes: %w", err)
	}
	geneIDs, symbols, err := readFeatures(filepath.Join(dir, featuresFile))
	if err != nil {
		return nil, fmt.Errorf("reading features: %w", err)
	}
	coo, err := readMatrixMarket(filepath.Join(dir, matrixFile))
	if err != nil {
		return nil, fmt.Errorf("reading matrix: %w", err)
	}

	// 10x stores features x barcodes.
	if coo.Rows != len(geneIDs) {
		return nil, fmt.Errorf("%w: matrix has %d rows but features file lists %d genes", ErrFormat, coo.Rows, len(geneIDs))
	}
	if coo.Cols != len(barcodes) {
		return nil, fmt.Errorf("%w: matrix has %d columns but barcodes file lists %d cells", ErrFormat, coo.Cols, len(barcodes))
	}

	transposed := &COO{
		Rows:   coo.Cols,
		Cols:   coo.Rows,
		RowIdx: coo.ColIdx,
		ColIdx: coo.RowIdx,
		Val:    coo.Val,
	}
	x, err := transposed.ToCSR()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	m := &Matrix{
		X:        x,
		Obs:      NewObs(barcodes),
		VarNames: geneIDs,
		Symbols:  symbols,
	}

	if err := loadObs(filepath.Join(dir, obsFile), m.Obs); err != nil {
		return nil, fmt.Errorf("reading obs: %w", err)
	}
	return m, nil
}

// open opens path, or path+".gz" with transparent decompression when the
// plain file does not exist.
func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	gz, gzErr := os.Open(path + ".gz")
	if gzErr != nil {
		// Report the original name; the caller asked for that file.
		return nil, err
	}
	zr, zErr := gzip.NewReader(gz)
	if zErr != nil {
		gz.Close()
		return nil, fmt.Errorf("%w: %s.gz: %v", ErrFormat, path, zErr)
	}
	return &gzipFile{zr: zr, f: gz}, nil
}

type gzipFile struct {
	zr *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gzipFile) Close() error {
	zErr := g.zr.Close()
	fErr := g.f.Close()
	if zErr != nil {
		return zErr
	}
	return fErr
}

func readLines(path string) ([]string, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrFormat, path)
	}
	return lines, nil
}

// readFeatures parses the features file: gene ID, then an optional symbol
// column, tab separated.
func readFeatures(path string) (ids, symbols []string, err error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, nil, err
	}
	hasSymbols := true
	for _, line := range lines {
		fields := strings.Split(line, "\t")
		if fields[0] == "" {
			return nil, nil, fmt.Errorf("%w: empty gene identifier in %s", ErrFormat, path)
		}
		ids = append(ids, fields[0])
		if len(fields) > 1 {
			symbols = append(symbols, fields[1])
		} else {
			hasSymbols = false
		}
	}
	if !hasSymbols {
		symbols = nil
	}
	return ids, symbols, nil
}

// readMatrixMarket parses a "coordinate" MatrixMarket file with real or
// integer values. One-based indices per the format.
func readMatrixMarket(path string) (*COO, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		return nil, fmt.Errorf("%w: %s is empty", ErrFormat, path)
	}
	header := strings.Fields(strings.ToLower(sc.Text()))
	if len(header) < 4 || header[0] != "%%matrixmarket" || header[1] != "matrix" || header[2] != "coordinate" {
		return nil, fmt.Errorf("%w: %s: unsupported MatrixMarket header %q", ErrFormat, path, sc.Text())
	}
	switch header[3] {
	case "real", "integer":
	default:
		return nil, fmt.Errorf("%w: %s: unsupported value type %q", ErrFormat, path, header[3])
	}

	// Skip comment lines, then read the dimension line.
	var dims string
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		dims = line
		break
	}
	if dims == "" {
		return nil, fmt.Errorf("%w: %s: missing dimension line", ErrFormat, path)
	}
	fields := strings.Fields(dims)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: %s: bad dimension line %q", ErrFormat, path, dims)
	}
	rows, err1 := strconv.Atoi(fields[0])
	cols, err2 := strconv.Atoi(fields[1])
	nnz, err3 := strconv.Atoi(fields[2])
	if err1 != nil || err2 != nil || err3 != nil || rows <= 0 || cols <= 0 || nnz < 0 {
		return nil, fmt.Errorf("%w: %s: bad dimension line %q", ErrFormat, path, dims)
	}

	coo := &COO{
		Rows:   rows,
		Cols:   cols,
		RowIdx: make([]int32, 0, nnz),
		ColIdx: make([]int32, 0, nnz),
		Val:    make([]float64, 0, nnz),
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %s: bad entry %q", ErrFormat, path, line)
		}
		i, err1 := strconv.Atoi(fields[0])
		j, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("%w: %s: bad entry %q", ErrFormat, path, line)
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, fmt.Errorf("%w: %s: entry (%d,%d) outside %dx%d matrix", ErrFormat, path, i, j, rows, cols)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: %s: negative count %g at (%d,%d)", ErrFormat, path, v, i, j)
		}
		coo.RowIdx = append(coo.RowIdx, int32(i-1))
		coo.ColIdx = append(coo.ColIdx, int32(j-1))
		coo.Val = append(coo.Val, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(coo.Val) != nnz {
		return nil, fmt.Errorf("%w: %s: header declares %d entries, found %d", ErrFormat, path, nnz, len(coo.Val))
	}
	return coo, nil
}

// loadObs merges columns from an optional obs.tsv into obs. The file has a
// header whose first column is "barcode"; rows may appear in any order but
// must cover exactly the loaded barcodes.
func loadObs(path string, obs *Obs) error {
	lines, err := readLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // optional
	}
	if err != nil {
		return err
	}

	header := strings.Split(lines[0], "\t")
	if len(header) < 2 || header[0] != "barcode" {
		return fmt.Errorf("%w: %s: first header column must be \"barcode\"", ErrFormat, path)
	}

	rowOf := make(map[string]int, len(obs.Barcodes))
	for i, bc := range obs.Barcodes {
		rowOf[bc] = i
	}

	cols := make([][]string, len(header)-1)
	for c := range cols {
		cols[c] = make([]string, len(obs.Barcodes))
	}
	seen := make(map[string]bool, len(obs.Barcodes))
	for _, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != len(header) {
			return fmt.Errorf("%w: %s: row has %d fields, header has %d", ErrFormat, path, len(fields), len(header))
		}
		i, ok := rowOf[fields[0]]
		if !ok {
			return fmt.Errorf("%w: %s: unknown barcode %q", ErrFormat, path, fields[0])
		}
		if seen[fields[0]] {
			return fmt.Errorf("%w: %s: duplicate barcode %q", ErrFormat, path, fields[0])
		}
		seen[fields[0]] = true
		for c := 1; c < len(fields); c++ {
			cols[c-1][i] = fields[c]
		}
	}
	if len(seen) != len(obs.Barcodes) {
		return fmt.Errorf("%w: %s: covers %d of %d barcodes", ErrFormat, path, len(seen), len(obs.Barcodes))
	}

	for c := 1; c < len(header); c++ {
		if err := obs.SetStr(header[c], cols[c-1]); err != nil {
			return err
		}
	}
	return nil
}

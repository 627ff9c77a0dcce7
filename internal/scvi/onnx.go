package scvi

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"

	"github.com/scbridge/scbridge/internal/anndata"
	"github.com/scbridge/scbridge/internal/prep"
)

// ONNXConfig configures the local prediction backend: an exported
// CellAssign graph run through onnxruntime instead of the remote service.
type ONNXConfig struct {
	ModelPath         string   // exported .onnx graph
	SharedLibraryPath string   // onnxruntime shared library, optional
	CellTypes         []string // output column order of the graph
	Accelerator       string   // "gpu" or "cpu"
	AllowCPUFallback  bool
}

// ONNXPredictor runs an exported CellAssign model locally. The graph takes
// a dense counts matrix and per-cell size factors and returns a
// cells x cell-types probability matrix.
type ONNXPredictor struct {
	session   *ort.DynamicAdvancedSession
	cellTypes []string
}

// The onnxruntime environment is process-global; initialize it once.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(sharedLibraryPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewONNXPredictor loads the exported graph. With Accelerator "gpu" the
// CUDA execution provider is required; initialization fails unless
// AllowCPUFallback is set, in which case the session silently runs on CPU.
func NewONNXPredictor(cfg ONNXConfig) (*ONNXPredictor, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx model path is required")
	}
	if len(cfg.CellTypes) == 0 {
		return nil, fmt.Errorf("cell-type list is required")
	}
	if err := initRuntime(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("%w: initializing onnxruntime: %v", ErrExternal, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: creating session options: %v", ErrExternal, err)
	}
	defer options.Destroy()

	if cfg.Accelerator == "gpu" {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			err = options.AppendExecutionProviderCUDA(cudaOpts)
			cudaOpts.Destroy()
		}
		if err != nil {
			if !cfg.AllowCPUFallback {
				return nil, fmt.Errorf("%w: gpu accelerator requested but CUDA is unavailable: %v", ErrExternal, err)
			}
			fmt.Printf("CUDA unavailable, falling back to CPU: %v\n", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"counts", "size_factor"}, []string{"probs"}, options)
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %v", ErrExternal, cfg.ModelPath, err)
	}
	return &ONNXPredictor{session: session, cellTypes: cfg.CellTypes}, nil
}

// Predict densifies the prepared matrix and runs the graph. The matrix
// must carry the size_factor obs column produced by prep.PrepareAssign.
func (p *ONNXPredictor) Predict(ctx context.Context, m *anndata.Matrix) (*Prediction, error) {
	factors, ok := m.Obs.Num[prep.SizeFactorKey]
	if !ok {
		return nil, fmt.Errorf("matrix has no %s column", prep.SizeFactorKey)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cells, genes := m.NCells(), m.NGenes()
	counts := make([]float32, cells*genes)
	for i := 0; i < cells; i++ {
		m.X.DenseRow(i, counts[i*genes:(i+1)*genes])
	}
	sf := make([]float32, cells)
	for i, f := range factors {
		sf[i] = float32(f)
	}

	countsTensor, err := ort.NewTensor(ort.NewShape(int64(cells), int64(genes)), counts)
	if err != nil {
		return nil, fmt.Errorf("%w: building counts tensor: %v", ErrExternal, err)
	}
	defer countsTensor.Destroy()
	sfTensor, err := ort.NewTensor(ort.NewShape(int64(cells), 1), sf)
	if err != nil {
		return nil, fmt.Errorf("%w: building size-factor tensor: %v", ErrExternal, err)
	}
	defer sfTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := p.session.Run([]ort.Value{countsTensor, sfTensor}, outputs); err != nil {
		return nil, fmt.Errorf("%w: running model: %v", ErrExternal, err)
	}
	defer outputs[0].Destroy()

	probsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%w: model output is not a float32 tensor", ErrExternal)
	}
	shape := probsTensor.GetShape()
	if len(shape) != 2 || shape[0] != int64(cells) || shape[1] != int64(len(p.cellTypes)) {
		return nil, fmt.Errorf("%w: model output shape %v, want [%d %d]", ErrExternal, shape, cells, len(p.cellTypes))
	}

	data := probsTensor.GetData()
	probs := mat.NewDense(cells, len(p.cellTypes), nil)
	for i := 0; i < cells; i++ {
		for j := 0; j < len(p.cellTypes); j++ {
			probs.Set(i, j, float64(data[i*len(p.cellTypes)+j]))
		}
	}
	return &Prediction{
		Barcodes:  m.Obs.Barcodes,
		CellTypes: p.cellTypes,
		Probs:     probs,
	}, nil
}

// Close releases the session. The process-global runtime environment is
// left initialized.
func (p *ONNXPredictor) Close() error {
	if p.session != nil {
		return p.session.Destroy()
	}
	return nil
}

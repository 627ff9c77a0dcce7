// Package pipeline wires the two runs end to end: expression-model
// training and cell-type assignment.
//
// Each run is linear, synchronous, and all-or-nothing: no failure is
// caught or retried here, every error propagates to the caller wrapped
// with its stage. The error kinds callers can test for with errors.Is are
// fs.ErrNotExist (missing inputs), anndata.ErrFormat and
// reference.ErrFormat (malformed inputs), prep.ErrSchema and
// prep.ErrDegenerateInput (unusable data), and scvi.ErrExternal (anything
// the model service raised).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scbridge/scbridge/internal/anndata"
	"github.com/scbridge/scbridge/internal/prep"
	"github.com/scbridge/scbridge/internal/reference"
	"github.com/scbridge/scbridge/internal/scvi"
	"github.com/scbridge/scbridge/internal/store"
)

// Deps holds the collaborators a run needs. Store may be nil, in which
// case nothing is persisted.
type Deps struct {
	Client *scvi.Client
	Store  store.Store
}

// ExpressOptions configures an expression-model run.
type ExpressOptions struct {
	MatrixDir string
	Layer     string // default "counts"
	BatchKey  string // default "sample_id"
	Params    scvi.SCVIParams
	DryRun    bool // stop after preprocessing, no service or store calls
}

// ExpressResult reports a finished expression run.
type ExpressResult struct {
	RunID     int64
	DatasetID string
	ModelID   string
	NCells    int
	NGenes    int
}

// Express loads a merged dataset, materializes the raw-counts layer,
// registers the dataset, and trains the expression model.
func Express(ctx context.Context, deps Deps, opts ExpressOptions) (*ExpressResult, error) {
	if opts.Layer == "" {
		opts.Layer = prep.CountsLayer
	}
	if opts.BatchKey == "" {
		opts.BatchKey = scvi.BatchKey
	}

	m, err := anndata.Load(opts.MatrixDir)
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	if err := prep.MaterializeCounts(m, opts.Layer); err != nil {
		return nil, err
	}

	res := &ExpressResult{NCells: m.NCells(), NGenes: m.NGenes()}
	if opts.DryRun {
		return res, nil
	}

	runID, err := recordRun(ctx, deps.Store, &store.Run{
		Pipeline:    "express",
		DatasetPath: opts.MatrixDir,
		ParamsJSON:  paramsJSON(opts.Params),
		Seed:        opts.Params.Seed,
	})
	if err != nil {
		return nil, err
	}
	res.RunID = runID

	res.DatasetID, res.ModelID, err = trainExpress(ctx, deps.Client, m, opts)
	finishRun(ctx, deps.Store, runID, res.ModelID, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func trainExpress(ctx context.Context, client *scvi.Client, m *anndata.Matrix, opts ExpressOptions) (datasetID, modelID string, err error) {
	datasetID, err = client.SetupDataset(ctx, m, scvi.DatasetSchema{
		Layer:    opts.Layer,
		BatchKey: opts.BatchKey,
	})
	if err != nil {
		return "", "", fmt.Errorf("registering dataset: %w", err)
	}
	modelID, err = client.TrainSCVI(ctx, datasetID, opts.Params)
	if err != nil {
		return datasetID, "", fmt.Errorf("training expression model: %w", err)
	}
	return datasetID, modelID, nil
}

// AssignOptions configures a cell-type assignment run.
type AssignOptions struct {
	ReferencePath string
	MatrixDir     string
	Params        scvi.CellAssignParams
	ONNX          *scvi.ONNXConfig // when set, predict locally instead of on the service
	DryRun        bool
}

// AssignResult reports a finished assignment run.
type AssignResult struct {
	RunID       int64
	DatasetID   string
	ModelID     string
	SharedGenes int
	Prediction  *scvi.Prediction
}

// Assign loads the marker reference and dataset, subsets to shared genes
// with full-matrix size factors, trains the assignment model, and fetches
// per-cell cell-type probabilities.
func Assign(ctx context.Context, deps Deps, opts AssignOptions) (*AssignResult, error) {
	ref, err := reference.Load(opts.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("loading reference: %w", err)
	}
	m, err := anndata.Load(opts.MatrixDir)
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}

	subset, err := prep.PrepareAssign(ref, m)
	if err != nil {
		return nil, err
	}

	res := &AssignResult{SharedGenes: subset.NGenes()}
	if opts.DryRun {
		return res, nil
	}

	runID, err := recordRun(ctx, deps.Store, &store.Run{
		Pipeline:      "assign",
		DatasetPath:   opts.MatrixDir,
		ReferencePath: opts.ReferencePath,
		ParamsJSON:    paramsJSON(opts.Params),
		Seed:          opts.Params.Seed,
	})
	if err != nil {
		return nil, err
	}
	res.RunID = runID

	err = assign(ctx, deps.Client, subset, ref, opts, res)
	finishRun(ctx, deps.Store, runID, res.ModelID, err)
	if err != nil {
		return nil, err
	}

	if err := persistPredictions(ctx, deps.Store, runID, res.Prediction); err != nil {
		return nil, err
	}
	return res, nil
}

func assign(ctx context.Context, client *scvi.Client, subset *anndata.Matrix, ref *reference.Reference, opts AssignOptions, res *AssignResult) error {
	datasetID, err := client.SetupDataset(ctx, subset, scvi.DatasetSchema{
		SizeFactorKey: prep.SizeFactorKey,
	})
	if err != nil {
		return fmt.Errorf("registering dataset: %w", err)
	}
	res.DatasetID = datasetID

	modelID, err := client.TrainCellAssign(ctx, datasetID, subset.VarNames, ref, opts.Params)
	if err != nil {
		return fmt.Errorf("training assignment model: %w", err)
	}
	res.ModelID = modelID

	if opts.ONNX != nil {
		cfg := *opts.ONNX
		cfg.CellTypes = ref.CellTypes
		predictor, err := scvi.NewONNXPredictor(cfg)
		if err != nil {
			return fmt.Errorf("loading local predictor: %w", err)
		}
		defer predictor.Close()
		res.Prediction, err = predictor.Predict(ctx, subset)
		if err != nil {
			return fmt.Errorf("predicting locally: %w", err)
		}
		return nil
	}

	res.Prediction, err = client.Predict(ctx, modelID)
	if err != nil {
		return fmt.Errorf("predicting: %w", err)
	}
	return nil
}

func recordRun(ctx context.Context, st store.Store, r *store.Run) (int64, error) {
	if st == nil {
		return 0, nil
	}
	id, err := st.CreateRun(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return id, nil
}

// finishRun updates the run record. A store failure here must not mask
// the pipeline error, so it is reported and dropped.
func finishRun(ctx context.Context, st store.Store, id int64, modelID string, runErr error) {
	if st == nil {
		return
	}
	status, msg := store.StatusComplete, ""
	if runErr != nil {
		status, msg = store.StatusFailed, runErr.Error()
	}
	if err := st.FinishRun(ctx, id, status, modelID, msg); err != nil {
		fmt.Printf("warning: updating run %d: %v\n", id, err)
	}
}

func persistPredictions(ctx context.Context, st store.Store, runID int64, pred *scvi.Prediction) error {
	if st == nil || pred == nil {
		return nil
	}
	rows := make([]store.PredictionRow, len(pred.Barcodes))
	for i, bc := range pred.Barcodes {
		cellType, p := pred.Call(i)
		rows[i] = store.PredictionRow{
			RunID:       runID,
			Barcode:     bc,
			CellType:    cellType,
			Probability: p,
		}
	}
	if err := st.AddPredictions(ctx, rows); err != nil {
		return fmt.Errorf("persisting predictions: %w", err)
	}
	return nil
}

func paramsJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

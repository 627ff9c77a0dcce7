package scvi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/scbridge/scbridge/internal/anndata"
	"github.com/scbridge/scbridge/internal/reference"
)

// Client talks to the model service.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a service client. MaxRetries of zero means a single
// attempt per request.
func NewClient(config Config) (*Client, error) {
	if config.TimeoutSecs == 0 {
		config.TimeoutSecs = 300
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// sparsePayload is the wire form of a CSR matrix.
type sparsePayload struct {
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Indptr  []int64   `json:"indptr"`
	Indices []int32   `json:"indices"`
	Data    []float64 `json:"data"`
}

func csrPayload(c *anndata.CSR) sparsePayload {
	return sparsePayload{
		Rows:    c.Rows,
		Cols:    c.Cols,
		Indptr:  c.RowPtr,
		Indices: c.ColIdx,
		Data:    c.Val,
	}
}

type datasetRequest struct {
	Barcodes []string                 `json:"barcodes"`
	Genes    []string                 `json:"genes"`
	X        sparsePayload            `json:"x"`
	Layers   map[string]sparsePayload `json:"layers,omitempty"`
	ObsStr   map[string][]string      `json:"obs_str,omitempty"`
	ObsNum   map[string][]float64     `json:"obs_num,omitempty"`
	Schema   DatasetSchema            `json:"schema"`
}

type datasetResponse struct {
	DatasetID string `json:"dataset_id"`
}

// SetupDataset registers an annotated matrix with the service and declares
// which layer and obs columns the models should read. The schema is
// validated locally before anything is sent: a named layer or column that
// the matrix does not carry is an immediate error.
func (c *Client) SetupDataset(ctx context.Context, m *anndata.Matrix, schema DatasetSchema) (string, error) {
	if schema.Layer != "" && m.Layer(schema.Layer) == nil {
		return "", fmt.Errorf("registering dataset: layer %q not present", schema.Layer)
	}
	if schema.BatchKey != "" {
		if _, ok := m.Obs.Str[schema.BatchKey]; !ok {
			return "", fmt.Errorf("registering dataset: obs column %q not present", schema.BatchKey)
		}
	}
	if schema.SizeFactorKey != "" {
		if _, ok := m.Obs.Num[schema.SizeFactorKey]; !ok {
			return "", fmt.Errorf("registering dataset: obs column %q not present", schema.SizeFactorKey)
		}
	}

	req := datasetRequest{
		Barcodes: m.Obs.Barcodes,
		Genes:    m.VarNames,
		X:        csrPayload(m.X),
		Schema:   schema,
	}
	if len(m.Layers) > 0 {
		req.Layers = make(map[string]sparsePayload, len(m.Layers))
		for name, l := range m.Layers {
			req.Layers[name] = csrPayload(l)
		}
	}
	if len(m.Obs.Str) > 0 {
		req.ObsStr = m.Obs.Str
	}
	if len(m.Obs.Num) > 0 {
		req.ObsNum = m.Obs.Num
	}

	var resp datasetResponse
	if err := c.post(ctx, "/v1/datasets", req, &resp); err != nil {
		return "", err
	}
	if resp.DatasetID == "" {
		return "", fmt.Errorf("%w: service returned empty dataset id", ErrExternal)
	}
	return resp.DatasetID, nil
}

type trainSCVIRequest struct {
	DatasetID string     `json:"dataset_id"`
	Params    SCVIParams `json:"params"`
}

type trainResponse struct {
	ModelID string `json:"model_id"`
}

// TrainSCVI trains the expression model on a registered dataset and
// returns the service-side model handle. Blocks until training finishes.
func (c *Client) TrainSCVI(ctx context.Context, datasetID string, params SCVIParams) (string, error) {
	var resp trainResponse
	err := c.post(ctx, "/v1/models/scvi", trainSCVIRequest{DatasetID: datasetID, Params: params}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ModelID == "" {
		return "", fmt.Errorf("%w: service returned empty model id", ErrExternal)
	}
	return resp.ModelID, nil
}

type referencePayload struct {
	Genes     []string  `json:"genes"`
	CellTypes []string  `json:"cell_types"`
	Weights   []float64 `json:"weights"` // row-major genes x cell_types
}

type trainCellAssignRequest struct {
	DatasetID string           `json:"dataset_id"`
	Reference referencePayload `json:"reference"`
	Params    CellAssignParams `json:"params"`
}

// TrainCellAssign trains the assignment model against the marker reference,
// restricted to the genes of the registered (already subset) dataset. The
// accelerator preference travels with the request; whether a missing GPU is
// fatal is the service's policy when AllowCPUFallback is set.
func (c *Client) TrainCellAssign(ctx context.Context, datasetID string, genes []string, ref *reference.Reference, params CellAssignParams) (string, error) {
	rows, err := ref.Rows(genes)
	if err != nil {
		return "", fmt.Errorf("building reference payload: %w", err)
	}
	raw := rows.RawMatrix()

	req := trainCellAssignRequest{
		DatasetID: datasetID,
		Reference: referencePayload{
			Genes:     genes,
			CellTypes: ref.CellTypes,
			Weights:   raw.Data,
		},
		Params: params,
	}
	var resp trainResponse
	if err := c.post(ctx, "/v1/models/cellassign", req, &resp); err != nil {
		return "", err
	}
	if resp.ModelID == "" {
		return "", fmt.Errorf("%w: service returned empty model id", ErrExternal)
	}
	return resp.ModelID, nil
}

type predictResponse struct {
	Barcodes      []string    `json:"barcodes"`
	CellTypes     []string    `json:"cell_types"`
	Probabilities [][]float64 `json:"probabilities"`
}

// Predict fetches the per-cell cell-type probability table for a trained
// assignment model.
func (c *Client) Predict(ctx context.Context, modelID string) (*Prediction, error) {
	var resp predictResponse
	if err := c.post(ctx, "/v1/models/"+modelID+"/predictions", struct{}{}, &resp); err != nil {
		return nil, err
	}
	if len(resp.CellTypes) == 0 {
		return nil, fmt.Errorf("%w: prediction has no cell types", ErrExternal)
	}
	if len(resp.Probabilities) != len(resp.Barcodes) {
		return nil, fmt.Errorf("%w: %d probability rows for %d cells", ErrExternal, len(resp.Probabilities), len(resp.Barcodes))
	}

	probs := mat.NewDense(len(resp.Barcodes), len(resp.CellTypes), nil)
	for i, row := range resp.Probabilities {
		if len(row) != len(resp.CellTypes) {
			return nil, fmt.Errorf("%w: row %d has %d probabilities for %d cell types", ErrExternal, i, len(row), len(resp.CellTypes))
		}
		probs.SetRow(i, row)
	}
	return &Prediction{
		Barcodes:  resp.Barcodes,
		CellTypes: resp.CellTypes,
		Probs:     probs,
	}, nil
}

// post sends one JSON request with bounded retries and exponential backoff.
// 4xx responses other than 429 are not retried; every terminal failure is
// wrapped in ErrExternal.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		err := c.attempt(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		httpErr, ok := err.(*HTTPError)
		retryable := !ok || httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
		if !retryable || attempt == c.config.MaxRetries {
			break
		}

		backoff := time.Duration(1<<attempt) * time.Second
		if ok && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrExternal, path, lastErr)
}

func (c *Client) attempt(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(c.config.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				httpErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return httpErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

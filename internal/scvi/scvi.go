// Package scvi drives the external probabilistic-modeling service that
// owns all training and inference: dataset registration, scVI expression
// model training, and CellAssign cell-type assignment.
//
// The service is a black box reached over an HTTP/JSON API. This package's
// only contract is correct parameter plumbing and deterministic seeding;
// every service-side failure surfaces as ErrExternal.
package scvi

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Seed is the fixed seed both pipelines pass to the service so runs are
// reproducible.
const Seed int64 = 2024

// BatchKey is the obs column carrying the per-cell batch (sample) label
// for the expression model.
const BatchKey = "sample_id"

// ErrExternal marks any failure raised by the model service itself:
// schema rejection, convergence failure, missing accelerator.
var ErrExternal = errors.New("model service failure")

// HTTPError carries the status and body of a failed service response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Config holds service connection settings.
type Config struct {
	Endpoint    string // base URL, e.g. http://localhost:8404
	APIKey      string // optional bearer token
	MaxRetries  int    // default: 3
	TimeoutSecs int    // per-request timeout (default: 300; training blocks)
}

// Validate checks the configuration is complete.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// DatasetSchema names which parts of a registered dataset the service
// should read: the raw-counts layer and the obs columns for batch labels
// and size factors. Empty fields are omitted from registration.
type DatasetSchema struct {
	Layer         string `json:"layer,omitempty"`
	BatchKey      string `json:"batch_key,omitempty"`
	SizeFactorKey string `json:"size_factor_key,omitempty"`
}

// SCVIParams are the expression-model hyperparameters.
type SCVIParams struct {
	NLayers        int    `json:"n_layers"`
	NLatent        int    `json:"n_latent"`
	GeneLikelihood string `json:"gene_likelihood"`
	Seed           int64  `json:"seed"`
}

// DefaultSCVIParams returns the fixed harmonization settings: 2 hidden
// layers, 30 latent dimensions, negative-binomial likelihood.
func DefaultSCVIParams() SCVIParams {
	return SCVIParams{NLayers: 2, NLatent: 30, GeneLikelihood: "nb", Seed: Seed}
}

// CellAssignParams are the assignment-model settings.
type CellAssignParams struct {
	Seed             int64  `json:"seed"`
	Accelerator      string `json:"accelerator"`        // "gpu" or "cpu"
	AllowCPUFallback bool   `json:"allow_cpu_fallback"` // fall back when no GPU
}

// DefaultCellAssignParams prefers the GPU and fails explicitly when it is
// unavailable.
func DefaultCellAssignParams() CellAssignParams {
	return CellAssignParams{Seed: Seed, Accelerator: "gpu"}
}

// Prediction is a per-cell cell-type probability table. Probs is
// cells x cell-types; rows sum to one.
type Prediction struct {
	Barcodes  []string
	CellTypes []string
	Probs     *mat.Dense
}

// Call returns the argmax cell type and its probability for cell i.
func (p *Prediction) Call(i int) (string, float64) {
	best, bestP := 0, p.Probs.At(i, 0)
	for j := 1; j < len(p.CellTypes); j++ {
		if v := p.Probs.At(i, j); v > bestP {
			best, bestP = j, v
		}
	}
	return p.CellTypes[best], bestP
}

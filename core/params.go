package core

import (
	"encoding/json"
	"fmt"
	"os"
)

// Parameters tunes the external-collaborator components (Primary, Worker,
// Consensus). The --parameters flag is optional; the supervisor uses
// DefaultParameters when the flag is absent, and ImportParameters starts from
// DefaultParameters so a file overrides only the fields it sets (spec.md
// §4.E, grounded on
// original_source/node/src/main.rs's `Parameters::import(...).unwrap_or_else
// (Parameters::default)` fallback).
type Parameters struct {
	// GCDepth bounds how many rounds of DAG history Consensus retains before
	// garbage-collecting vertices (original_source/node/src/main.rs passes
	// parameters.gc_depth straight to Consensus::spawn).
	GCDepth uint64 `json:"gc_depth"`

	// SyncRetryDelayMs is how long a worker waits before retrying a batch
	// sync request to a peer it has not yet heard back from.
	SyncRetryDelayMs uint64 `json:"sync_retry_delay_ms"`

	// MaxBatchDelayMs bounds how long a worker waits, after the first
	// transaction lands in an open batch, before sealing and persisting it
	// regardless of size.
	MaxBatchDelayMs uint64 `json:"max_batch_delay_ms"`

	// MaxBatchSize bounds the number of transactions sealed into one batch.
	MaxBatchSize int `json:"max_batch_size"`
}

// DefaultParameters mirrors the upstream Parameters::default() values.
func DefaultParameters() Parameters {
	return Parameters{
		GCDepth:          50,
		SyncRetryDelayMs: 5_000,
		MaxBatchDelayMs:  100,
		MaxBatchSize:     500,
	}
}

// ImportParameters reads a parameters file, rejecting unknown fields.
func ImportParameters(filename string) (Parameters, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Parameters{}, fmt.Errorf("open parameters file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	p := DefaultParameters()
	if err := dec.Decode(&p); err != nil {
		return Parameters{}, fmt.Errorf("decode parameters file: %w", err)
	}
	return p, nil
}

// Export writes p to filename as stable, human-readable JSON.
func (p Parameters) Export(filename string) error {
	buf, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := os.WriteFile(filename, buf, 0o644); err != nil {
		return fmt.Errorf("write parameters file: %w", err)
	}
	return nil
}

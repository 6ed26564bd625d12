// Package model binds the baseline corpus, its feature schema and a fitted
// isolation forest into one immutable anomaly model.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/iforest"
)

var ErrDimensionMismatch = errors.New("feature vector does not match model schema")

// Model is a fitted anomaly model. It has no mutating methods and is safe for
// concurrent use.
type Model struct {
	schema   *features.Schema
	encoder  *features.Encoder
	forest   *iforest.Forest
	manifest domain.ModelManifest
}

// Build encodes corpus under schema and fits the forest.
func Build(cfg domain.ModelConfig, corpus []domain.Transaction, schema *features.Schema) (*Model, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("baseline corpus is empty")
	}

	encoder := features.NewEncoder(schema)
	matrix := encoder.EncodeAll(corpus)

	forest, err := iforest.Fit(matrix,
		iforest.WithTrees(cfg.Trees),
		iforest.WithSampleSize(cfg.SampleSize),
		iforest.WithContamination(cfg.Contamination),
		iforest.WithSeed(cfg.Seed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fit isolation forest: %w", err)
	}

	m := &Model{
		schema:  schema,
		encoder: encoder,
		forest:  forest,
	}
	m.manifest = domain.ModelManifest{
		Fingerprint:   fingerprint(schema, forest),
		SchemaVersion: schema.Version(),
		Columns:       schema.Columns(),
		Trees:         forest.Trees(),
		SampleSize:    forest.SampleSize(),
		Contamination: forest.Contamination(),
		Seed:          forest.Seed(),
		Offset:        forest.Offset(),
		BaselineSize:  len(corpus),
		CreatedAt:     time.Now().UTC(),
	}

	return m, nil
}

// Score returns the raw anomaly score of vector and whether the forest
// considers it an outlier. vector must follow the model's schema.
func (m *Model) Score(vector []float64) (float64, bool, error) {
	if len(vector) != m.schema.Width() {
		return 0, false, fmt.Errorf("%w: got %d columns, want %d", ErrDimensionMismatch, len(vector), m.schema.Width())
	}
	return m.forest.Predict(vector)
}

// Schema returns the schema the model was fit on.
func (m *Model) Schema() *features.Schema {
	return m.schema
}

// Encoder returns an encoder bound to the model's schema.
func (m *Model) Encoder() *features.Encoder {
	return m.encoder
}

// Manifest describes the fitted model.
func (m *Model) Manifest() domain.ModelManifest {
	manifest := m.manifest
	manifest.Columns = append([]string(nil), m.manifest.Columns...)
	return manifest
}

// Fingerprint identifies the schema and forest configuration.
func (m *Model) Fingerprint() string {
	return m.manifest.Fingerprint
}

func fingerprint(schema *features.Schema, forest *iforest.Forest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|trees=%d|samples=%d|contamination=%g|seed=%d",
		schema.Fingerprint(), forest.Trees(), forest.SampleSize(), forest.Contamination(), forest.Seed())
	return hex.EncodeToString(h.Sum(nil))
}

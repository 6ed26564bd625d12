package domain

import "time"

// ModelManifest describes a fitted anomaly model.
type ModelManifest struct {
	Fingerprint   string    `json:"fingerprint"`
	SchemaVersion string    `json:"schemaVersion"`
	Columns       []string  `json:"columns"`
	Trees         int       `json:"trees"`
	SampleSize    int       `json:"sampleSize"`
	Contamination float64   `json:"contamination"`
	Seed          uint64    `json:"seed"`
	Offset        float64   `json:"offset"`
	BaselineSize  int       `json:"baselineSize"`
	CreatedAt     time.Time `json:"createdAt"`
}

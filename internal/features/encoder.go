package features

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Encoder maps transactions onto a fixed schema.
type Encoder struct {
	schema *Schema
}

// NewEncoder creates an encoder bound to schema.
func NewEncoder(schema *Schema) *Encoder {
	return &Encoder{schema: schema}
}

// Schema returns the schema the encoder writes.
func (e *Encoder) Schema() *Schema {
	return e.schema
}

// Encoding is the result of encoding one transaction.
type Encoding struct {
	// Vector has exactly Schema.Width() values in column order.
	Vector []float64

	// A category without a slot encodes as all zeros for its field.
	UnseenLocation bool
	UnseenDevice   bool
}

// Encode converts tx into a feature vector. Category values are matched
// case-insensitively; values the schema has no slot for are dropped.
func (e *Encoder) Encode(tx domain.Transaction) Encoding {
	vec := make([]float64, e.schema.Width())
	vec[0] = tx.Amount
	vec[1] = float64(tx.Timestamp.Unix())

	enc := Encoding{Vector: vec}

	if i, ok := e.schema.Index(columnName(FieldLocation, normalizeCategory(tx.Location))); ok {
		vec[i] = 1
	} else {
		enc.UnseenLocation = true
	}
	if i, ok := e.schema.Index(columnName(FieldDevice, normalizeCategory(tx.Device))); ok {
		vec[i] = 1
	} else {
		enc.UnseenDevice = true
	}

	return enc
}

// EncodeAll encodes a corpus into a matrix, one row per transaction.
func (e *Encoder) EncodeAll(txs []domain.Transaction) [][]float64 {
	rows := make([][]float64, len(txs))
	for i, tx := range txs {
		rows[i] = e.Encode(tx).Vector
	}
	return rows
}

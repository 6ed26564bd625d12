// Package features turns raw transaction records into fixed-width numeric vectors.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Categorical fields with one-hot slots.
const (
	FieldLocation = domain.FieldLocation
	FieldDevice   = domain.FieldDevice
)

// Numeric slot names.
const (
	ColumnAmount    = "amount"
	ColumnTimestamp = "timestamp"
)

// SlotKind distinguishes numeric columns from one-hot indicators.
type SlotKind int

const (
	SlotNumeric SlotKind = iota
	SlotIndicator
)

// Slot is one named column of a feature vector.
type Slot struct {
	Name  string   `json:"name"`
	Kind  SlotKind `json:"kind"`
	Field string   `json:"field"`
	Value string   `json:"value,omitempty"` // category value for indicator slots
}

// Schema is an ordered, versioned list of feature slots. It is immutable.
//
// Layout: amount, timestamp, one indicator per location in lexical order,
// one indicator per device in lexical order.
type Schema struct {
	version     string
	slots       []Slot
	index       map[string]int
	fingerprint string
}

// NewSchema builds a schema from the distinct category values of a corpus.
// Values are trimmed, upper-cased and de-duplicated.
func NewSchema(version string, locations, devices []string) (*Schema, error) {
	if version == "" {
		return nil, fmt.Errorf("schema version is required")
	}

	locs := normalizeSet(locations)
	devs := normalizeSet(devices)
	if len(locs) == 0 || len(devs) == 0 {
		return nil, fmt.Errorf("schema %s: at least one location and one device are required", version)
	}

	slots := make([]Slot, 0, 2+len(locs)+len(devs))
	slots = append(slots,
		Slot{Name: ColumnAmount, Kind: SlotNumeric, Field: ColumnAmount},
		Slot{Name: ColumnTimestamp, Kind: SlotNumeric, Field: ColumnTimestamp},
	)
	for _, v := range locs {
		slots = append(slots, Slot{Name: columnName(FieldLocation, v), Kind: SlotIndicator, Field: FieldLocation, Value: v})
	}
	for _, v := range devs {
		slots = append(slots, Slot{Name: columnName(FieldDevice, v), Kind: SlotIndicator, Field: FieldDevice, Value: v})
	}

	s := &Schema{
		version: version,
		slots:   slots,
		index:   make(map[string]int, len(slots)),
	}

	h := sha256.New()
	h.Write([]byte(version))
	for i, slot := range slots {
		if _, dup := s.index[slot.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate column %s", version, slot.Name)
		}
		s.index[slot.Name] = i
		h.Write([]byte{0})
		h.Write([]byte(slot.Name))
	}
	s.fingerprint = hex.EncodeToString(h.Sum(nil))

	return s, nil
}

// SchemaFromTransactions derives a schema from the categories observed in txs.
func SchemaFromTransactions(version string, txs []domain.Transaction) (*Schema, error) {
	locations := make([]string, 0, len(txs))
	devices := make([]string, 0, len(txs))
	for _, tx := range txs {
		locations = append(locations, tx.Location)
		devices = append(devices, tx.Device)
	}
	return NewSchema(version, locations, devices)
}

// Version returns the schema version.
func (s *Schema) Version() string { return s.version }

// Width returns the number of columns.
func (s *Schema) Width() int { return len(s.slots) }

// Fingerprint is a hex SHA-256 over the version and column names in order.
func (s *Schema) Fingerprint() string { return s.fingerprint }

// Slots returns a copy of the slots in column order.
func (s *Schema) Slots() []Slot {
	return slices.Clone(s.slots)
}

// Columns returns the column names in order.
func (s *Schema) Columns() []string {
	cols := make([]string, len(s.slots))
	for i, slot := range s.slots {
		cols[i] = slot.Name
	}
	return cols
}

// Index returns the position of a named column.
func (s *Schema) Index(column string) (int, bool) {
	i, ok := s.index[column]
	return i, ok
}

// Has reports whether the schema has an indicator slot for field=value.
func (s *Schema) Has(field, value string) bool {
	_, ok := s.index[columnName(field, value)]
	return ok
}

func columnName(field, value string) string {
	return field + "_" + value
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalizeCategory(v)
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeCategory(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

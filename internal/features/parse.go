package features

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingField       = errors.New("field is required")
	ErrEmptyValue         = errors.New("value must not be empty")
	ErrMalformedAmount    = errors.New("amount must be a number or numeric string")
	ErrNonPositiveAmount  = errors.New("amount must be positive")
	ErrMalformedTimestamp = errors.New("time must match YYYY-MM-DDTHH:MM:SS.ffffffZ")
)

// ParsedRequest is a request parsed field by field. Fields that failed are
// left at their zero value in Transaction and recorded in Errors.
type ParsedRequest struct {
	Transaction domain.Transaction

	// Errors holds one entry per failed field, in amount, time, location,
	// device order.
	Errors []*domain.EncodingError
}

// Parse validates every field of req independently so that callers can act on
// the fields that did parse.
func Parse(req domain.ScoreRequest) *ParsedRequest {
	p := &ParsedRequest{}

	if amount, err := parseAmount(req.Amount); err != nil {
		p.fail(err)
	} else {
		p.Transaction.Amount = amount
	}

	if ts, err := parseTime(req.Time); err != nil {
		p.fail(err)
	} else {
		p.Transaction.Timestamp = ts
	}

	if location, err := parseCategory(FieldLocation, req.Location); err != nil {
		p.fail(err)
	} else {
		p.Transaction.Location = location
	}

	if device, err := parseCategory(FieldDevice, req.Device); err != nil {
		p.fail(err)
	} else {
		p.Transaction.Device = device
	}

	return p
}

func (p *ParsedRequest) fail(err *domain.EncodingError) {
	p.Errors = append(p.Errors, err)
}

// Failed reports whether field did not parse.
func (p *ParsedRequest) Failed(field string) bool {
	for _, e := range p.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

// FailedFields returns the names of the fields that did not parse.
func (p *ParsedRequest) FailedFields() []string {
	if len(p.Errors) == 0 {
		return nil
	}
	out := make([]string, len(p.Errors))
	for i, e := range p.Errors {
		out[i] = e.Field
	}
	return out
}

// Err returns the first field error, or nil when the request is complete.
func (p *ParsedRequest) Err() error {
	if len(p.Errors) == 0 {
		return nil
	}
	return p.Errors[0]
}

// ParseRequest validates a raw request and returns the normalized transaction.
// Errors are *domain.EncodingError naming the first offending field.
func ParseRequest(req domain.ScoreRequest) (domain.Transaction, error) {
	p := Parse(req)
	if err := p.Err(); err != nil {
		return domain.Transaction{}, err
	}
	return p.Transaction, nil
}

func parseAmount(raw json.RawMessage) (float64, *domain.EncodingError) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, &domain.EncodingError{Field: domain.FieldAmount, Err: ErrMissingField}
	}

	// Accept both 12.5 and "12.5".
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, &domain.EncodingError{Field: domain.FieldAmount, Value: text, Err: ErrMalformedAmount}
		}
		text = strings.TrimSpace(s)
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, &domain.EncodingError{Field: domain.FieldAmount, Value: text, Err: ErrMalformedAmount}
	}
	if !d.IsPositive() {
		return 0, &domain.EncodingError{Field: domain.FieldAmount, Value: text, Err: ErrNonPositiveAmount}
	}

	f, _ := d.Float64()
	return f, nil
}

func parseTime(v *string) (time.Time, *domain.EncodingError) {
	if v == nil {
		return time.Time{}, &domain.EncodingError{Field: domain.FieldTime, Err: ErrMissingField}
	}
	ts, err := time.Parse(domain.TimeLayout, strings.TrimSpace(*v))
	if err != nil {
		return time.Time{}, &domain.EncodingError{Field: domain.FieldTime, Value: *v, Err: ErrMalformedTimestamp}
	}
	return ts.UTC(), nil
}

func parseCategory(field string, v *string) (string, *domain.EncodingError) {
	if v == nil {
		return "", &domain.EncodingError{Field: field, Err: ErrMissingField}
	}
	normalized := normalizeCategory(*v)
	if normalized == "" {
		return "", &domain.EncodingError{Field: field, Err: ErrEmptyValue}
	}
	return normalized, nil
}

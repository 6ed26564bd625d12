package domain

import (
	"encoding/json"
	"time"
)

// ScoreRequest is the raw transaction record delivered to the scoring core.
// Pointer and raw fields let the parser tell a missing key from an empty value.
type ScoreRequest struct {
	Amount   json.RawMessage `json:"amount,omitempty"`
	Time     *string         `json:"time,omitempty"`
	Location *string         `json:"location,omitempty"`
	Device   *string         `json:"device,omitempty"`
}

// Transaction is a parsed and normalized transaction.
type Transaction struct {
	// Amount is always positive.
	Amount float64 `json:"amount"`

	// Timestamp is in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Location and Device are upper-cased.
	Location string `json:"location"`
	Device   string `json:"device"`
}

// TimeLayout is the wire format of ScoreRequest.Time.
const TimeLayout = "2006-01-02T15:04:05.999999Z"

// Request field names, as they appear on the wire and in EncodingError.Field.
const (
	FieldAmount   = "amount"
	FieldTime     = "time"
	FieldLocation = "location"
	FieldDevice   = "device"
)

// CategoryUnknown is the location or device value the rule overlay treats as
// suspicious.
const CategoryUnknown = "UNKNOWN"

// NewScoreRequest builds a request from already-typed values.
// Used by the benchmark tool and tests.
func NewScoreRequest(amount float64, ts time.Time, location, device string) ScoreRequest {
	amt, _ := json.Marshal(amount)
	t := ts.UTC().Format("2006-01-02T15:04:05.000000Z")
	return ScoreRequest{
		Amount:   amt,
		Time:     &t,
		Location: &location,
		Device:   &device,
	}
}

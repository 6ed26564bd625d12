package domain

import "time"

// Verdict is the result returned to callers for one transaction.
// More negative scores are more anomalous.
type Verdict struct {
	IsFraud      bool    `json:"is_fraud"`
	AnomalyScore float64 `json:"anomaly_score"`
}

// Decision sources.
const (
	SourceRule  = "rule"
	SourceModel = "model"
)

// Decision is a verdict plus how it was reached.
type Decision struct {
	Verdict Verdict `json:"verdict"`

	// Source is SourceRule when a pre-model rule short-circuited, SourceModel otherwise.
	Source string `json:"source"`

	// RuleIDs lists every overlay rule that fired, in evaluation order.
	RuleIDs []string `json:"ruleIds,omitempty"`

	// Model output before post-model adjustments. Zero when the model was skipped.
	ModelScore   float64 `json:"modelScore"`
	ModelOutlier bool    `json:"modelOutlier"`

	ModelFingerprint string `json:"modelFingerprint"`
}

// VerdictEvent is published on the event bus for every scored transaction.
type VerdictEvent struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId,omitempty"`
	Transaction   Transaction `json:"transaction"`
	Decision      Decision    `json:"decision"`
	Cached        bool        `json:"cached"`
	ScoredAt      time.Time   `json:"scoredAt"`
	DurationMs    int64       `json:"durationMs"`
}

// RejectionEvent is published when an asynchronously submitted transaction
// cannot be parsed.
type RejectionEvent struct {
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error"`
	Type          string `json:"type"`
}

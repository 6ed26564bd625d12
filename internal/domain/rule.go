package domain

// RuleStage says where a rule runs relative to the model.
type RuleStage string

const (
	// StagePreModel rules run before encoding. The first match short-circuits.
	StagePreModel RuleStage = "pre"

	// StagePostModel rules run after a model invocation. Every match applies.
	StagePostModel RuleStage = "post"
)

// RuleConfig defines one overlay rule.
type RuleConfig struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Stage       RuleStage `json:"stage"`

	// CEL expression; must evaluate to bool.
	Expression string `json:"expression"`

	// Score replaces the anomaly score when a pre-model rule fires.
	Score float64 `json:"score,omitempty"`

	// Delta is added to the anomaly score when a post-model rule fires. Never positive.
	Delta float64 `json:"delta,omitempty"`

	Enabled bool `json:"enabled"`
}

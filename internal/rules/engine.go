// Package rules provides the CEL-based rule overlay applied around the anomaly model.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Overlay is an ordered, immutable set of compiled rules.
type Overlay struct {
	env     *cel.Env
	pre     []*CompiledRule
	post    []*CompiledRule
	configs []*domain.RuleConfig

	fingerprint string
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input holds the values rules can refer to.
type Input struct {
	Transaction    domain.Transaction
	UnseenLocation bool
	UnseenDevice   bool

	// Set only for post-model rules.
	ModelScore   float64
	ModelOutlier bool

	// Unparsed names request fields that failed to parse. Their variables are
	// left out of the activation, so a rule that reads one fails to evaluate
	// unless the other side of a logical operator decides it.
	Unparsed []string
}

// Match is a pre-model rule that fired.
type Match struct {
	RuleID  string
	Verdict domain.Verdict
}

// NewOverlay compiles configs in order. Disabled rules are skipped.
func NewOverlay(configs []*domain.RuleConfig) (*Overlay, error) {
	// Create CEL environment with transaction variables
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("location", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("unseen_location", cel.BoolType),
		cel.Variable("unseen_device", cel.BoolType),
		cel.Variable("model_score", cel.DoubleType),
		cel.Variable("model_outlier", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	o := &Overlay{env: env}
	seen := make(map[string]bool, len(configs))

	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate rule id %s", cfg.ID)
		}
		seen[cfg.ID] = true

		compiled, err := o.compileRule(cfg)
		if err != nil {
			return nil, err
		}

		switch cfg.Stage {
		case domain.StagePreModel:
			o.pre = append(o.pre, compiled)
		case domain.StagePostModel:
			o.post = append(o.post, compiled)
		}
		o.configs = append(o.configs, cfg)
	}

	o.fingerprint = fingerprint(o.configs)
	return o, nil
}

// Fingerprint identifies the compiled rule set. Overlays built from the same
// rules in the same order share a fingerprint.
func (o *Overlay) Fingerprint() string {
	return o.fingerprint
}

func fingerprint(configs []*domain.RuleConfig) string {
	h := sha256.New()
	for _, cfg := range configs {
		for _, part := range []string{
			cfg.ID,
			string(cfg.Stage),
			cfg.Expression,
			strconv.FormatFloat(cfg.Score, 'g', -1, 64),
			strconv.FormatFloat(cfg.Delta, 'g', -1, 64),
		} {
			h.Write([]byte(part))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// PreModel evaluates pre-model rules in order and returns the first match,
// or nil when the model must be consulted.
func (o *Overlay) PreModel(in *Input) (*Match, error) {
	activation := newActivation(in)

	for _, rule := range o.pre {
		fired, err := evaluate(rule, activation)
		if err != nil {
			return nil, err
		}
		if fired {
			return &Match{
				RuleID: rule.Config.ID,
				Verdict: domain.Verdict{
					IsFraud:      true,
					AnomalyScore: rule.Config.Score,
				},
			}, nil
		}
	}

	return nil, nil
}

// PostModel applies every matching post-model rule to v in order. Rules only
// ever flag fraud and lower the score. It returns the adjusted verdict and
// the IDs of the rules that fired.
func (o *Overlay) PostModel(in *Input, v domain.Verdict) (domain.Verdict, []string, error) {
	activation := newActivation(in)

	var fired []string
	for _, rule := range o.post {
		ok, err := evaluate(rule, activation)
		if err != nil {
			return v, nil, err
		}
		if ok {
			v.IsFraud = true
			v.AnomalyScore += rule.Config.Delta
			fired = append(fired, rule.Config.ID)
		}
	}

	return v, fired, nil
}

// Rules returns the loaded rule configurations in evaluation order.
func (o *Overlay) Rules() []*domain.RuleConfig {
	out := make([]*domain.RuleConfig, len(o.configs))
	copy(out, o.configs)
	return out
}

// RulesCount returns the number of loaded rules.
func (o *Overlay) RulesCount() int {
	return len(o.configs)
}

// fieldVariables maps request fields to the variables derived from them.
var fieldVariables = map[string][]string{
	domain.FieldAmount:   {"amount"},
	domain.FieldTime:     {"hour", "weekday"},
	domain.FieldLocation: {"location", "unseen_location"},
	domain.FieldDevice:   {"device", "unseen_device"},
}

func newActivation(in *Input) map[string]any {
	tx := in.Transaction
	activation := map[string]any{
		"amount":          tx.Amount,
		"location":        tx.Location,
		"device":          tx.Device,
		"hour":            int64(tx.Timestamp.Hour()),
		"weekday":         int64(tx.Timestamp.Weekday()),
		"unseen_location": in.UnseenLocation,
		"unseen_device":   in.UnseenDevice,
		"model_score":     in.ModelScore,
		"model_outlier":   in.ModelOutlier,
	}
	for _, field := range in.Unparsed {
		for _, name := range fieldVariables[field] {
			delete(activation, name)
		}
	}
	return activation
}

func evaluate(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expected bool result, got %s", rule.Config.ID, out.Type())
	}
	return bool(b), nil
}

func (o *Overlay) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	switch cfg.Stage {
	case domain.StagePreModel:
	case domain.StagePostModel:
		if cfg.Delta > 0 {
			return nil, fmt.Errorf("rule %s: post-model delta must not be positive, got %v", cfg.ID, cfg.Delta)
		}
	default:
		return nil, fmt.Errorf("rule %s: unknown stage %q", cfg.ID, cfg.Stage)
	}

	ast, issues := o.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := o.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testInput(amount float64, location, device string) *Input {
	return &Input{
		Transaction: domain.Transaction{
			Amount:    amount,
			Timestamp: time.Date(2024, 1, 3, 14, 0, 0, 0, time.UTC),
			Location:  location,
			Device:    device,
		},
	}
}

func TestOverlayCreation(t *testing.T) {
	overlay, err := NewOverlay(nil)
	if err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}
	if overlay.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", overlay.RulesCount())
	}

	overlay, err = NewOverlay(DefaultRules(false))
	if err != nil {
		t.Fatalf("failed to compile default rules: %v", err)
	}
	if overlay.RulesCount() != 3 {
		t.Errorf("expected 3 rules, got %d", overlay.RulesCount())
	}

	strict, err := NewOverlay(DefaultRules(true))
	if err != nil {
		t.Fatalf("failed to compile strict rules: %v", err)
	}
	if strict.RulesCount() != 4 {
		t.Errorf("expected 4 rules, got %d", strict.RulesCount())
	}
}

func TestDefaultRulesOrder(t *testing.T) {
	overlay, _ := NewOverlay(DefaultRules(true))

	want := []string{RuleAmountCeiling, RuleUnknownCategory, RuleUnseenCategory, RuleAmountBand}
	got := overlay.Rules()
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("rule %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		rule *domain.RuleConfig
		want string
	}{
		{
			name: "invalid CEL",
			rule: &domain.RuleConfig{ID: "bad", Stage: domain.StagePreModel, Expression: "this is not valid CEL !!!", Enabled: true},
			want: "failed to compile",
		},
		{
			name: "non-bool result",
			rule: &domain.RuleConfig{ID: "num", Stage: domain.StagePreModel, Expression: "amount * 2.0", Enabled: true},
			want: "must return bool",
		},
		{
			name: "positive delta",
			rule: &domain.RuleConfig{ID: "up", Stage: domain.StagePostModel, Expression: "true", Delta: 0.1, Enabled: true},
			want: "must not be positive",
		},
		{
			name: "unknown stage",
			rule: &domain.RuleConfig{ID: "odd", Stage: "middle", Expression: "true", Enabled: true},
			want: "unknown stage",
		},
		{
			name: "missing id",
			rule: &domain.RuleConfig{Stage: domain.StagePreModel, Expression: "true", Enabled: true},
			want: "id is required",
		},
		{
			name: "unknown variable",
			rule: &domain.RuleConfig{ID: "var", Stage: domain.StagePreModel, Expression: "merchant == \"X\"", Enabled: true},
			want: "failed to compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOverlay([]*domain.RuleConfig{tt.rule})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDuplicateRuleID(t *testing.T) {
	rule := &domain.RuleConfig{ID: "dup", Stage: domain.StagePreModel, Expression: "true", Enabled: true}
	if _, err := NewOverlay([]*domain.RuleConfig{rule, rule}); err == nil {
		t.Error("expected error for duplicate rule id")
	}
}

func TestDisabledRulesSkipped(t *testing.T) {
	rules := DefaultRules(false)
	rules[0].Enabled = false

	overlay, err := NewOverlay(rules)
	if err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}

	match, err := overlay.PreModel(testInput(5000, "PRIZREN", "ATM"))
	if err != nil {
		t.Fatalf("pre-model evaluation failed: %v", err)
	}
	if match != nil {
		t.Errorf("expected no match with ceiling disabled, got %s", match.RuleID)
	}
}

func TestPreModel(t *testing.T) {
	overlay, _ := NewOverlay(DefaultRules(false))

	tests := []struct {
		name      string
		input     *Input
		wantRule  string
		wantScore float64
	}{
		{"ceiling", testInput(1500, "PRIZREN", "ATM"), RuleAmountCeiling, -0.9},
		{"ceiling boundary", testInput(1000, "PRIZREN", "ATM"), "", 0},
		{"unknown location", testInput(50, "UNKNOWN", "POS"), RuleUnknownCategory, -0.8},
		{"unknown device", testInput(50, "PRISHTINE", "UNKNOWN"), RuleUnknownCategory, -0.8},
		{"ceiling wins over unknown", testInput(2000, "UNKNOWN", "UNKNOWN"), RuleAmountCeiling, -0.9},
		{"ordinary", testInput(30, "PRISHTINE", "POS"), "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := overlay.PreModel(tt.input)
			if err != nil {
				t.Fatalf("pre-model evaluation failed: %v", err)
			}

			if tt.wantRule == "" {
				if match != nil {
					t.Errorf("expected no match, got %s", match.RuleID)
				}
				return
			}

			if match == nil {
				t.Fatalf("expected %s to fire", tt.wantRule)
			}
			if match.RuleID != tt.wantRule {
				t.Errorf("expected rule %s, got %s", tt.wantRule, match.RuleID)
			}
			if !match.Verdict.IsFraud {
				t.Error("expected fraud verdict")
			}
			if match.Verdict.AnomalyScore != tt.wantScore {
				t.Errorf("expected score %v, got %v", tt.wantScore, match.Verdict.AnomalyScore)
			}
		})
	}
}

func TestPreModelStrictCategories(t *testing.T) {
	input := testInput(50, "NOWHERE", "POS")
	input.UnseenLocation = true

	lenient, _ := NewOverlay(DefaultRules(false))
	match, err := lenient.PreModel(input)
	if err != nil {
		t.Fatalf("pre-model evaluation failed: %v", err)
	}
	if match != nil {
		t.Errorf("expected unseen location to reach the model, got %s", match.RuleID)
	}

	strict, _ := NewOverlay(DefaultRules(true))
	match, err = strict.PreModel(input)
	if err != nil {
		t.Fatalf("pre-model evaluation failed: %v", err)
	}
	if match == nil || match.RuleID != RuleUnseenCategory {
		t.Fatalf("expected %s to fire, got %+v", RuleUnseenCategory, match)
	}
	if match.Verdict.AnomalyScore != -0.8 {
		t.Errorf("expected score -0.8, got %v", match.Verdict.AnomalyScore)
	}
}

func TestPostModel(t *testing.T) {
	overlay, _ := NewOverlay(DefaultRules(false))

	tests := []struct {
		name      string
		amount    float64
		raw       domain.Verdict
		wantFraud bool
		wantFired bool
	}{
		{"inside band", 30, domain.Verdict{IsFraud: false, AnomalyScore: 0.12}, false, false},
		{"lower boundary", 20, domain.Verdict{IsFraud: false, AnomalyScore: 0.12}, false, false},
		{"upper boundary", 500, domain.Verdict{IsFraud: false, AnomalyScore: 0.12}, false, false},
		{"below band", 10, domain.Verdict{IsFraud: false, AnomalyScore: 0.12}, true, true},
		{"above band", 600, domain.Verdict{IsFraud: false, AnomalyScore: 0.05}, true, true},
		{"model already flagged", 5, domain.Verdict{IsFraud: true, AnomalyScore: -0.02}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := testInput(tt.amount, "PRISHTINE", "POS")
			input.ModelScore = tt.raw.AnomalyScore
			input.ModelOutlier = tt.raw.IsFraud

			got, fired, err := overlay.PostModel(input, tt.raw)
			if err != nil {
				t.Fatalf("post-model evaluation failed: %v", err)
			}

			if got.IsFraud != tt.wantFraud {
				t.Errorf("expected is_fraud=%v, got %v", tt.wantFraud, got.IsFraud)
			}

			want := tt.raw.AnomalyScore
			if tt.wantFired {
				want = tt.raw.AnomalyScore - 0.3
				if len(fired) != 1 || fired[0] != RuleAmountBand {
					t.Errorf("expected [%s] fired, got %v", RuleAmountBand, fired)
				}
			} else if len(fired) != 0 {
				t.Errorf("expected no rules fired, got %v", fired)
			}
			if got.AnomalyScore != want {
				t.Errorf("expected score %v, got %v", want, got.AnomalyScore)
			}
		})
	}
}

func TestPostModelAppliesEveryMatch(t *testing.T) {
	rules := []*domain.RuleConfig{
		{ID: "low", Stage: domain.StagePostModel, Expression: "amount < 20.0", Delta: -0.3, Enabled: true},
		{ID: "night", Stage: domain.StagePostModel, Expression: "hour < 6", Delta: -0.1, Enabled: true},
		{ID: "weak", Stage: domain.StagePostModel, Expression: "model_score < 0.0 && !model_outlier", Delta: 0, Enabled: true},
	}
	overlay, err := NewOverlay(rules)
	if err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}

	input := testInput(5, "PRISHTINE", "POS")
	input.Transaction.Timestamp = time.Date(2024, 1, 3, 2, 0, 0, 0, time.UTC)

	got, fired, err := overlay.PostModel(input, domain.Verdict{AnomalyScore: 0.2})
	if err != nil {
		t.Fatalf("post-model evaluation failed: %v", err)
	}
	if len(fired) != 2 || fired[0] != "low" || fired[1] != "night" {
		t.Errorf("expected [low night], got %v", fired)
	}
	if !got.IsFraud {
		t.Error("expected fraud verdict")
	}
	if want := 0.2 - 0.3 - 0.1; got.AnomalyScore != want {
		t.Errorf("expected score %v, got %v", want, got.AnomalyScore)
	}
}

func TestRulesReturnsCopy(t *testing.T) {
	overlay, _ := NewOverlay(DefaultRules(false))

	rules := overlay.Rules()
	rules[0] = nil

	if overlay.Rules()[0] == nil {
		t.Error("Rules() must not expose internal slice")
	}
}

func TestPreModelWithUnparsedFields(t *testing.T) {
	overlay, err := NewOverlay(DefaultRules(false))
	if err != nil {
		t.Fatalf("failed to create overlay: %v", err)
	}

	t.Run("CeilingIgnoresTimeAndCategories", func(t *testing.T) {
		input := testInput(1500, "", "")
		input.Unparsed = []string{domain.FieldTime, domain.FieldLocation, domain.FieldDevice}

		match, err := overlay.PreModel(input)
		if err != nil {
			t.Fatalf("pre-model evaluation failed: %v", err)
		}
		if match == nil || match.RuleID != RuleAmountCeiling {
			t.Fatalf("expected %s, got %+v", RuleAmountCeiling, match)
		}
	})

	t.Run("UnknownDeviceWithUnparsedLocation", func(t *testing.T) {
		input := testInput(50, "", domain.CategoryUnknown)
		input.Unparsed = []string{domain.FieldLocation}

		match, err := overlay.PreModel(input)
		if err != nil {
			t.Fatalf("pre-model evaluation failed: %v", err)
		}
		if match == nil || match.RuleID != RuleUnknownCategory {
			t.Fatalf("expected %s, got %+v", RuleUnknownCategory, match)
		}
	})

	t.Run("UndecidedRuleErrors", func(t *testing.T) {
		input := testInput(50, "", "POS")
		input.Unparsed = []string{domain.FieldLocation}

		if _, err := overlay.PreModel(input); err == nil {
			t.Error("expected evaluation error when a rule needs an unparsed field")
		}
	})

	t.Run("UnparsedAmount", func(t *testing.T) {
		input := testInput(0, "PRISHTINE", "POS")
		input.Unparsed = []string{domain.FieldAmount}

		if _, err := overlay.PreModel(input); err == nil {
			t.Error("expected evaluation error without an amount")
		}
	})
}

func TestOverlayFingerprint(t *testing.T) {
	lax, _ := NewOverlay(DefaultRules(false))
	lax2, _ := NewOverlay(DefaultRules(false))
	strict, _ := NewOverlay(DefaultRules(true))

	if lax.Fingerprint() == "" {
		t.Fatal("expected fingerprint")
	}
	if lax.Fingerprint() != lax2.Fingerprint() {
		t.Error("same rules must share a fingerprint")
	}
	if lax.Fingerprint() == strict.Fingerprint() {
		t.Error("different rule sets must not share a fingerprint")
	}

	tweaked := DefaultRules(false)
	tweaked[0].Score = -0.95
	other, _ := NewOverlay(tweaked)
	if other.Fingerprint() == lax.Fingerprint() {
		t.Error("changing a rule score must change the fingerprint")
	}
}

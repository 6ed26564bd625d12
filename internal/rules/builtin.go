package rules

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in rule IDs.
const (
	RuleAmountCeiling   = "amount-ceiling"
	RuleUnknownCategory = "unknown-category"
	RuleUnseenCategory  = "unseen-category"
	RuleAmountBand      = "amount-band"
)

// DefaultRules returns the fixed overlay in evaluation order. With
// strictCategories, locations and devices missing from the baseline schema
// are overridden like the literal UNKNOWN value.
func DefaultRules(strictCategories bool) []*domain.RuleConfig {
	rules := []*domain.RuleConfig{
		{
			ID:          RuleAmountCeiling,
			Name:        "Amount ceiling",
			Description: "Amounts above 1000 are flagged without consulting the model",
			Stage:       domain.StagePreModel,
			Expression:  "amount > 1000.0",
			Score:       -0.9,
			Enabled:     true,
		},
		{
			ID:          RuleUnknownCategory,
			Name:        "Unknown category",
			Description: "Location or device reported as " + domain.CategoryUnknown,
			Stage:       domain.StagePreModel,
			Expression:  fmt.Sprintf("location == %q || device == %q", domain.CategoryUnknown, domain.CategoryUnknown),
			Score:       -0.8,
			Enabled:     true,
		},
	}

	if strictCategories {
		rules = append(rules, &domain.RuleConfig{
			ID:          RuleUnseenCategory,
			Name:        "Unseen category",
			Description: "Location or device absent from the baseline corpus",
			Stage:       domain.StagePreModel,
			Expression:  "unseen_location || unseen_device",
			Score:       -0.8,
			Enabled:     true,
		})
	}

	return append(rules, &domain.RuleConfig{
		ID:          RuleAmountBand,
		Name:        "Amount band",
		Description: "Amounts outside 20..500 are pushed toward fraud",
		Stage:       domain.StagePostModel,
		Expression:  "amount < 20.0 || amount > 500.0",
		Delta:       -0.3,
		Enabled:     true,
	})
}

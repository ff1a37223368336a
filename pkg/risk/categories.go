package risk

import (
	"fmt"
	"strings"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

// DefaultCategories returns the built-in ordered category set.
func DefaultCategories() []domain.RiskCategory {
	return []domain.RiskCategory{
		{Name: "violence", Explanation: "description of violent acts"},
		{Name: "unethical_behavior", Explanation: "inquiries on how to perform an illegal activity"},
		{Name: "sexual_content", Explanation: "sexual content"},
	}
}

// BlockReason builds the reason surfaced when category blocks.
func BlockReason(category domain.RiskCategory) string {
	return fmt.Sprintf("blocked because it contained %s.", category.Explanation)
}

// ValidateCategories checks a category set is non-empty with unique, named
// entries.
func ValidateCategories(categories []domain.RiskCategory) error {
	if len(categories) == 0 {
		return fmt.Errorf("%w: at least one risk category is required", domain.ErrConfigInvalid)
	}

	seen := make(map[string]struct{}, len(categories))
	for i, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("%w: risk category [%d] missing name", domain.ErrConfigInvalid, i)
		}
		if strings.TrimSpace(c.Explanation) == "" {
			return fmt.Errorf("%w: risk category %q missing explanation", domain.ErrConfigInvalid, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate risk category %q", domain.ErrConfigInvalid, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

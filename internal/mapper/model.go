package mapper

import "strings"

// ModelFamily is which dialect's generation-config rules apply to a model
// name, independent of which client dialect the request arrived on.
type ModelFamily string

const (
	FamilyClaude  ModelFamily = "claude"
	FamilyGemini  ModelFamily = "gemini"
	FamilyUnknown ModelFamily = "unknown"
)

// Family classifies a model name by substring, grounded on the teacher's
// config.GetModelFamily.
func Family(model string) ModelFamily {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

// IsThinkingModel reports whether model requests extended-reasoning output
// by name, grounded on the teacher's config.IsThinkingModel.
func IsThinkingModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "thinking") || strings.Contains(lower, "-pro")
}

// flashLiteBudgetCap is the thinking-budget ceiling spec.md §4.6 applies to
// flash-family models.
const flashLiteBudgetCap = 24576

// ThinkingBudget resolves the effective thinking budget for model given the
// client-requested budget, capping flash-family models per spec.md §4.6.
func ThinkingBudget(model string, requested int) int {
	if strings.Contains(strings.ToLower(model), "flash") && requested > flashLiteBudgetCap {
		return flashLiteBudgetCap
	}
	return requested
}

// SanitizeModelName strips a "-thinking" suffix, used by the dispatcher's
// one-shot thinking-signature-failure recovery (spec.md §4.7/§8 scenario 5).
func SanitizeModelName(model string) string {
	return strings.TrimSuffix(model, "-thinking")
}

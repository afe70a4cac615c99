package validators

import "strings"

// NormalizeName trims and lowercases identifiers such as provider names so
// "Stripe " and "stripe" resolve to the same payment rows.
func NormalizeName(input string, maxLen int) string {
	out := strings.ToLower(strings.TrimSpace(input))
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

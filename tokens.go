package silas

import "math"

// EstimateTokens approximates the token count of text using the fixed
// chars/3.5 heuristic. Every budget decision in the runtime (zone budgets,
// length gates, work-item token accounting) goes through this single
// function so truncation and eviction math always agree.
//
// Non-empty text counts at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := int(math.Ceil(float64(len([]rune(text))) / 3.5))
	if n < 1 {
		n = 1
	}
	return n
}

// TruncateToTokens trims text so that EstimateTokens(result) <= maxTokens.
// Truncation happens on rune boundaries; the original text is returned
// unchanged when already within budget.
func TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}
	runes := []rune(text)
	// chars = tokens * 3.5, floor to stay at or under the budget.
	keep := int(float64(maxTokens) * 3.5)
	if keep >= len(runes) {
		keep = len(runes)
	}
	for keep > 0 && EstimateTokens(string(runes[:keep])) > maxTokens {
		keep--
	}
	return string(runes[:keep])
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length <= n guarantees rune count <= n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

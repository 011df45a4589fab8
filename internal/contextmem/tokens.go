package contextmem

import "github.com/frankbria/codeframe/internal/tokenutil"

// EstimateTokens returns an approximate token count for a string, using a
// word/char-blended heuristic rather than a bare chars-per-token guess.
func EstimateTokens(text string) int {
	return tokenutil.EstimateTokens(text)
}

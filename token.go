package cogito

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Token counting backs the compaction threshold check and oversized-result
// budgeting. The cl100k_base encoding is a good-enough approximation across
// current chat models; when initialization fails (e.g. no embedded vocab),
// a character heuristic takes over so counting never errors.

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens returns the token count of text using cl100k_base, falling
// back to EstimateTokens when the encoding is unavailable.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens returns a fast heuristic estimate: max(runes/4, words).
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	est := runes / 4
	if est < words {
		est = words
	}
	if est == 0 {
		est = 1
	}
	return est
}

// CountMessageTokens sums CountTokens over message contents, with a small
// fixed per-message overhead for role and framing.
func CountMessageTokens(messages []ChatMessage) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += CountTokens(m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += CountTokens(tc.Name) + CountTokens(string(tc.Args))
		}
	}
	return total
}

package cogito

import "testing"

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d, want 0", got)
	}
	if got := EstimateTokens("hi"); got != 1 {
		t.Errorf("tiny = %d, want 1", got)
	}
	// Long text approximates runes/4.
	long := EstimateTokens("abcdefgh abcdefgh abcdefgh abcdefgh")
	if long < 8 {
		t.Errorf("long = %d, want at least 8", long)
	}
	// Many short words floor at word count.
	words := EstimateTokens("a b c d e f g h")
	if words != 8 {
		t.Errorf("words = %d, want 8", words)
	}
}

func TestCountMessageTokens(t *testing.T) {
	none := CountMessageTokens(nil)
	if none != 0 {
		t.Errorf("empty = %d, want 0", none)
	}
	msgs := []ChatMessage{UserMessage("hello world"), AssistantMessage("hi")}
	if got := CountMessageTokens(msgs); got <= 8 {
		t.Errorf("got %d, want more than the per-message overhead", got)
	}
}

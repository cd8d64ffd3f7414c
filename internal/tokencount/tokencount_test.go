package tokencount

import "testing"

func TestCountUsesEncodingForKnownModel(t *testing.T) {
	c := New(nil)
	n := c.Count("hello world, this is a test prompt", "gpt-4o")
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
}

func TestCountPositiveForNonOpenAIModel(t *testing.T) {
	c := New(nil)
	n := c.Count("some text of reasonable length", "claude-3-5-sonnet")
	if n <= 0 {
		t.Fatalf("expected positive token count, got %d", n)
	}
}

func TestFallbackEmptyText(t *testing.T) {
	if got := fallback(""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
}

func TestFallbackNonEmptyTextNeverZero(t *testing.T) {
	if got := fallback("ab"); got != 1 {
		t.Fatalf("expected minimum estimate of 1, got %d", got)
	}
}

func TestEncodingNameMapping(t *testing.T) {
	cases := map[string]string{
		"gpt-4o-mini":   "o200k_base",
		"gpt-4-turbo":   "cl100k_base",
		"gpt-3.5-turbo": "cl100k_base",
		"claude-3-opus": defaultEncoding,
		"gemini-1.5-pro": defaultEncoding,
	}
	for model, want := range cases {
		if got := encodingName(model); got != want {
			t.Errorf("encodingName(%q) = %q, want %q", model, got, want)
		}
	}
}

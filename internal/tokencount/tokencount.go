// Package tokencount estimates token counts per provider family. It uses a
// tiktoken encoding (cl100k_base for models without a listed prefix) and
// falls back to a cheap character-based estimate when that encoding cannot
// be loaded.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// family maps a model name prefix to the tiktoken encoding that best
// approximates that provider's tokenizer. None of the non-OpenAI providers
// publish an open tokenizer, so Anthropic/Gemini/Mistral/etc. share the
// cl100k_base encoding as a reasonable approximation, matching how most
// gateways budget tokens for non-OpenAI models.
var family = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"text-embedding-3", "cl100k_base"},
}

const defaultEncoding = "cl100k_base"

// Counter counts tokens for a piece of text given a model name.
type Counter struct {
	log       *slog.Logger
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// New creates a Counter. log may be nil; a discarding logger is used then.
func New(log *slog.Logger) *Counter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Counter{log: log, encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the estimated number of tokens in text for model. It never
// returns an error: a tokenizer failure degrades to len(text)/4, logged at
// WARN, since an inaccurate estimate is always preferable to blocking the
// request pipeline on a tokenizer bug.
func (c *Counter) Count(text, model string) int {
	enc, err := c.encodingFor(model)
	if err != nil {
		c.log.Warn("tokencount: no encoding available, falling back to estimate",
			"model", model, "error", err)
		return fallback(text)
	}
	tokens := enc.Encode(text, nil, nil)
	return len(tokens)
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := encodingName(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encodings[name] = enc
	return enc, nil
}

func encodingName(model string) string {
	m := strings.ToLower(model)
	for _, f := range family {
		if strings.HasPrefix(m, f.prefix) {
			return f.encoding
		}
	}
	return defaultEncoding
}

func fallback(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Package tokens counts tokens so prompt sections can be held to a budget.
package tokens

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts the tokens in a piece of text.
type Counter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	codec    tokenizer.Codec
	fallback *Estimator
}

var (
	codecCache   = make(map[tokenizer.Encoding]tokenizer.Codec)
	codecCacheMu sync.Mutex
)

func getCodec(encoding tokenizer.Encoding) (tokenizer.Codec, error) {
	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()

	if codec, ok := codecCache[encoding]; ok {
		return codec, nil
	}
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, err
	}
	codecCache[encoding] = codec
	return codec, nil
}

// NewTiktokenCounter returns a counter for the given encoding.
func NewTiktokenCounter(encoding tokenizer.Encoding) (*TiktokenCounter, error) {
	codec, err := getCodec(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{codec: codec, fallback: NewEstimator()}, nil
}

// CountTokens returns the exact token count, or an estimate if encoding fails.
func (c *TiktokenCounter) CountTokens(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return c.fallback.CountTokens(text)
	}
	return len(ids)
}

// ForModel returns a counter matching the model's encoding. Unknown models use
// cl100k_base; if no encoding loads, the character estimator is returned.
func ForModel(model string) Counter {
	counter, err := NewTiktokenCounter(modelToEncoding(model))
	if err != nil {
		return NewEstimator()
	}
	return counter
}

// modelToEncoding maps model names to encoding names.
//
// Encoding reference:
// - O200kBase: GPT-5, GPT-4.1, GPT-4o, O-series
// - Cl100kBase: GPT-4, GPT-3.5-turbo and everything else
func modelToEncoding(model string) tokenizer.Encoding {
	model = strings.ToLower(model)

	switch {
	case strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// Estimator approximates token counts from text length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// CountTokens estimates the token count, rounding up.
func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text))/e.CharsPerToken + 0.999)
	if n < 1 {
		n = 1
	}
	return n
}

// Truncate returns the longest prefix of text, cut at a line or word
// boundary, that fits in maxTokens. A non-positive budget disables the limit.
func Truncate(c Counter, text string, maxTokens int) string {
	if maxTokens <= 0 || c.CountTokens(text) <= maxTokens {
		return text
	}

	words := strings.SplitAfter(text, " ")
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.CountTokens(strings.Join(words[:mid], "")) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.TrimRight(strings.Join(words[:lo], ""), " \n")
}

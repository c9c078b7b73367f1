package tokens

import (
	"strings"
	"testing"

	"github.com/tiktoken-go/tokenizer"
)

func TestTiktokenCounter_CountTokens(t *testing.T) {
	c, err := NewTiktokenCounter(tokenizer.Cl100kBase)
	if err != nil {
		t.Fatalf("NewTiktokenCounter() error = %v", err)
	}

	tests := []struct {
		name     string
		text     string
		min, max int
	}{
		{"empty", "", 0, 0},
		{"short", "Hello, how are you?", 3, 8},
		{"qa pair", "Q: What are your hours?\nA: We are open 9 to 5, Monday through Friday.", 15, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CountTokens(tt.text)
			if got < tt.min || got > tt.max {
				t.Errorf("CountTokens(%q) = %d, want between %d and %d", tt.text, got, tt.min, tt.max)
			}
		})
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := []struct {
		model string
		want  tokenizer.Encoding
	}{
		{"gpt-4o-mini", tokenizer.O200kBase},
		{"gpt-5", tokenizer.O200kBase},
		{"o3-mini", tokenizer.O200kBase},
		{"gpt-4", tokenizer.Cl100kBase},
		{"gpt-3.5-turbo", tokenizer.Cl100kBase},
		{"claude-3-5-haiku-latest", tokenizer.Cl100kBase},
		{"", tokenizer.Cl100kBase},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := modelToEncoding(tt.model); got != tt.want {
				t.Errorf("modelToEncoding(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimator_CountTokens(t *testing.T) {
	e := NewEstimator()
	if got := e.CountTokens(""); got != 0 {
		t.Errorf("CountTokens(empty) = %d, want 0", got)
	}
	if got := e.CountTokens("abc"); got != 1 {
		t.Errorf("CountTokens(abc) = %d, want 1", got)
	}
	if got := e.CountTokens(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("CountTokens(40 chars) = %d, want 10", got)
	}
}

func TestTruncate(t *testing.T) {
	c := ForModel("gpt-4")
	text := strings.Repeat("refund policy details ", 200)

	got := Truncate(c, text, 50)
	if n := c.CountTokens(got); n > 50 {
		t.Errorf("Truncate() = %d tokens, want <= 50", n)
	}
	if !strings.HasPrefix(text, got) {
		t.Error("Truncate() result is not a prefix of the input")
	}
	if got == "" {
		t.Error("Truncate() dropped everything")
	}

	short := "fits easily"
	if got := Truncate(c, short, 50); got != short {
		t.Errorf("Truncate(short) = %q, want unchanged", got)
	}
	if got := Truncate(c, text, 0); got != text {
		t.Error("Truncate() with no budget should not cut")
	}
}

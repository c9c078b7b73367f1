package responder

import (
	"context"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// Func adapts a function to ports.Responder.
type Func func(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error)

func (f Func) Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error) {
	return f(ctx, prompt)
}

// Static always returns the same reply. It backs demos without an LLM key.
type Static struct {
	Reply domain.Reply
}

// NewStatic returns a responder that always answers text with confidence.
func NewStatic(text string, confidence float64) *Static {
	return &Static{Reply: domain.Reply{Response: text, Confidence: confidence}}
}

func (s *Static) Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := s.Reply
	return &reply, nil
}

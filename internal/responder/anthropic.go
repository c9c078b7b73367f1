package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

const defaultAnthropicModel = anthropic.ModelClaude3_5HaikuLatest

// Anthropic generates replies with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropic creates an Anthropic-backed responder. An empty model selects
// the default.
func NewAnthropic(apiKey, model string, maxTokens int, opts ...option.RequestOption) *Anthropic {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	m := defaultAnthropicModel
	if model != "" {
		m = anthropic.Model(model)
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     m,
		maxTokens: int64(maxTokens),
	}
}

func (r *Anthropic) Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error) {
	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt(prompt)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPrompt(prompt))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("making Anthropic API call: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	return ParseResult(text.String())
}

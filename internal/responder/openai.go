package responder

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates replies with the Chat Completions API in JSON mode.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// OpenAIOption configures the OpenAI responder.
type OpenAIOption func(*openaiOptions)

type openaiOptions struct {
	baseURL     string
	httpClient  *http.Client
	model       string
	maxTokens   int
	temperature float32
}

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *openaiOptions) { o.baseURL = url }
}

// WithOpenAIHTTPClient overrides the HTTP client, e.g. for recorded tests.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *openaiOptions) { o.httpClient = c }
}

// WithOpenAIModel sets the model name.
func WithOpenAIModel(model string) OpenAIOption {
	return func(o *openaiOptions) { o.model = model }
}

// WithOpenAISampling sets max tokens and temperature.
func WithOpenAISampling(maxTokens int, temperature float32) OpenAIOption {
	return func(o *openaiOptions) {
		o.maxTokens = maxTokens
		o.temperature = temperature
	}
}

// NewOpenAI creates an OpenAI-backed responder.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	o := openaiOptions{model: defaultOpenAIModel}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}

	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       o.model,
		maxTokens:   o.maxTokens,
		temperature: o.temperature,
	}
}

func (r *OpenAI) Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error) {
	req := openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(prompt)},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(prompt)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: r.temperature,
	}
	if r.maxTokens > 0 {
		req.MaxTokens = r.maxTokens
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("making openai API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.ResponderUnavailable(domain.CodeMalformedResult, errors.New("openai returned no choices"))
	}

	return ParseResult(resp.Choices[0].Message.Content)
}

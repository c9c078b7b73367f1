package responder

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
)

// New builds the configured backend. Callers bound it with WithTimeout.
func New(cfg config.ResponderConfig) (ports.Responder, error) {
	var backend ports.Responder

	switch cfg.Type {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("responder.api_key is required for openai")
		}
		opts := []OpenAIOption{WithOpenAISampling(cfg.MaxTokens, cfg.Temp)}
		if cfg.Model != "" {
			opts = append(opts, WithOpenAIModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, WithOpenAIBaseURL(cfg.BaseURL))
		}
		backend = NewOpenAI(cfg.APIKey, opts...)
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("responder.api_key is required for anthropic")
		}
		var opts []option.RequestOption
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		backend = NewAnthropic(cfg.APIKey, cfg.Model, cfg.MaxTokens, opts...)
	case "", "static":
		backend = NewStatic(cfg.StaticResponse, cfg.StaticConfidence)
	default:
		return nil, fmt.Errorf("unknown responder type: %s", cfg.Type)
	}

	return backend, nil
}

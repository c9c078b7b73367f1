package responder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// wireResult mirrors the JSON object the model must return. Pointers detect
// missing fields.
type wireResult struct {
	Response      *string  `json:"response"`
	Confidence    *float64 `json:"confidence"`
	ShouldHandoff *bool    `json:"should_handoff"`
}

// ParseResult validates raw model output. An object without a non-empty
// string response, a confidence in [0,1] and a boolean should_handoff is
// rejected as a malformed result; other keys are ignored.
func ParseResult(raw string) (*domain.Reply, error) {
	reply, err := parseResult(raw)
	if err != nil {
		return nil, domain.ResponderUnavailable(domain.CodeMalformedResult, err)
	}
	return reply, nil
}

func parseResult(raw string) (*domain.Reply, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, errors.New("empty result")
	}

	// Extra keys (a model's "reasoning", say) are ignored.
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))

	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after result object")
	}

	switch {
	case w.Response == nil:
		return nil, errors.New("missing response")
	case strings.TrimSpace(*w.Response) == "":
		return nil, errors.New("empty response")
	case w.Confidence == nil:
		return nil, errors.New("missing confidence")
	case *w.Confidence < 0 || *w.Confidence > 1:
		return nil, fmt.Errorf("confidence %v out of range", *w.Confidence)
	case w.ShouldHandoff == nil:
		return nil, errors.New("missing should_handoff")
	}

	return &domain.Reply{
		Response:      strings.TrimSpace(*w.Response),
		Confidence:    *w.Confidence,
		ShouldHandoff: *w.ShouldHandoff,
	}, nil
}

// stripCodeFence removes a surrounding ```json fence, which some models add
// even when asked for bare JSON.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

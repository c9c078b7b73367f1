// Package responder turns a conversation turn into a bot reply with a
// confidence score, backed by an LLM.
package responder

import (
	"strings"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/tokens"
)

// BotName is the sender name on every bot-authored message.
const BotName = "AI Assistant"

// NoKnowledgeBase is rendered when a tenant has no usable knowledge base.
const NoKnowledgeBase = "No knowledge base available"

// BuildContext renders active knowledge-base items as Q/A pairs separated by
// blank lines, keeping whole pairs while they fit in maxTokens. A pair that
// alone exceeds the budget is cut at a word boundary.
func BuildContext(items []*domain.KnowledgeBaseItem, counter tokens.Counter, maxTokens int) string {
	var b strings.Builder
	for _, item := range items {
		if item == nil || !item.IsActive {
			continue
		}
		pair := "Q: " + item.Question + "\nA: " + item.Answer

		candidate := pair
		if b.Len() > 0 {
			candidate = b.String() + "\n\n" + pair
		}
		if maxTokens > 0 && counter.CountTokens(candidate) > maxTokens {
			if b.Len() == 0 {
				b.WriteString(tokens.Truncate(counter, pair, maxTokens))
			}
			break
		}
		b.Reset()
		b.WriteString(candidate)
	}
	return b.String()
}

// SystemPrompt frames the assistant persona and the required result shape.
func SystemPrompt(p *domain.Prompt) string {
	company := strings.TrimSpace(p.CompanyName)
	if company == "" {
		company = "our company"
	}
	return "You are a helpful customer support assistant for " + company + ". " +
		"Use the knowledge base to answer the customer's question. Be friendly, professional, and concise. " +
		"If you don't have enough information to answer accurately, politely say you'll connect them with a human agent.\n\n" +
		"Reply with a single JSON object and nothing else, with exactly these fields:\n" +
		`{"response": string, "confidence": number between 0 and 1, "should_handoff": boolean}`
}

// UserPrompt renders the grounding context, the recent history and the new message.
func UserPrompt(p *domain.Prompt) string {
	grounding := p.Context
	if strings.TrimSpace(grounding) == "" {
		grounding = NoKnowledgeBase
	}

	var history strings.Builder
	for i, m := range p.History {
		if i > 0 {
			history.WriteByte('\n')
		}
		history.WriteString(string(m.SenderType))
		history.WriteString(": ")
		history.WriteString(m.Text)
	}

	var b strings.Builder
	b.WriteString("Knowledge Base:\n")
	b.WriteString(grounding)
	b.WriteString("\n\nRecent conversation:\n")
	b.WriteString(history.String())
	b.WriteString("\n\nCustomer's latest message: ")
	b.WriteString(p.CustomerMessage)
	b.WriteString("\n\nProvide a helpful response:")
	return b.String()
}

// Package handoff owns the conversation hand-off state machine: when the AI
// assistant answers, when a conversation escalates to a human, and which
// agent owns it afterwards.
package handoff

import (
	"regexp"
	"strings"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// Hand-off reasons recorded on the conversation.
const (
	ReasonLowConfidence        = "Low confidence or complex query"
	ReasonCustomerRequest      = "Customer requested human agent"
	ReasonResponderUnavailable = "AI responder unavailable"
)

// Bot copy shown to the customer.
const (
	HandoffNotice   = "Let me connect you with one of our team members who can better assist you. They'll be with you shortly!"
	RequestedNotice = "Connecting you with our team now. Someone will be with you shortly!"
	FallbackMessage = "I'm having trouble processing your request. Let me connect you with a team member who can help!"
)

// Decision is the outcome of the escalation policy.
type Decision struct {
	Escalate bool   `json:"escalate"`
	Reason   string `json:"reason,omitempty"`
}

// Decide applies the escalation policy to a responder result. It is a pure
// function: the same reply and threshold always produce the same decision.
// A nil reply means the responder failed, which always escalates.
func Decide(reply *domain.Reply, threshold float64) Decision {
	if reply == nil {
		return Decision{Escalate: true, Reason: ReasonResponderUnavailable}
	}
	if reply.ShouldHandoff || reply.Confidence < threshold {
		return Decision{Escalate: true, Reason: ReasonLowConfidence}
	}
	return Decision{}
}

var ticketRefPattern = regexp.MustCompile(`(?i)\bTKT-\d{5}\b`)

// TicketRefs returns the distinct ticket references (TKT-00001 style) in
// text, upper-cased, in order of first appearance.
func TicketRefs(text string) []string {
	matches := ticketRefPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		ref := strings.ToUpper(m)
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs
}

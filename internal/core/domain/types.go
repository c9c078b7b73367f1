// Package domain holds the conversation hand-off model shared by the
// controller, the entity stores and the HTTP surface.
package domain

import "time"

// ConversationStatus is the hand-off state of a conversation.
type ConversationStatus string

const (
	// StatusBotActive means the AI assistant answers customer messages.
	StatusBotActive ConversationStatus = "bot_active"

	// StatusAwaitingAgent means escalation happened and no agent has accepted yet.
	StatusAwaitingAgent ConversationStatus = "awaiting_agent"

	// StatusWithAgent means a human agent owns the conversation.
	StatusWithAgent ConversationStatus = "with_agent"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusBotActive, StatusAwaitingAgent, StatusWithAgent:
		return true
	}
	return false
}

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderBot      SenderType = "bot"
	SenderAgent    SenderType = "agent"
)

// Conversation is one chat session between a customer and a tenant.
//
// AssignedAgent is non-empty only while Status is StatusWithAgent, and
// HandoffRequested never goes back to false once set.
type Conversation struct {
	ID               string             `json:"id"`
	ClientID         string             `json:"client_id"`
	CustomerName     string             `json:"customer_name"`
	CustomerEmail    string             `json:"customer_email"`
	Status           ConversationStatus `json:"status"`
	AssignedAgent    string             `json:"assigned_agent,omitempty"`
	HandoffRequested bool               `json:"handoff_requested"`
	HandoffReason    string             `json:"handoff_reason,omitempty"`
	IsResolved       bool               `json:"is_resolved"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a copy that callers may mutate freely.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversation_id"`
	SenderType      SenderType `json:"sender_type"`
	SenderName      string     `json:"sender_name"`
	Text            string     `json:"message"`
	IsAutomated     bool       `json:"is_automated"`
	ConfidenceScore *float64   `json:"confidence_score,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	// Seq breaks ties between messages created within the same clock tick.
	Seq int64 `json:"seq"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ConfidenceScore != nil {
		score := *m.ConfidenceScore
		cp.ConfidenceScore = &score
	}
	return &cp
}

// KnowledgeBaseItem is a question/answer pair used to ground bot replies.
type KnowledgeBaseItem struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Category  string    `json:"category,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}

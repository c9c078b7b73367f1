package domain

import (
	"time"
)

// LifecycleEvent is published whenever a conversation or its message log
// changes. Stream subscribers use it as a push complement to polling.
type LifecycleEvent struct {
	Type           LifecycleEventType `json:"type"`
	ConversationID string             `json:"conversation_id"`
	ClientID       string             `json:"client_id"`
	Timestamp      time.Time          `json:"timestamp"`
	Conversation   *Conversation      `json:"conversation,omitempty"`
	Message        *Message           `json:"message,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	EventConversationCreated LifecycleEventType = "conversation.created"
	EventConversationUpdated LifecycleEventType = "conversation.updated"
	EventMessageCreated      LifecycleEventType = "message.created"
)

// NewConversationEvent builds an event carrying a conversation snapshot.
func NewConversationEvent(t LifecycleEventType, conv *Conversation) *LifecycleEvent {
	return &LifecycleEvent{
		Type:           t,
		ConversationID: conv.ID,
		ClientID:       conv.ClientID,
		Timestamp:      time.Now(),
		Conversation:   conv.Clone(),
	}
}

// NewMessageEvent builds a message.created event.
func NewMessageEvent(clientID string, msg *Message) *LifecycleEvent {
	return &LifecycleEvent{
		Type:           EventMessageCreated,
		ConversationID: msg.ConversationID,
		ClientID:       clientID,
		Timestamp:      time.Now(),
		Message:        msg.Clone(),
	}
}

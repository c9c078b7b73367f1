package ports

import (
	"context"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// Responder produces a bot reply and a confidence score for a prompt.
// Implementations: OpenAI, Anthropic, static.
type Responder interface {
	Generate(ctx context.Context, prompt *domain.Prompt) (*domain.Reply, error)
}

// EventPublisher publishes conversation lifecycle events.
// Implementations: in-process hub (default), Redis pub/sub.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}

// EventSubscriber delivers published events to stream consumers.
type EventSubscriber interface {
	// Subscribe returns a channel of events for a tenant, optionally narrowed
	// to one conversation. The returned func releases the subscription.
	Subscribe(clientID, conversationID string) (<-chan *domain.LifecycleEvent, func())
}

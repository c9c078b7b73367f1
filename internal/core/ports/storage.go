package ports

import (
	"context"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// EntityStore persists conversations, their message logs, and the
// knowledge base consumed by the responder.
//
// Implementations must make UpdateConversation atomic: the preconditions in
// ConversationUpdate are checked and the new values written in one step, so
// two agents accepting the same conversation cannot both win.
type EntityStore interface {
	// CreateConversation stores a new conversation. ID, CreatedAt and
	// UpdatedAt are filled in when empty.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// AppendMessage appends to a conversation's log and bumps its updated_at.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns messages in chronological order.
	ListMessages(ctx context.Context, conversationID string, opts ListMessagesOptions) ([]*domain.Message, error)

	// UpdateConversation applies a conditional update and returns the new state.
	// A failed precondition returns an error matching domain.ErrConflict.
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) (*domain.Conversation, error)

	// ListActiveConversations lists unresolved conversations for a tenant,
	// most recently updated first.
	ListActiveConversations(ctx context.Context, clientID string) ([]*domain.Conversation, error)

	// ListKnowledgeBase lists a tenant's knowledge-base items.
	ListKnowledgeBase(ctx context.Context, clientID string, activeOnly bool) ([]*domain.KnowledgeBaseItem, error)

	// UpsertKnowledgeBaseItem inserts or replaces an item by ID.
	UpsertKnowledgeBaseItem(ctx context.Context, item *domain.KnowledgeBaseItem) error

	// Close closes the storage connection
	Close() error
}

// ListMessagesOptions bounds a message listing.
type ListMessagesOptions struct {
	// Limit, when positive, keeps only the most recent Limit messages
	// (still oldest first).
	Limit int
}

// ConversationUpdate is a conditional update. Nil fields are left unchanged.
type ConversationUpdate struct {
	// ExpectedStatus, when set, must equal the current status.
	ExpectedStatus *domain.ConversationStatus

	// RequireUnassigned requires the current assigned agent to be empty.
	RequireUnassigned bool

	Status        *domain.ConversationStatus
	AssignedAgent *string

	// RequestHandoff sets handoff_requested. The flag can only be raised;
	// HandoffReason is recorded only when it actually flips.
	RequestHandoff bool
	HandoffReason  string

	Resolve bool
}

// StatusPtr returns a pointer to s.
func StatusPtr(s domain.ConversationStatus) *domain.ConversationStatus {
	return &s
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Package memory is an in-process entity store for tests and single-node demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
)

type conversationEntry struct {
	conv     *domain.Conversation
	messages []*domain.Message

	// touched orders entries updated within the same clock tick.
	touched int64
}

// Store is an in-memory implementation of ports.EntityStore. Every method
// holds the store mutex for its whole duration, which makes the conditional
// update a true compare-and-set.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationEntry
	knowledge     map[string][]*domain.KnowledgeBaseItem
	seq           int64
}

var _ ports.EntityStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversationEntry),
		knowledge:     make(map[string][]*domain.KnowledgeBaseItem),
	}
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return domain.Conflict("conversation %s already exists", conv.ID)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = conv.CreatedAt
	if conv.Status == "" {
		conv.Status = domain.StatusBotActive
	}

	s.conversations[conv.ID] = &conversationEntry{conv: conv.Clone(), touched: s.next()}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.conversations[id]
	if !exists {
		return nil, domain.ConversationNotFound(id)
	}
	return entry.conv.Clone(), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.conversations[msg.ConversationID]
	if !exists {
		return domain.ConversationNotFound(msg.ConversationID)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Seq = s.next()

	entry.messages = append(entry.messages, msg.Clone())
	entry.conv.UpdatedAt = msg.CreatedAt
	entry.touched = msg.Seq
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, opts ports.ListMessagesOptions) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.conversations[conversationID]
	if !exists {
		return nil, domain.ConversationNotFound(conversationID)
	}

	msgs := entry.messages
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}

	result := make([]*domain.Message, len(msgs))
	for i, m := range msgs {
		result[i] = m.Clone()
	}
	return result, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, upd ports.ConversationUpdate) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.conversations[id]
	if !exists {
		return nil, domain.ConversationNotFound(id)
	}
	conv := entry.conv

	if upd.ExpectedStatus != nil && conv.Status != *upd.ExpectedStatus {
		return conv.Clone(), domain.Conflict("conversation %s is %s, expected %s", id, conv.Status, *upd.ExpectedStatus)
	}
	if upd.RequireUnassigned && conv.AssignedAgent != "" {
		return conv.Clone(), domain.Conflict("conversation %s is already assigned", id).WithCode(domain.CodeAlreadyAssigned)
	}

	if upd.Status != nil {
		conv.Status = *upd.Status
	}
	if upd.AssignedAgent != nil {
		conv.AssignedAgent = *upd.AssignedAgent
	}
	if upd.RequestHandoff && !conv.HandoffRequested {
		conv.HandoffRequested = true
		conv.HandoffReason = upd.HandoffReason
	}
	if upd.Resolve {
		conv.IsResolved = true
	}
	conv.UpdatedAt = time.Now().UTC()
	entry.touched = s.next()

	return conv.Clone(), nil
}

func (s *Store) ListActiveConversations(ctx context.Context, clientID string) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*conversationEntry
	for _, entry := range s.conversations {
		if entry.conv.ClientID == clientID && !entry.conv.IsResolved {
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.conv.UpdatedAt.Equal(b.conv.UpdatedAt) {
			return a.conv.UpdatedAt.After(b.conv.UpdatedAt)
		}
		return a.touched > b.touched
	})

	result := make([]*domain.Conversation, len(entries))
	for i, entry := range entries {
		result[i] = entry.conv.Clone()
	}
	return result, nil
}

func (s *Store) ListKnowledgeBase(ctx context.Context, clientID string, activeOnly bool) ([]*domain.KnowledgeBaseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.KnowledgeBaseItem
	for _, item := range s.knowledge[clientID] {
		if activeOnly && !item.IsActive {
			continue
		}
		cp := *item
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) UpsertKnowledgeBaseItem(ctx context.Context, item *domain.KnowledgeBaseItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	cp := *item
	items := s.knowledge[item.ClientID]
	for i, existing := range items {
		if existing.ID == item.ID {
			cp.CreatedAt = existing.CreatedAt
			items[i] = &cp
			return nil
		}
	}
	s.knowledge[item.ClientID] = append(items, &cp)
	return nil
}

func (s *Store) Close() error {
	return nil
}

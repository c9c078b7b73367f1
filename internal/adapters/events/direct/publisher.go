// Package direct provides an in-process event hub that fans lifecycle events
// out to stream subscribers.
package direct

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 32

type subscriber struct {
	clientID       string
	conversationID string
	ch             chan *domain.LifecycleEvent
}

func (s *subscriber) matches(ev *domain.LifecycleEvent) bool {
	if s.clientID != ev.ClientID {
		return false
	}
	return s.conversationID == "" || s.conversationID == ev.ConversationID
}

// Publisher implements ports.EventPublisher and ports.EventSubscriber for a
// single instance. Slow subscribers lose events rather than blocking the
// publisher; clients recover by polling the message log.
type Publisher struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	buffer  int
	closed  bool
	dropped atomic.Int64
}

var (
	_ ports.EventPublisher  = (*Publisher)(nil)
	_ ports.EventSubscriber = (*Publisher)(nil)
)

// NewPublisher creates a hub. A non-positive buffer uses DefaultBuffer.
func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Publisher{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Publish delivers event to every matching subscriber without blocking.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	if event == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}

	for s := range p.subs {
		if !s.matches(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			p.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber for a tenant, narrowed to one
// conversation when conversationID is non-empty.
func (p *Publisher) Subscribe(clientID, conversationID string) (<-chan *domain.LifecycleEvent, func()) {
	s := &subscriber{
		clientID:       clientID,
		conversationID: conversationID,
		ch:             make(chan *domain.LifecycleEvent, p.buffer),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[s]; ok {
				delete(p.subs, s)
				close(s.ch)
			}
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for s := range p.subs {
		delete(p.subs, s)
		close(s.ch)
	}
	return nil
}

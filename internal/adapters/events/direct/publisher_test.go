package direct

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

func event(clientID, convID string) *domain.LifecycleEvent {
	return domain.NewConversationEvent(domain.EventConversationUpdated, &domain.Conversation{
		ID:       convID,
		ClientID: clientID,
		Status:   domain.StatusAwaitingAgent,
	})
}

func receive(t *testing.T, ch <-chan *domain.LifecycleEvent) *domain.LifecycleEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *domain.LifecycleEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPublish_Filtering(t *testing.T) {
	p := NewPublisher(0)
	defer p.Close()
	ctx := context.Background()

	tenantWide, cancelA := p.Subscribe("acme", "")
	defer cancelA()
	oneConv, cancelB := p.Subscribe("acme", "c1")
	defer cancelB()
	otherTenant, cancelC := p.Subscribe("globex", "")
	defer cancelC()

	if err := p.Publish(ctx, event("acme", "c2")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := receive(t, tenantWide); got.ConversationID != "c2" {
		t.Errorf("tenant subscriber got %q, want c2", got.ConversationID)
	}
	expectNone(t, oneConv)
	expectNone(t, otherTenant)

	if err := p.Publish(ctx, event("acme", "c1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	receive(t, tenantWide)
	if got := receive(t, oneConv); got.ConversationID != "c1" {
		t.Errorf("conversation subscriber got %q, want c1", got.ConversationID)
	}
}

func TestPublish_SlowSubscriberDrops(t *testing.T) {
	p := NewPublisher(1)
	defer p.Close()
	ch, cancel := p.Subscribe("acme", "")
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), event("acme", "c1")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := p.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	receive(t, ch)
}

func TestSubscribe_Cancel(t *testing.T) {
	p := NewPublisher(0)
	defer p.Close()

	ch, cancel := p.Subscribe("acme", "")
	if p.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", p.Subscribers())
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if p.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", p.Subscribers())
	}
}

func TestClose(t *testing.T) {
	p := NewPublisher(0)
	ch, cancel := p.Subscribe("acme", "")
	defer cancel()

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	if err := p.Publish(context.Background(), event("acme", "c1")); err != nil {
		t.Errorf("Publish() after Close error = %v", err)
	}

	late, _ := p.Subscribe("acme", "")
	if _, ok := <-late; ok {
		t.Error("subscription after Close is open")
	}
}

package handoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/responder"
	"github.com/tjfontaine/supportdesk/internal/storage/memory"
	"github.com/tjfontaine/supportdesk/internal/tenant"
)

const testClient = "acme"

func newTenants(t *testing.T) *tenant.Registry {
	t.Helper()
	threshold := 0.7
	reg := tenant.NewRegistry()
	if _, err := reg.Load([]config.TenantConfig{{
		ID:                  testClient,
		Name:                "Acme",
		CompanyName:         "Acme Corp",
		ChatbotGreeting:     "Welcome to Acme!",
		ConfidenceThreshold: &threshold,
	}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return reg
}

// recordingResponder returns a fixed reply and remembers the prompts it saw.
type recordingResponder struct {
	mu      sync.Mutex
	reply   *domain.Reply
	err     error
	prompts []*domain.Prompt
}

func (r *recordingResponder) Generate(ctx context.Context, p *domain.Prompt) (*domain.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	if r.err != nil {
		return nil, r.err
	}
	reply := *r.reply
	return &reply, nil
}

func (r *recordingResponder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func newController(t *testing.T, store ports.EntityStore, r ports.Responder, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewController(store, r, newTenants(t), opts...)
}

func startConversation(t *testing.T, c *Controller) *domain.Conversation {
	t.Helper()
	conv, err := c.Start(context.Background(), StartRequest{
		ClientID:      testClient,
		CustomerName:  "Jane Doe",
		CustomerEmail: "jane@example.com",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return conv
}

func botMessages(msgs []*domain.Message) []*domain.Message {
	var out []*domain.Message
	for _, m := range msgs {
		if m.SenderType == domain.SenderBot {
			out = append(out, m)
		}
	}
	return out
}

func TestStart(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "hi", Confidence: 1}})
	ctx := context.Background()

	conv := startConversation(t, c)
	if conv.Status != domain.StatusBotActive {
		t.Errorf("Status = %q, want bot_active", conv.Status)
	}
	if conv.HandoffRequested || conv.AssignedAgent != "" || conv.IsResolved {
		t.Errorf("new conversation = %+v, want clean state", conv)
	}

	msgs, err := c.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len(messages) = %d, want 1 greeting", len(msgs))
	}
	greeting := msgs[0]
	if greeting.Text != "Welcome to Acme!" || greeting.SenderType != domain.SenderBot || !greeting.IsAutomated {
		t.Errorf("greeting = %+v", greeting)
	}
	if greeting.SenderName != responder.BotName {
		t.Errorf("SenderName = %q, want %q", greeting.SenderName, responder.BotName)
	}
	if greeting.ConfidenceScore != nil {
		t.Errorf("greeting has confidence score %v", *greeting.ConfidenceScore)
	}
}

func TestStart_Validation(t *testing.T) {
	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{"missing name", StartRequest{ClientID: testClient, CustomerEmail: "a@b.co"}, domain.ErrValidation},
		{"blank name", StartRequest{ClientID: testClient, CustomerName: "  ", CustomerEmail: "a@b.co"}, domain.ErrValidation},
		{"missing email", StartRequest{ClientID: testClient, CustomerName: "A"}, domain.ErrValidation},
		{"malformed email", StartRequest{ClientID: testClient, CustomerName: "A", CustomerEmail: "not-an-email"}, domain.ErrValidation},
		{"display-name email", StartRequest{ClientID: testClient, CustomerName: "A", CustomerEmail: "A <a@b.co>"}, domain.ErrValidation},
		{"unknown tenant", StartRequest{ClientID: "nope", CustomerName: "A", CustomerEmail: "a@b.co"}, domain.ErrTenantNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "hi", Confidence: 1}})

			_, err := c.Start(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() error = %v, want %v", err, tt.wantErr)
			}

			active, err := store.ListActiveConversations(context.Background(), testClient)
			if err != nil {
				t.Fatalf("ListActiveConversations() error = %v", err)
			}
			if len(active) != 0 {
				t.Errorf("failed intake left %d conversations behind", len(active))
			}
		})
	}
}

func TestHandleCustomerMessage_ConfidentAnswer(t *testing.T) {
	store := memory.New()
	r := &recordingResponder{reply: &domain.Reply{Response: "Reset it from settings.", Confidence: 0.9}}
	c := newController(t, store, r)
	conv := startConversation(t, c)

	turn, err := c.HandleCustomerMessage(context.Background(), conv.ID, "How do I reset my password?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}

	if turn.Escalated {
		t.Error("Escalated = true, want false")
	}
	if turn.Conversation.Status != domain.StatusBotActive {
		t.Errorf("Status = %q, want bot_active", turn.Conversation.Status)
	}
	if len(turn.BotMessages) != 1 {
		t.Fatalf("len(BotMessages) = %d, want 1", len(turn.BotMessages))
	}
	bot := turn.BotMessages[0]
	if bot.Text != "Reset it from settings." {
		t.Errorf("bot text = %q", bot.Text)
	}
	if bot.ConfidenceScore == nil || *bot.ConfidenceScore != 0.9 {
		t.Errorf("ConfidenceScore = %v, want 0.9", bot.ConfidenceScore)
	}
	if turn.CustomerMessage.SenderName != "Jane Doe" {
		t.Errorf("customer SenderName = %q", turn.CustomerMessage.SenderName)
	}

	p := r.prompts[0]
	if p.CompanyName != "Acme Corp" {
		t.Errorf("prompt CompanyName = %q", p.CompanyName)
	}
	if !strings.Contains(responder.UserPrompt(p), responder.NoKnowledgeBase) {
		t.Errorf("user prompt does not say %q", responder.NoKnowledgeBase)
	}
}

func TestHandleCustomerMessage_LowConfidenceEscalates(t *testing.T) {
	store := memory.New()
	r := &recordingResponder{reply: &domain.Reply{Response: "Not sure.", Confidence: 0.5}}
	c := newController(t, store, r)
	conv := startConversation(t, c)
	ctx := context.Background()

	turn, err := c.HandleCustomerMessage(ctx, conv.ID, "My invoice is wrong")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if !turn.Escalated {
		t.Fatal("Escalated = false, want true")
	}
	got := turn.Conversation
	if got.Status != domain.StatusAwaitingAgent {
		t.Errorf("Status = %q, want awaiting_agent", got.Status)
	}
	if !got.HandoffRequested || got.HandoffReason != ReasonLowConfidence {
		t.Errorf("handoff = (%v, %q), want (true, %q)", got.HandoffRequested, got.HandoffReason, ReasonLowConfidence)
	}
	if len(turn.BotMessages) != 2 || turn.BotMessages[1].Text != HandoffNotice {
		t.Errorf("BotMessages = %v, want reply then hand-off notice", turn.BotMessages)
	}

	// The agent owns the conversation now; the bot stays quiet.
	next, err := c.HandleCustomerMessage(ctx, conv.ID, "Hello?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if len(next.BotMessages) != 0 {
		t.Errorf("bot answered while awaiting agent: %v", next.BotMessages)
	}
	if r.calls() != 1 {
		t.Errorf("responder calls = %d, want 1", r.calls())
	}
}

func TestHandleCustomerMessage_ShouldHandoff(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "Let me get someone.", Confidence: 0.95, ShouldHandoff: true}})
	conv := startConversation(t, c)

	turn, err := c.HandleCustomerMessage(context.Background(), conv.ID, "I want a refund")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if turn.Conversation.Status != domain.StatusAwaitingAgent {
		t.Errorf("Status = %q, want awaiting_agent", turn.Conversation.Status)
	}
}

func TestHandleCustomerMessage_ResponderFailures(t *testing.T) {
	tests := []struct {
		name      string
		responder ports.Responder
	}{
		{
			name:      "error",
			responder: &recordingResponder{err: errors.New("connection refused")},
		},
		{
			name: "timeout",
			responder: responder.Func(func(ctx context.Context, p *domain.Prompt) (*domain.Reply, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		},
		{
			name: "malformed result",
			responder: responder.Func(func(ctx context.Context, p *domain.Prompt) (*domain.Reply, error) {
				return responder.ParseResult(`{"response":"hi","confidence":"high","should_handoff":false}`)
			}),
		},
		{
			name: "ignores deadline",
			responder: responder.Func(func(ctx context.Context, p *domain.Prompt) (*domain.Reply, error) {
				time.Sleep(200 * time.Millisecond)
				return &domain.Reply{Response: "late", Confidence: 1}, nil
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			c := newController(t, store, tt.responder, WithResponderTimeout(20*time.Millisecond))
			conv := startConversation(t, c)

			turn, err := c.HandleCustomerMessage(context.Background(), conv.ID, "help")
			if err != nil {
				t.Fatalf("HandleCustomerMessage() error = %v", err)
			}
			if len(turn.BotMessages) != 1 || turn.BotMessages[0].Text != FallbackMessage {
				t.Fatalf("BotMessages = %v, want only the fallback", turn.BotMessages)
			}
			if turn.BotMessages[0].ConfidenceScore != nil {
				t.Error("fallback carries a confidence score")
			}
			got := turn.Conversation
			if got.Status != domain.StatusAwaitingAgent {
				t.Errorf("Status = %q, want awaiting_agent", got.Status)
			}
			if got.HandoffReason != ReasonResponderUnavailable {
				t.Errorf("HandoffReason = %q, want %q", got.HandoffReason, ReasonResponderUnavailable)
			}
		})
	}
}

func TestHandleCustomerMessage_CallerCancelled(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "Sure.", Confidence: 0.9}})
	conv := startConversation(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	turn, err := c.HandleCustomerMessage(ctx, conv.ID, "still there?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if len(turn.BotMessages) != 1 || turn.BotMessages[0].Text != "Sure." {
		t.Errorf("BotMessages = %v, want the answer despite cancellation", turn.BotMessages)
	}
}

func TestHandleCustomerMessage_History(t *testing.T) {
	store := memory.New()
	r := &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 0.9}}
	c := newController(t, store, r, WithHistoryWindow(3))
	conv := startConversation(t, c)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := c.HandleCustomerMessage(ctx, conv.ID, fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("HandleCustomerMessage() error = %v", err)
		}
	}

	last := r.prompts[len(r.prompts)-1]
	if last.CustomerMessage != "question 3" {
		t.Errorf("CustomerMessage = %q", last.CustomerMessage)
	}
	if len(last.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(last.History))
	}
	for _, m := range last.History {
		if m.Text == "question 3" {
			t.Error("history contains the message being answered")
		}
	}
	if last.History[2].Text != "ok" || last.History[1].Text != "question 2" {
		t.Errorf("History not in chronological order: %q, %q", last.History[1].Text, last.History[2].Text)
	}
}

// failingKBStore fails knowledge-base reads.
type failingKBStore struct {
	*memory.Store
}

func (s failingKBStore) ListKnowledgeBase(ctx context.Context, clientID string, activeOnly bool) ([]*domain.KnowledgeBaseItem, error) {
	return nil, errors.New("kb offline")
}

func TestHandleCustomerMessage_KnowledgeBase(t *testing.T) {
	t.Run("grounded", func(t *testing.T) {
		store := memory.New()
		ctx := context.Background()
		for _, item := range []*domain.KnowledgeBaseItem{
			{ID: "kb1", ClientID: testClient, Question: "Hours?", Answer: "9 to 5", IsActive: true},
			{ID: "kb2", ClientID: testClient, Question: "Old?", Answer: "retired", IsActive: false},
			{ID: "kb3", ClientID: "other", Question: "Other?", Answer: "not yours", IsActive: true},
		} {
			if err := store.UpsertKnowledgeBaseItem(ctx, item); err != nil {
				t.Fatalf("UpsertKnowledgeBaseItem() error = %v", err)
			}
		}
		r := &recordingResponder{reply: &domain.Reply{Response: "9 to 5", Confidence: 0.9}}
		c := newController(t, store, r)
		conv := startConversation(t, c)

		if _, err := c.HandleCustomerMessage(ctx, conv.ID, "When are you open?"); err != nil {
			t.Fatalf("HandleCustomerMessage() error = %v", err)
		}
		got := r.prompts[0].Context
		if !strings.Contains(got, "Q: Hours?\nA: 9 to 5") {
			t.Errorf("Context = %q, want the active item", got)
		}
		if strings.Contains(got, "retired") || strings.Contains(got, "not yours") {
			t.Errorf("Context = %q, leaked inactive or foreign items", got)
		}
	})

	t.Run("store failure degrades to empty context", func(t *testing.T) {
		store := failingKBStore{memory.New()}
		r := &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 0.9}}
		c := newController(t, store, r)
		conv := startConversation(t, c)

		turn, err := c.HandleCustomerMessage(context.Background(), conv.ID, "hi")
		if err != nil {
			t.Fatalf("HandleCustomerMessage() error = %v", err)
		}
		if turn.Escalated {
			t.Error("KB failure escalated the conversation")
		}
		if r.prompts[0].Context != "" {
			t.Errorf("Context = %q, want empty", r.prompts[0].Context)
		}
		if !strings.Contains(responder.UserPrompt(r.prompts[0]), responder.NoKnowledgeBase) {
			t.Errorf("user prompt does not say %q", responder.NoKnowledgeBase)
		}
	})
}

func TestHandleCustomerMessage_ResolvedStillAnswered(t *testing.T) {
	store := memory.New()
	r := &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 0.9}}
	c := newController(t, store, r)
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, conv.ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	turn, err := c.HandleCustomerMessage(ctx, conv.ID, "still broken")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if r.calls() != 1 {
		t.Errorf("responder calls = %d, want 1", r.calls())
	}
	if len(turn.BotMessages) != 1 || turn.BotMessages[0].Text != "ok" {
		t.Errorf("BotMessages = %+v, want one reply", turn.BotMessages)
	}
	if !turn.Conversation.IsResolved || turn.Conversation.Status != domain.StatusBotActive {
		t.Errorf("conversation = %+v, want resolved and bot_active", turn.Conversation)
	}
}

// flakyBotStore fails the first failures bot appends.
type flakyBotStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyBotStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.SenderType == domain.SenderBot {
		s.mu.Lock()
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			return errors.New("transient store error")
		}
	}
	return s.Store.AppendMessage(ctx, msg)
}

func TestHandleCustomerMessage_BotAppendFails(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantTexts []string
	}{
		{
			name:      "fallback after failed reply",
			failures:  1,
			wantTexts: []string{FallbackMessage},
		},
		{
			name:      "escalates even when fallback fails",
			failures:  2,
			wantTexts: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyBotStore{Store: memory.New()}
			r := &recordingResponder{reply: &domain.Reply{Response: "Reset it from settings.", Confidence: 0.95}}
			c := newController(t, store, r)
			conv := startConversation(t, c)
			ctx := context.Background()

			store.mu.Lock()
			store.failures = tt.failures
			store.mu.Unlock()

			turn, err := c.HandleCustomerMessage(ctx, conv.ID, "my password does not work")
			if err != nil {
				t.Fatalf("HandleCustomerMessage() error = %v", err)
			}

			var texts []string
			for _, m := range turn.BotMessages {
				texts = append(texts, m.Text)
			}
			if fmt.Sprint(texts) != fmt.Sprint(tt.wantTexts) {
				t.Errorf("bot messages = %q, want %q", texts, tt.wantTexts)
			}
			if turn.Decision == nil || *turn.Decision != (Decision{Escalate: true, Reason: ReasonResponderUnavailable}) {
				t.Errorf("Decision = %+v, want responder unavailable", turn.Decision)
			}

			got, err := c.Get(ctx, conv.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != domain.StatusAwaitingAgent || !got.HandoffRequested {
				t.Errorf("conversation = %+v, want awaiting_agent with handoff requested", got)
			}
			if got.HandoffReason != ReasonResponderUnavailable {
				t.Errorf("HandoffReason = %q, want %q", got.HandoffReason, ReasonResponderUnavailable)
			}

			active, err := c.ListActive(ctx, testClient)
			if err != nil {
				t.Fatalf("ListActive() error = %v", err)
			}
			if len(active) != 1 || active[0].ID != conv.ID {
				t.Errorf("ListActive() = %d conversations, want the stranded one", len(active))
			}
		})
	}
}

func TestHandleCustomerMessage_Errors(t *testing.T) {
	c := newController(t, memory.New(), &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	ctx := context.Background()

	if _, err := c.HandleCustomerMessage(ctx, "missing", "hi"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("HandleCustomerMessage(missing) error = %v, want not found", err)
	}
	conv := startConversation(t, c)
	if _, err := c.HandleCustomerMessage(ctx, conv.ID, "   "); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("HandleCustomerMessage(blank) error = %v, want validation", err)
	}
}

func TestHandleCustomerMessage_TicketRefs(t *testing.T) {
	c := newController(t, memory.New(), &recordingResponder{reply: &domain.Reply{Response: "Looking.", Confidence: 0.9}})
	conv := startConversation(t, c)

	turn, err := c.HandleCustomerMessage(context.Background(), conv.ID, "status of tkt-00123?")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if len(turn.TicketRefs) != 1 || turn.TicketRefs[0] != "TKT-00123" {
		t.Errorf("TicketRefs = %v, want [TKT-00123]", turn.TicketRefs)
	}
}

func TestRequestAgent(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	got, err := c.RequestAgent(ctx, conv.ID)
	if err != nil {
		t.Fatalf("RequestAgent() error = %v", err)
	}
	if got.Status != domain.StatusAwaitingAgent || got.HandoffReason != ReasonCustomerRequest {
		t.Errorf("conversation = %+v", got)
	}

	if _, err := c.RequestAgent(ctx, conv.ID); err != nil {
		t.Fatalf("RequestAgent() again error = %v", err)
	}
	msgs, _ := c.Messages(ctx, conv.ID)
	count := 0
	for _, m := range msgs {
		if m.Text == RequestedNotice {
			count++
		}
	}
	if count != 1 {
		t.Errorf("request notice appended %d times, want 1", count)
	}
}

func TestHandoffFlagIsMonotonic(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "hmm", Confidence: 0.1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.HandleCustomerMessage(ctx, conv.ID, "complicated"); err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}

	steps := []func() (*domain.Conversation, error){
		func() (*domain.Conversation, error) { return c.RequestAgent(ctx, conv.ID) },
		func() (*domain.Conversation, error) { return c.Accept(ctx, conv.ID, "agent-a") },
		func() (*domain.Conversation, error) { return c.TakeOver(ctx, conv.ID, "agent-b") },
		func() (*domain.Conversation, error) { return c.Resolve(ctx, conv.ID) },
	}
	for i, step := range steps {
		got, err := step()
		if err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
		if !got.HandoffRequested || got.HandoffReason != ReasonLowConfidence {
			t.Errorf("step %d: handoff = (%v, %q), want (true, %q)", i, got.HandoffRequested, got.HandoffReason, ReasonLowConfidence)
		}
		if got.Status == domain.StatusBotActive {
			t.Errorf("step %d: status regressed to bot_active", i)
		}
	}
}

func TestAccept(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.RequestAgent(ctx, conv.ID); err != nil {
		t.Fatalf("RequestAgent() error = %v", err)
	}

	got, err := c.Accept(ctx, conv.ID, "agent-a")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if got.Status != domain.StatusWithAgent || got.AssignedAgent != "agent-a" {
		t.Errorf("conversation = %+v", got)
	}

	if _, err := c.Accept(ctx, conv.ID, "agent-a"); err != nil {
		t.Errorf("Accept() by same agent error = %v, want idempotent success", err)
	}

	_, err = c.Accept(ctx, conv.ID, "agent-b")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("Accept() by other agent error = %v, want invalid transition", err)
	}

	if _, err := c.Accept(ctx, "missing", "agent-a"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("Accept(missing) error = %v, want not found", err)
	}
}

func TestAccept_Concurrent(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "?", Confidence: 0.2}})
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.HandleCustomerMessage(ctx, conv.ID, "need a human"); err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}

	const agents = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if _, err := c.Accept(ctx, conv.ID, agent); err == nil {
				mu.Lock()
				winners = append(winners, agent)
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("Accept() error = %v", err)
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	got, err := c.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusWithAgent || got.AssignedAgent != winners[0] {
		t.Errorf("final state = (%q, %q), want (with_agent, %q)", got.Status, got.AssignedAgent, winners[0])
	}
}

func TestTakeOver_FromBotActive(t *testing.T) {
	store := memory.New()
	r := &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}}
	c := newController(t, store, r)
	conv := startConversation(t, c)
	ctx := context.Background()

	got, err := c.TakeOver(ctx, conv.ID, "agent-a")
	if err != nil {
		t.Fatalf("TakeOver() error = %v", err)
	}
	if got.Status != domain.StatusWithAgent || got.AssignedAgent != "agent-a" {
		t.Errorf("conversation = %+v", got)
	}

	turn, err := c.HandleCustomerMessage(ctx, conv.ID, "hi agent")
	if err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	if len(turn.BotMessages) != 0 || r.calls() != 0 {
		t.Error("bot answered a conversation owned by an agent")
	}
}

func TestAgentReply(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.AgentReply(ctx, conv.ID, "agent-a", "Alice", "hello"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("AgentReply() before accept error = %v, want invalid transition", err)
	}

	if _, err := c.RequestAgent(ctx, conv.ID); err != nil {
		t.Fatalf("RequestAgent() error = %v", err)
	}
	if _, err := c.Accept(ctx, conv.ID, "agent-a"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	msg, err := c.AgentReply(ctx, conv.ID, "agent-a", "Alice", "Hi, I'm Alice.")
	if err != nil {
		t.Fatalf("AgentReply() error = %v", err)
	}
	if msg.SenderType != domain.SenderAgent || msg.SenderName != "Alice" || msg.IsAutomated {
		t.Errorf("agent message = %+v", msg)
	}

	if _, err := c.AgentReply(ctx, conv.ID, "agent-b", "Bob", "me too"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("AgentReply() by other agent error = %v, want invalid transition", err)
	}
}

func TestResolve(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := c.Resolve(ctx, conv.ID)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !got.IsResolved || got.Status != domain.StatusBotActive {
			t.Errorf("Resolve() = (%v, %q), want (true, bot_active)", got.IsResolved, got.Status)
		}
	}

	active, err := c.ListActive(ctx, testClient)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListActive() = %d conversations, want 0", len(active))
	}
}

func TestListActive(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	ctx := context.Background()

	first := startConversation(t, c)
	second := startConversation(t, c)
	if _, err := c.HandleCustomerMessage(ctx, first.ID, "bump"); err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}

	active, err := c.ListActive(ctx, testClient)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(active) != 2 || active[0].ID != first.ID || active[1].ID != second.ID {
		t.Errorf("ListActive() order wrong: %v", active)
	}

	if _, err := c.ListActive(ctx, "nope"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("ListActive(unknown) error = %v, want tenant not found", err)
	}
}

func TestReevaluate(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	conv := startConversation(t, c)
	ctx := context.Background()

	// A low-confidence reply stored without its escalation, as after a crash.
	if err := store.AppendMessage(ctx, &domain.Message{
		ConversationID:  conv.ID,
		SenderType:      domain.SenderBot,
		SenderName:      responder.BotName,
		Text:            "not sure",
		IsAutomated:     true,
		ConfidenceScore: domain.Float64(0.3),
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	got, err := c.Reevaluate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Reevaluate() error = %v", err)
	}
	if !got.Decision.Escalate || !got.Applied {
		t.Fatalf("Reevaluate() = %+v, want applied escalation", got)
	}
	if got.Conversation.Status != domain.StatusAwaitingAgent || got.Conversation.HandoffReason != ReasonLowConfidence {
		t.Errorf("conversation = %+v", got.Conversation)
	}

	again, err := c.Reevaluate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Reevaluate() again error = %v", err)
	}
	if again.Applied {
		t.Error("second Reevaluate() applied a transition")
	}

	msgs, _ := c.Messages(ctx, conv.ID)
	if n := len(botMessages(msgs)); n != 3 {
		t.Errorf("bot messages = %d, want greeting, reply, notice", n)
	}
}

func TestReevaluate_NothingToDo(t *testing.T) {
	store := memory.New()
	c := newController(t, store, &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 0.9}})
	conv := startConversation(t, c)
	ctx := context.Background()

	if _, err := c.HandleCustomerMessage(ctx, conv.ID, "hi"); err != nil {
		t.Fatalf("HandleCustomerMessage() error = %v", err)
	}
	got, err := c.Reevaluate(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Reevaluate() error = %v", err)
	}
	if got.Decision.Escalate || got.Applied || got.Conversation.Status != domain.StatusBotActive {
		t.Errorf("Reevaluate() = %+v, want no change", got)
	}
}

func TestMessages_NotFound(t *testing.T) {
	c := newController(t, memory.New(), &recordingResponder{reply: &domain.Reply{Response: "ok", Confidence: 1}})
	if _, err := c.Messages(context.Background(), "missing"); !errors.Is(err, domain.ErrConversationNotFound) {
		t.Errorf("Messages() error = %v, want not found", err)
	}
}

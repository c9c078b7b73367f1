package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/responder"
	"github.com/tjfontaine/supportdesk/internal/tenant"
	"github.com/tjfontaine/supportdesk/internal/tokens"
)

const (
	defaultHistoryWindow    = 5
	defaultMaxContextTokens = 2000
	defaultResponderTimeout = 15 * time.Second
	defaultPersistTimeout   = 5 * time.Second
)

// TenantLookup resolves a client id to its tenant record.
type TenantLookup interface {
	Lookup(id string) (*tenant.Tenant, error)
}

// Controller drives conversations through bot_active, awaiting_agent and
// with_agent. It holds no per-conversation state; the store is the source of
// truth and all transitions go through its conditional update.
type Controller struct {
	store     ports.EntityStore
	responder ports.Responder
	tenants   TenantLookup
	events    ports.EventPublisher
	logger    *slog.Logger
	tracer    trace.Tracer
	counter   tokens.Counter

	historyWindow    int
	maxContextTokens int
	responderTimeout time.Duration
	persistTimeout   time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p ports.EventPublisher) Option {
	return func(c *Controller) {
		c.events = p
	}
}

// WithHistoryWindow sets how many prior messages are sent to the responder.
func WithHistoryWindow(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historyWindow = n
		}
	}
}

// WithMaxContextTokens bounds the knowledge-base grounding.
func WithMaxContextTokens(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxContextTokens = n
		}
	}
}

// WithTokenCounter sets the counter used for the grounding budget.
func WithTokenCounter(counter tokens.Counter) Option {
	return func(c *Controller) {
		c.counter = counter
	}
}

// WithTracer sets the tracer used for responder spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithResponderTimeout bounds each responder call.
func WithResponderTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.responderTimeout = d
		}
	}
}

// NewController creates a controller. The responder is wrapped with
// responder.WithTimeout so every failure surfaces as ErrResponderUnavailable.
func NewController(store ports.EntityStore, r ports.Responder, tenants TenantLookup, opts ...Option) *Controller {
	c := &Controller{
		store:            store,
		tenants:          tenants,
		logger:           slog.Default(),
		historyWindow:    defaultHistoryWindow,
		maxContextTokens: defaultMaxContextTokens,
		responderTimeout: defaultResponderTimeout,
		persistTimeout:   defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/tjfontaine/supportdesk/internal/handoff")
	}
	if c.counter == nil {
		c.counter = tokens.ForModel("")
	}
	c.responder = responder.WithTimeout(r, c.responderTimeout)
	return c
}

// StartRequest is the customer intake form.
type StartRequest struct {
	ClientID      string `json:"client_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

// Validate checks the intake fields.
func (r StartRequest) Validate() error {
	if strings.TrimSpace(r.CustomerName) == "" {
		return domain.Validation("customer_name is required")
	}
	email := strings.TrimSpace(r.CustomerEmail)
	if email == "" {
		return domain.Validation("customer_email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return domain.Validation("customer_email %q is not a valid address", r.CustomerEmail)
	}
	return nil
}

// Turn is the result of handling one customer message.
type Turn struct {
	CustomerMessage *domain.Message      `json:"customer_message"`
	BotMessages     []*domain.Message    `json:"bot_messages"`
	Conversation    *domain.Conversation `json:"conversation"`
	Decision        *Decision            `json:"decision,omitempty"`
	Escalated       bool                 `json:"escalated"`
	TicketRefs      []string             `json:"ticket_refs,omitempty"`
}

// Reevaluation is the result of re-applying the policy to a stored reply.
type Reevaluation struct {
	Decision     Decision             `json:"decision"`
	Applied      bool                 `json:"applied"`
	Conversation *domain.Conversation `json:"conversation"`
}

// Start validates the intake, creates the conversation in bot_active and
// greets the customer. Nothing is stored when validation fails.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*domain.Conversation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t, err := c.tenants.Lookup(req.ClientID)
	if err != nil {
		return nil, err
	}

	conv := &domain.Conversation{
		ClientID:      t.ID,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Status:        domain.StatusBotActive,
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	c.publish(ctx, domain.NewConversationEvent(domain.EventConversationCreated, conv))

	greeting := t.Greeting
	if greeting == "" {
		greeting = config.DefaultGreeting
	}
	if _, err := c.appendBot(ctx, conv, greeting, nil); err != nil {
		c.logger.Warn("failed to send greeting",
			slog.String("conversation_id", conv.ID),
			slog.String("client_id", conv.ClientID),
			slog.String("error", err.Error()))
	}

	c.logger.Info("conversation started",
		slog.String("conversation_id", conv.ID),
		slog.String("client_id", conv.ClientID))
	return conv, nil
}

// HandleCustomerMessage records a customer message and, while the bot owns
// the conversation, produces exactly one responder-derived reply. Any
// escalation the reply triggers is applied before returning.
func (c *Controller) HandleCustomerMessage(ctx context.Context, conversationID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Validation("message is required")
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderType:     domain.SenderCustomer,
		SenderName:     conv.CustomerName,
		Text:           text,
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append customer message: %w", err)
	}
	c.publish(ctx, domain.NewMessageEvent(conv.ClientID, msg))

	turn := &Turn{
		CustomerMessage: msg,
		BotMessages:     []*domain.Message{},
		Conversation:    conv,
		TicketRefs:      TicketRefs(text),
	}
	if conv.Status != domain.StatusBotActive {
		return turn, nil
	}

	// The reply must be recorded even if the widget disconnects mid-turn.
	work, cancel := persistenceContext(ctx, c.responderTimeout+c.persistTimeout)
	defer cancel()

	t := c.tenantFor(conv.ClientID)

	var (
		decision Decision
		notice   string
		score    *float64
		botText  string
	)
	reply, genErr := c.generate(work, conv, t, msg)
	if genErr != nil {
		c.logger.Warn("responder failed, escalating",
			slog.String("conversation_id", conv.ID),
			slog.String("client_id", conv.ClientID),
			slog.String("error", genErr.Error()))
		decision = Decide(nil, t.ConfidenceThreshold)
		botText = FallbackMessage
	} else {
		decision = Decide(reply, t.ConfidenceThreshold)
		botText = reply.Response
		score = domain.Float64(reply.Confidence)
		notice = HandoffNotice
	}
	turn.Decision = &decision

	bot, err := c.appendBot(work, conv, botText, score)
	if err != nil && botText != FallbackMessage {
		c.logger.Error("failed to append bot reply, retrying with fallback",
			slog.String("conversation_id", conv.ID),
			slog.String("client_id", conv.ClientID),
			slog.String("error", err.Error()))
		decision = Decide(nil, t.ConfidenceThreshold)
		turn.Decision = &decision
		notice = ""
		bot, err = c.appendBot(work, conv, FallbackMessage, nil)
	}
	if err != nil {
		c.logger.Error("failed to append fallback reply",
			slog.String("conversation_id", conv.ID),
			slog.String("client_id", conv.ClientID),
			slog.String("error", err.Error()))
		decision = Decide(nil, t.ConfidenceThreshold)
		turn.Decision = &decision
		notice = ""
	} else {
		turn.BotMessages = append(turn.BotMessages, bot)
	}

	if decision.Escalate {
		updated, transitioned, extra, err := c.escalate(work, conv, decision.Reason, notice)
		if err != nil {
			c.logger.Error("failed to escalate",
				slog.String("conversation_id", conv.ID),
				slog.String("client_id", conv.ClientID),
				slog.String("error", err.Error()))
			return turn, nil
		}
		turn.Conversation = updated
		turn.Escalated = transitioned
		if extra != nil {
			turn.BotMessages = append(turn.BotMessages, extra)
		}
		return turn, nil
	}

	if fresh, err := c.store.GetConversation(work, conv.ID); err == nil {
		turn.Conversation = fresh
	}
	return turn, nil
}

// RequestAgent escalates on the customer's explicit request. It is a no-op
// once the conversation has left bot_active.
func (c *Controller) RequestAgent(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.StatusBotActive {
		return conv, nil
	}
	updated, _, _, err := c.escalate(ctx, conv, ReasonCustomerRequest, RequestedNotice)
	return updated, err
}

// Accept assigns an unassigned conversation to agentID. Accepting again as
// the same agent succeeds without change; a conversation owned by another
// agent is rejected.
func (c *Controller) Accept(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	if agentID == "" {
		return nil, domain.Validation("agent id is required")
	}

	updated, err := c.store.UpdateConversation(ctx, conversationID, ports.ConversationUpdate{
		RequireUnassigned: true,
		Status:            ports.StatusPtr(domain.StatusWithAgent),
		AssignedAgent:     ports.StringPtr(agentID),
	})
	if errors.Is(err, domain.ErrConflict) {
		current, getErr := c.current(ctx, conversationID, updated)
		if getErr != nil {
			return nil, getErr
		}
		if current.AssignedAgent == agentID {
			return current, nil
		}
		return nil, domain.InvalidTransition("conversation %s is assigned to another agent", conversationID).
			WithCode(domain.CodeAlreadyAssigned)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("conversation accepted",
		slog.String("conversation_id", updated.ID),
		slog.String("client_id", updated.ClientID),
		slog.String("agent_id", agentID))
	c.publish(ctx, domain.NewConversationEvent(domain.EventConversationUpdated, updated))
	return updated, nil
}

// TakeOver assigns the conversation to agentID regardless of its current
// status or owner.
func (c *Controller) TakeOver(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	if agentID == "" {
		return nil, domain.Validation("agent id is required")
	}

	updated, err := c.store.UpdateConversation(ctx, conversationID, ports.ConversationUpdate{
		Status:        ports.StatusPtr(domain.StatusWithAgent),
		AssignedAgent: ports.StringPtr(agentID),
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("conversation taken over",
		slog.String("conversation_id", updated.ID),
		slog.String("client_id", updated.ClientID),
		slog.String("agent_id", agentID))
	c.publish(ctx, domain.NewConversationEvent(domain.EventConversationUpdated, updated))
	return updated, nil
}

// AgentReply appends a message from the assigned agent.
func (c *Controller) AgentReply(ctx context.Context, conversationID, agentID, agentName, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Validation("message is required")
	}
	if agentID == "" {
		return nil, domain.Validation("agent id is required")
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	switch {
	case conv.Status != domain.StatusWithAgent || conv.AssignedAgent == "":
		return nil, domain.InvalidTransition("conversation %s has no assigned agent", conv.ID).
			WithCode(domain.CodeNotAssigned)
	case conv.AssignedAgent != agentID:
		return nil, domain.InvalidTransition("conversation %s is assigned to another agent", conv.ID).
			WithCode(domain.CodeAlreadyAssigned)
	}

	if agentName == "" {
		agentName = agentID
	}
	msg := &domain.Message{
		ConversationID: conv.ID,
		SenderType:     domain.SenderAgent,
		SenderName:     agentName,
		Text:           text,
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append agent message: %w", err)
	}
	c.publish(ctx, domain.NewMessageEvent(conv.ClientID, msg))
	return msg, nil
}

// Resolve marks the conversation resolved. Status is left unchanged.
func (c *Controller) Resolve(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	updated, err := c.store.UpdateConversation(ctx, conversationID, ports.ConversationUpdate{Resolve: true})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, domain.NewConversationEvent(domain.EventConversationUpdated, updated))
	return updated, nil
}

// Reevaluate re-applies the escalation policy to the latest responder
// reply. It repairs a conversation whose reply was stored but whose
// escalation was not, and is safe to call any number of times.
func (c *Controller) Reevaluate(ctx context.Context, conversationID string) (*Reevaluation, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(ctx, conv.ID, ports.ListMessagesOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	t := c.tenantFor(conv.ClientID)
	result := &Reevaluation{Conversation: conv}
	notice := ""

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.SenderType != domain.SenderBot {
			continue
		}
		if m.ConfidenceScore != nil {
			result.Decision = Decide(&domain.Reply{Response: m.Text, Confidence: *m.ConfidenceScore}, t.ConfidenceThreshold)
			notice = HandoffNotice
			break
		}
		if m.Text == FallbackMessage {
			result.Decision = Decide(nil, t.ConfidenceThreshold)
			break
		}
	}

	if !result.Decision.Escalate || conv.Status != domain.StatusBotActive {
		return result, nil
	}

	updated, transitioned, _, err := c.escalate(ctx, conv, result.Decision.Reason, notice)
	if err != nil {
		return nil, err
	}
	result.Conversation = updated
	result.Applied = transitioned
	if transitioned {
		c.logger.Info("escalation recovered",
			slog.String("conversation_id", conv.ID),
			slog.String("reason", result.Decision.Reason))
	}
	return result, nil
}

// ListActive lists a tenant's unresolved conversations, most recently
// updated first.
func (c *Controller) ListActive(ctx context.Context, clientID string) ([]*domain.Conversation, error) {
	if _, err := c.tenants.Lookup(clientID); err != nil {
		return nil, err
	}
	return c.store.ListActiveConversations(ctx, clientID)
}

// Messages returns the full message log in chronological order.
func (c *Controller) Messages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	if _, err := c.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, conversationID, ports.ListMessagesOptions{})
}

// Get returns a conversation.
func (c *Controller) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return c.store.GetConversation(ctx, conversationID)
}

// generate builds the prompt for msg and calls the responder.
func (c *Controller) generate(ctx context.Context, conv *domain.Conversation, t *tenant.Tenant, msg *domain.Message) (*domain.Reply, error) {
	ctx, span := c.tracer.Start(ctx, "handoff.generate", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("client.id", conv.ClientID),
	))
	defer span.End()

	var (
		history []*domain.Message
		kb      []*domain.KnowledgeBaseItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// One extra row so the current message can be dropped.
		msgs, err := c.store.ListMessages(gctx, conv.ID, ports.ListMessagesOptions{Limit: c.historyWindow + 1})
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		history = priorMessages(msgs, msg.ID, c.historyWindow)
		return nil
	})
	g.Go(func() error {
		items, err := c.store.ListKnowledgeBase(gctx, conv.ClientID, true)
		if err != nil {
			c.logger.Warn("knowledge base unavailable, continuing without it",
				slog.String("conversation_id", conv.ID),
				slog.String("client_id", conv.ClientID),
				slog.String("error", err.Error()))
			return nil
		}
		kb = items
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, domain.ResponderUnavailable("", err)
	}

	prompt := &domain.Prompt{
		CompanyName:     t.CompanyName,
		Context:         responder.BuildContext(kb, c.counter, c.maxContextTokens),
		History:         history,
		CustomerMessage: msg.Text,
	}
	span.SetAttributes(
		attribute.Int("handoff.history", len(history)),
		attribute.Int("handoff.kb_items", len(kb)),
	)

	reply, err := c.responder.Generate(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("handoff.confidence", reply.Confidence),
		attribute.Bool("handoff.should_handoff", reply.ShouldHandoff),
	)
	return reply, nil
}

// escalate moves conv from bot_active to awaiting_agent. A conversation that
// already left bot_active is returned unchanged with transitioned false. The
// notice, when non-empty, is appended only after a successful transition.
func (c *Controller) escalate(ctx context.Context, conv *domain.Conversation, reason, notice string) (*domain.Conversation, bool, *domain.Message, error) {
	updated, err := c.store.UpdateConversation(ctx, conv.ID, ports.ConversationUpdate{
		ExpectedStatus: ports.StatusPtr(domain.StatusBotActive),
		Status:         ports.StatusPtr(domain.StatusAwaitingAgent),
		RequestHandoff: true,
		HandoffReason:  reason,
	})
	if errors.Is(err, domain.ErrConflict) {
		current, getErr := c.current(ctx, conv.ID, updated)
		return current, false, nil, getErr
	}
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to escalate conversation: %w", err)
	}

	c.logger.Info("conversation escalated",
		slog.String("conversation_id", updated.ID),
		slog.String("client_id", updated.ClientID),
		slog.String("reason", reason))
	c.publish(ctx, domain.NewConversationEvent(domain.EventConversationUpdated, updated))

	if notice == "" {
		return updated, true, nil, nil
	}
	msg, err := c.appendBot(ctx, updated, notice, nil)
	if err != nil {
		c.logger.Warn("failed to send hand-off notice",
			slog.String("conversation_id", updated.ID),
			slog.String("error", err.Error()))
		return updated, true, nil, nil
	}
	return updated, true, msg, nil
}

func (c *Controller) appendBot(ctx context.Context, conv *domain.Conversation, text string, score *float64) (*domain.Message, error) {
	msg := &domain.Message{
		ConversationID:  conv.ID,
		SenderType:      domain.SenderBot,
		SenderName:      responder.BotName,
		Text:            text,
		IsAutomated:     true,
		ConfidenceScore: score,
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.publish(ctx, domain.NewMessageEvent(conv.ClientID, msg))
	return msg, nil
}

// current returns the state reported with a rejected update, or reloads it.
func (c *Controller) current(ctx context.Context, id string, reported *domain.Conversation) (*domain.Conversation, error) {
	if reported != nil {
		return reported, nil
	}
	return c.store.GetConversation(ctx, id)
}

// tenantFor tolerates a tenant removed by a config reload mid-conversation.
func (c *Controller) tenantFor(clientID string) *tenant.Tenant {
	t, err := c.tenants.Lookup(clientID)
	if err != nil {
		c.logger.Warn("tenant not found, using defaults",
			slog.String("client_id", clientID))
		return &tenant.Tenant{ID: clientID, ConfidenceThreshold: config.DefaultConfidenceThreshold}
	}
	return t
}

func (c *Controller) publish(ctx context.Context, ev *domain.LifecycleEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn("failed to publish event",
			slog.String("type", string(ev.Type)),
			slog.String("conversation_id", ev.ConversationID),
			slog.String("error", err.Error()))
	}
}

// priorMessages drops currentID from msgs and keeps the last n.
func priorMessages(msgs []*domain.Message, currentID string, n int) []*domain.Message {
	out := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != currentID {
			out = append(out, m)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// persistenceContext detaches from the caller's cancellation but keeps its
// values, bounded by timeout.
func persistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

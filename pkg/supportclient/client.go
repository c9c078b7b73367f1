// Package supportclient is a Go client for the support desk REST API.
//
// New starts verifying the service in the background and returns
// immediately. Every call waits for that verification to finish, so callers
// can issue requests right away without racing service startup:
//
//	c := supportclient.New("http://localhost:8080")
//	defer c.Close()
//	s, err := c.StartConversation(ctx, "acme", "Jane", "jane@example.com")
package supportclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/handoff"
)

// Types shared with the service.
type (
	Conversation = domain.Conversation
	Message      = domain.Message
	Turn         = handoff.Turn
	Reevaluation = handoff.Reevaluation
)

// DefaultReadinessTimeout bounds how long New keeps retrying the health check.
const DefaultReadinessTimeout = 30 * time.Second

// ErrNotReady is returned by every call when the service never became healthy.
var ErrNotReady = errors.New("supportclient: service not ready")

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supportdesk: %d %s (%s): %s", e.StatusCode, e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("supportdesk: %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// Session is a widget conversation and the token scoped to it.
type Session struct {
	Conversation *Conversation `json:"conversation"`
	Token        string        `json:"session_token"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// AgentIdentity is the agent an API key belongs to.
type AgentIdentity struct {
	AgentID    string `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

// Client talks to one support desk deployment.
type Client struct {
	baseURL          string
	http             *http.Client
	apiKey           string
	readinessTimeout time.Duration

	ready    chan struct{}
	readyErr error
	cancel   context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets the agent API key used by the agent calls.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithReadinessTimeout bounds the background health check.
func WithReadinessTimeout(d time.Duration) Option {
	return func(c *Client) { c.readinessTimeout = d }
}

// New creates a client and starts verifying the service.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             http.DefaultClient,
		readinessTimeout: DefaultReadinessTimeout,
		ready:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.verify(ctx)
	return c
}

func (c *Client) verify(ctx context.Context) {
	defer close(c.ready)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.healthy(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.readinessTimeout))
	if err != nil {
		c.readyErr = fmt.Errorf("%w: %v", ErrNotReady, err)
	}
}

func (c *Client) healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

// Ready blocks until the service has been verified or ctx ends. It returns
// the verification error, if any; the result never changes once known.
func (c *Client) Ready(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops a verification still in progress.
func (c *Client) Close() {
	c.cancel()
}

// StartConversation opens a widget conversation for a tenant.
func (c *Client) StartConversation(ctx context.Context, clientID, customerName, customerEmail string) (*Session, error) {
	body := map[string]string{
		"customer_name":  customerName,
		"customer_email": customerEmail,
	}
	var s Session
	path := "/api/widget/" + url.PathEscape(clientID) + "/conversations"
	if err := c.do(ctx, http.MethodPost, path, "", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Conversation fetches the session's conversation.
func (c *Client) Conversation(ctx context.Context, s *Session) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, widgetPath(s, ""), s.Token, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SendMessage posts a customer message and returns the resulting turn.
func (c *Client) SendMessage(ctx context.Context, s *Session, text string) (*Turn, error) {
	var turn Turn
	body := map[string]string{"message": text}
	if err := c.do(ctx, http.MethodPost, widgetPath(s, "/messages"), s.Token, body, &turn); err != nil {
		return nil, err
	}
	return &turn, nil
}

// Messages lists the session's conversation log.
func (c *Client) Messages(ctx context.Context, s *Session) ([]*Message, error) {
	var out struct {
		Messages []*Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, widgetPath(s, "/messages"), s.Token, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// RequestAgent asks for a human agent.
func (c *Client) RequestAgent(ctx context.Context, s *Session) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, widgetPath(s, "/request-agent"), s.Token, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Me returns the agent identified by the API key.
func (c *Client) Me(ctx context.Context) (*AgentIdentity, error) {
	var me AgentIdentity
	if err := c.do(ctx, http.MethodGet, "/api/agent/me", c.apiKey, nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// ActiveConversations lists the agent's tenant's unresolved conversations.
func (c *Client) ActiveConversations(ctx context.Context) ([]*Conversation, error) {
	var out struct {
		Conversations []*Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agent/conversations", c.apiKey, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ConversationMessages lists a conversation's log as an agent.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	var out struct {
		Messages []*Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, agentPath(conversationID, "/messages"), c.apiKey, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Accept claims an escalated conversation.
func (c *Client) Accept(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.agentTransition(ctx, conversationID, "/accept")
}

// TakeOver claims a conversation regardless of its state.
func (c *Client) TakeOver(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.agentTransition(ctx, conversationID, "/take-over")
}

// Resolve marks a conversation resolved.
func (c *Client) Resolve(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.agentTransition(ctx, conversationID, "/resolve")
}

// Reply posts an agent message.
func (c *Client) Reply(ctx context.Context, conversationID, text string) (*Message, error) {
	var msg Message
	body := map[string]string{"message": text}
	if err := c.do(ctx, http.MethodPost, agentPath(conversationID, "/messages"), c.apiKey, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Reevaluate reruns the escalation policy over the last bot reply.
func (c *Client) Reevaluate(ctx context.Context, conversationID string) (*Reevaluation, error) {
	var out Reevaluation
	if err := c.do(ctx, http.MethodPost, agentPath(conversationID, "/reevaluate"), c.apiKey, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) agentTransition(ctx context.Context, conversationID, action string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, agentPath(conversationID, action), c.apiKey, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func widgetPath(s *Session, suffix string) string {
	return "/api/widget/conversations/" + url.PathEscape(s.Conversation.ID) + suffix
}

func agentPath(conversationID, suffix string) string {
	return "/api/agent/conversations/" + url.PathEscape(conversationID) + suffix
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	if err := c.Ready(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || apiErr.Message == "" {
			apiErr.Type = "http_error"
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package tenant

import (
	"context"

	"github.com/tjfontaine/supportdesk/internal/pkg/config"
)

// Tenant is a client organization whose customers chat through the widget.
type Tenant struct {
	ID                  string
	Name                string
	CompanyName         string
	Greeting            string
	ConfidenceThreshold float64
	Agents              []Agent
	KnowledgeBase       []config.KnowledgeBaseConfig
}

// Agent is a human support agent authenticated by an API key.
type Agent struct {
	ID          string
	Name        string
	KeyHash     string
	Description string
}

// DisplayName is the sender name used on the agent's messages.
func (a *Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// FromConfig converts a tenant configuration, applying defaults.
func FromConfig(cfg config.TenantConfig) *Tenant {
	agents := make([]Agent, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		agents[i] = Agent{
			ID:          key.AgentID,
			Name:        key.AgentName,
			KeyHash:     key.KeyHash,
			Description: key.Description,
		}
	}

	company := cfg.CompanyName
	if company == "" {
		company = cfg.Name
	}

	return &Tenant{
		ID:                  cfg.ID,
		Name:                cfg.Name,
		CompanyName:         company,
		Greeting:            cfg.Greeting(),
		ConfidenceThreshold: cfg.Threshold(),
		Agents:              agents,
		KnowledgeBase:       cfg.KnowledgeBase,
	}
}

// contextKey is the type for tenant context keys
type contextKey string

const (
	tenantContextKey contextKey = "tenant"
	agentContextKey  contextKey = "agent"
)

// WithTenant stores the tenant on the context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey, t)
}

// FromContext returns the tenant stored by WithTenant.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(*Tenant)
	return t, ok && t != nil
}

// WithAgent stores the authenticated agent on the context.
func WithAgent(ctx context.Context, a *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, a)
}

// AgentFromContext returns the agent stored by WithAgent.
func AgentFromContext(ctx context.Context) (*Agent, bool) {
	a, ok := ctx.Value(agentContextKey).(*Agent)
	return a, ok && a != nil
}

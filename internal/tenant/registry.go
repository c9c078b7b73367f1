package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
)

type agentRef struct {
	tenant *Tenant
	agent  *Agent
}

// Registry manages tenant instances. Load may be called again at runtime
// to apply a reloaded configuration.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]agentRef // keyhash -> agent
}

// NewRegistry creates a new tenant registry
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]agentRef),
	}
}

// Load replaces the registered tenants with the given configuration.
func (r *Registry) Load(configs []config.TenantConfig) ([]*Tenant, error) {
	tenants := make(map[string]*Tenant, len(configs))
	keys := make(map[string]agentRef)
	list := make([]*Tenant, 0, len(configs))

	for _, cfg := range configs {
		if _, dup := tenants[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", cfg.ID)
		}
		t := FromConfig(cfg)
		for i := range t.Agents {
			agent := &t.Agents[i]
			if agent.KeyHash == "" {
				continue
			}
			if agent.ID == "" {
				return nil, fmt.Errorf("tenant %s: api key %q has no agent_id", t.ID, agent.Description)
			}
			if _, dup := keys[agent.KeyHash]; dup {
				return nil, fmt.Errorf("tenant %s: api key for agent %s is already in use", t.ID, agent.ID)
			}
			keys[agent.KeyHash] = agentRef{tenant: t, agent: agent}
		}
		tenants[t.ID] = t
		list = append(list, t)
	}

	r.mu.Lock()
	r.tenants = tenants
	r.keys = keys
	r.mu.Unlock()

	return list, nil
}

// GetTenant retrieves a tenant by ID
func (r *Registry) GetTenant(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return t, ok
}

// Lookup is GetTenant with a typed not-found error.
func (r *Registry) Lookup(id string) (*Tenant, error) {
	t, ok := r.GetTenant(id)
	if !ok {
		return nil, domain.TenantNotFound(id)
	}
	return t, nil
}

// AgentByKeyHash finds the agent owning an API key hash.
func (r *Registry) AgentByKeyHash(keyHash string) (*Tenant, *Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.keys[keyHash]
	if !ok {
		return nil, nil, false
	}
	return ref.tenant, ref.agent, true
}

// List returns all tenants ordered by ID.
func (r *Registry) List() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// SeedKnowledgeBase upserts every configured knowledge-base item into the
// store. Items without an id get one derived from tenant and question, so
// reseeding is idempotent.
func (r *Registry) SeedKnowledgeBase(ctx context.Context, store ports.EntityStore, logger *slog.Logger) error {
	for _, t := range r.List() {
		for _, kb := range t.KnowledgeBase {
			id := kb.ID
			if id == "" {
				id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.ID+"\x00"+kb.Question)).String()
			}
			item := &domain.KnowledgeBaseItem{
				ID:       id,
				ClientID: t.ID,
				Question: kb.Question,
				Answer:   kb.Answer,
				Category: kb.Category,
				IsActive: !kb.Inactive,
			}
			if err := store.UpsertKnowledgeBaseItem(ctx, item); err != nil {
				return fmt.Errorf("failed to seed knowledge base for %s: %w", t.ID, err)
			}
		}
		if logger != nil && len(t.KnowledgeBase) > 0 {
			logger.Info("knowledge base seeded",
				slog.String("client_id", t.ID),
				slog.Int("items", len(t.KnowledgeBase)))
		}
	}
	return nil
}

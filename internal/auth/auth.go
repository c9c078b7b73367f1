package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/tenant"
)

// AgentDirectory resolves an API key hash to the agent that owns it.
type AgentDirectory interface {
	AgentByKeyHash(keyHash string) (*tenant.Tenant, *tenant.Agent, bool)
}

// Authenticator validates agent API keys
type Authenticator struct {
	agents AgentDirectory
}

// NewAuthenticator creates an authenticator over the tenant registry. The
// registry may be reloaded underneath it.
func NewAuthenticator(agents AgentDirectory) *Authenticator {
	return &Authenticator{agents: agents}
}

// ValidateAPIKey returns the tenant and agent identity for an API key.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*tenant.Tenant, *tenant.Agent, error) {
	if apiKey == "" {
		return nil, nil, domain.NewError(domain.KindAuthentication, "missing API key")
	}
	keyHash := HashAPIKey(apiKey)

	t, agent, ok := a.agents.AgentByKeyHash(keyHash)
	if !ok {
		return nil, nil, domain.NewError(domain.KindAuthentication, "invalid API key")
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(agent.KeyHash)) != 1 {
		return nil, nil, domain.NewError(domain.KindAuthentication, "invalid API key")
	}
	return t, agent, nil
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", domain.NewError(domain.KindAuthentication, "missing Authorization header")
	}

	// Support "Bearer <key>" format
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", domain.NewError(domain.KindAuthentication, "invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", domain.NewError(domain.KindAuthentication, "unsupported authorization scheme")
	}

	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

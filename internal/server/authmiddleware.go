package server

import (
	"net/http"

	"github.com/tjfontaine/supportdesk/internal/auth"
	"github.com/tjfontaine/supportdesk/internal/tenant"
)

// AgentAuthMiddleware validates agent API keys and injects the tenant and
// agent into the request context.
func AgentAuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				writeError(w, r, err)
				return
			}

			t, agent, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				writeError(w, r, err)
				return
			}

			AddLogField(r.Context(), "client_id", t.ID)
			AddLogField(r.Context(), "agent_id", agent.ID)

			ctx := tenant.WithTenant(r.Context(), t)
			ctx = tenant.WithAgent(ctx, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionMiddleware requires a widget session token issued for the
// conversation named by the id URL parameter.
func SessionMiddleware(sessions *auth.Sessions, conversationID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := conversationID(r)
			claims, err := sessions.Authorize(r, id)
			if err != nil {
				writeError(w, r, err)
				return
			}
			AddLogField(r.Context(), "client_id", claims.ClientID)
			AddLogField(r.Context(), "conversation_id", id)
			next.ServeHTTP(w, r)
		})
	}
}

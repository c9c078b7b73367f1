package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/tenant"
)

type meResponse struct {
	AgentID    string `json:"agent_id"`
	AgentName  string `json:"agent_name"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

type conversationsResponse struct {
	Conversations []*domain.Conversation `json:"conversations"`
}

// identity returns the authenticated tenant and agent.
func identity(r *http.Request) (*tenant.Tenant, *tenant.Agent, error) {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		return nil, nil, domain.NewError(domain.KindAuthentication, "not authenticated")
	}
	agent, ok := tenant.AgentFromContext(r.Context())
	if !ok {
		return nil, nil, domain.NewError(domain.KindAuthentication, "not authenticated")
	}
	return t, agent, nil
}

// ownedConversation loads the conversation in the URL and hides those of
// other tenants behind a not-found.
func (h *handlers) ownedConversation(r *http.Request) (*domain.Conversation, *tenant.Agent, error) {
	t, agent, err := identity(r)
	if err != nil {
		return nil, nil, err
	}
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "conversation_id", id)

	conv, err := h.controller.Get(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}
	if conv.ClientID != t.ID {
		return nil, nil, domain.ConversationNotFound(id)
	}
	return conv, agent, nil
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	t, agent, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		AgentID:    agent.ID,
		AgentName:  agent.DisplayName(),
		ClientID:   t.ID,
		ClientName: t.Name,
	})
}

func (h *handlers) listActive(w http.ResponseWriter, r *http.Request) {
	t, _, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	convs, err := h.controller.ListActive(r.Context(), t.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: convs})
}

func (h *handlers) agentConversation(w http.ResponseWriter, r *http.Request) {
	conv, _, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) agentMessages(w http.ResponseWriter, r *http.Request) {
	conv, _, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := h.controller.Messages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *handlers) accept(w http.ResponseWriter, r *http.Request) {
	conv, agent, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.controller.Accept(r.Context(), conv.ID, agent.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) takeOver(w http.ResponseWriter, r *http.Request) {
	conv, agent, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.controller.TakeOver(r.Context(), conv.ID, agent.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) agentReply(w http.ResponseWriter, r *http.Request) {
	conv, agent, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := h.controller.AgentReply(r.Context(), conv.ID, agent.ID, agent.DisplayName(), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	conv, _, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.controller.Resolve(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *handlers) reevaluate(w http.ResponseWriter, r *http.Request) {
	conv, _, err := h.ownedConversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.controller.Reevaluate(r.Context(), conv.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) agentStream(w http.ResponseWriter, r *http.Request) {
	t, _, err := identity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.stream(w, r, t.ID, "")
}

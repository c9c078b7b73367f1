package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/supportdesk/internal/auth"
	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/handoff"
)

type handlers struct {
	controller *handoff.Controller
	sessions   *auth.Sessions
	events     ports.EventSubscriber
	logger     *slog.Logger
	keepAlive  time.Duration
}

type startRequest struct {
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
}

type startResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	SessionToken string               `json:"session_token"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type messagesResponse struct {
	Messages []*domain.Message `json:"messages"`
}

func (h *handlers) startConversation(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	clientID := chi.URLParam(r, "client_id")
	AddLogField(r.Context(), "client_id", clientID)

	conv, err := h.controller.Start(r.Context(), handoff.StartRequest{
		ClientID:      clientID,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "conversation_id", conv.ID)

	token, expiresAt, err := h.sessions.Issue(conv.ID, conv.ClientID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{
		Conversation: conv,
		SessionToken: token,
		ExpiresAt:    expiresAt,
	})
}

func (h *handlers) widgetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.controller.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) widgetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.controller.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *handlers) customerMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	turn, err := h.controller.HandleCustomerMessage(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if turn.Escalated {
		AddLogField(r.Context(), "handoff_reason", turn.Conversation.HandoffReason)
	}
	writeJSON(w, http.StatusOK, turn)
}

func (h *handlers) requestAgent(w http.ResponseWriter, r *http.Request) {
	conv, err := h.controller.RequestAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *handlers) widgetStream(w http.ResponseWriter, r *http.Request) {
	conv, err := h.controller.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.stream(w, r, conv.ClientID, conv.ID)
}

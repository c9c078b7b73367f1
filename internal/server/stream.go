package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

// stream writes lifecycle events as Server-Sent Events until the client
// goes away or the publisher shuts down. Slow clients may miss events and
// should re-read the message log.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request, clientID, conversationID string) {
	if h.events == nil {
		writeError(w, r, domain.NewError(domain.KindServer, "event streaming is not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, domain.NewError(domain.KindServer, "streaming unsupported"))
		return
	}

	events, cancel := h.events.Subscribe(clientID, conversationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event",
					slog.String("conversation_id", ev.ConversationID),
					slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

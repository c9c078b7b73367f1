package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to their HTTP status. Anything else is a 500
// whose detail stays in the request log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var derr *domain.Error
	if !errors.As(err, &derr) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Type:    string(domain.KindServer),
			Message: "internal server error",
		}})
		return
	}
	writeJSON(w, derr.HTTPStatusCode(), errorBody{Error: errorDetail{
		Type:    string(derr.Kind),
		Code:    derr.Code,
		Message: derr.Message,
	}})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validation("request body is required")
		}
		return domain.Validation("invalid JSON body: %v", err)
	}
	return nil
}

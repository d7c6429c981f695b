package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/yabosen/presence/internal/auth"
	"github.com/yabosen/presence/internal/logging"
	"github.com/yabosen/presence/internal/presence"
)

type errorBody struct {
	Error   string   `json:"error"`
	Field   string   `json:"field,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.C(r.Context()).Warn("encode response failed", zap.Error(err))
	}
}

// respondError maps the error taxonomy onto status codes. storeMessage is
// the generic text sent for a store failure; the cause is only logged.
func respondError(w http.ResponseWriter, r *http.Request, err error, storeMessage string) {
	var verr *presence.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, r, http.StatusBadRequest, errorBody{
			Error:   verr.Error(),
			Field:   verr.Field,
			Allowed: verr.Allowed,
		})
	case errors.Is(err, auth.ErrUnauthorized):
		respondJSON(w, r, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	case errors.Is(err, presence.ErrNotFound):
		respondJSON(w, r, http.StatusNotFound, errorBody{Error: "No status data found"})
	default:
		logging.C(r.Context()).Error("request failed", zap.Error(err))
		// Store failures are transient; producers retry.
		w.Header().Set("Retry-After", "1")
		respondJSON(w, r, http.StatusInternalServerError, errorBody{Error: storeMessage})
	}
}

func (s *Server) handleUnauthorized(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, auth.ErrUnauthorized, "")
}

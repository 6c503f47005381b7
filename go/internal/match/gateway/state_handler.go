package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/auth"
)

// StateHandler serves the REST resync endpoint.
type StateHandler struct {
	snapshots SnapshotProvider
	auth      *auth.Authenticator
}

func NewStateHandler(provider SnapshotProvider, a *auth.Authenticator) *StateHandler {
	return &StateHandler{snapshots: provider, auth: a}
}

// HandleGetMatchState handles GET /api/matches/{id}/state. The response body is
// the session view; clients replace their local state with it and continue
// filtering deltas from its version.
func (h *StateHandler) HandleGetMatchState(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	claims, err := h.auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	viewer, err := claims.User()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	view, err := h.snapshots.GetSnapshot(r.Context(), viewer, sessionID)
	if err != nil {
		writeSnapshotError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		log.Error().Err(err).Msg("failed to encode match state response")
	}
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/matches/{id}/state", h.HandleGetMatchState)
}

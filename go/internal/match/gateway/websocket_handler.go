package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match"
)

type WebSocketHandler struct {
	connections *ConnectionManager
	auth        *auth.Authenticator
}

func NewWebSocketHandler(cm *ConnectionManager, a *auth.Authenticator) *WebSocketHandler {
	return &WebSocketHandler{connections: cm, auth: a}
}

// HandleMatchConnection serves GET /ws/match?session=<id>&token=<jwt>.
func (h *WebSocketHandler) HandleMatchConnection(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	claims, err := h.auth.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := claims.User()
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// Reject unknown sessions before the upgrade so the client gets a status code.
	if h.connections.snapshots != nil {
		if _, err := h.connections.snapshots.GetSnapshot(r.Context(), userID, sessionID); err != nil {
			writeSnapshotError(w, err)
			return
		}
	}

	if err := h.connections.UpgradeConnection(w, r, userID, sessionID); err != nil {
		// The upgrader has already written the response.
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("user_id", userID.String()).
			Msg("failed to upgrade WebSocket connection")
	}
}

func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connections.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/match", h.HandleMatchConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

func writeSnapshotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, match.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, match.ErrNotAParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		log.Error().Err(err).Msg("failed to load session snapshot")
		http.Error(w, "failed to load session", http.StatusInternalServerError)
	}
}

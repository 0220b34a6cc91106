// internal/handlers/game.go
package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
)

type submitActionRequest struct {
	PlayerID uuid.UUID `json:"playerId"`
	Action   string    `json:"action"`
}

// SubmitActionHandler records a player's free-text action for the current round.
func SubmitActionHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDParam(r)
		if err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "invalid lobby id")
			return
		}
		var req submitActionRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "bad action payload")
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			writeError(w, d.Logger, models.ErrEmptyAction, "Failed to submit action")
			return
		}
		a, err := d.Tracker.SubmitAction(r.Context(), lobbyID, req.PlayerID, req.Action)
		if err != nil {
			writeError(w, d.Logger, err, "Failed to submit action")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Action submitted successfully",
			"action":  a,
		})
	}
}

type endTurnRequest struct {
	PlayerID uuid.UUID `json:"playerId"`
}

// EndTurnHandler marks the player ready. When this call completes the round, the
// round-processed event has been broadcast before the response is written.
func EndTurnHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDParam(r)
		if err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "invalid lobby id")
			return
		}
		var req endTurnRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "bad end turn payload")
			return
		}
		res, err := d.Tracker.EndTurn(r.Context(), lobbyID, req.PlayerID)
		if err != nil {
			writeError(w, d.Logger, err, "Failed to end turn")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":         "Turn ended successfully",
			"allPlayersReady": res.AllPlayersReady,
			"processing":      res.Processing,
			"roundProcessed":  res.RoundProcessed,
			"round":           res.Round,
		})
	}
}

// GameStateHandler returns the reconciliation snapshot.
func GameStateHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID, err := lobbyIDParam(r)
		if err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "invalid lobby id")
			return
		}
		snap, err := d.Tracker.State(r.Context(), lobbyID)
		if err != nil {
			writeError(w, d.Logger, err, "Failed to get game state")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

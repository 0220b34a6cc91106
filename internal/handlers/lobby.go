// internal/handlers/lobby.go
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/yamato/internal/models"
)

// CharacterClassesHandler lists the class catalog.
func CharacterClassesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, models.Classes())
}

type createLobbyRequest struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"maxPlayers"`
}

// CreateLobbyHandler opens a new waiting lobby.
func CreateLobbyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "bad lobby request payload")
			return
		}
		l, err := d.Lobbies.Create(r.Context(), req.Name, req.MaxPlayers)
		if err != nil {
			writeError(w, d.Logger, err, "Failed to create lobby")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"lobby":   l,
			"message": "Lobby created successfully",
		})
	}
}

// GetLobbyHandler returns a lobby and its players.
func GetLobbyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, players, err := d.Lobbies.Get(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, d.Logger, err, "Failed to get lobby")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"lobby":   l,
			"players": players,
		})
	}
}

type joinLobbyRequest struct {
	PlayerName       string `json:"playerName"`
	CharacterClassID int    `json:"characterClassId"`
}

// JoinLobbyHandler adds a player to a lobby.
func JoinLobbyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinLobbyRequest
		if err := decodeBody(r, &req); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "bad join request payload")
			return
		}
		p, class, err := d.Lobbies.Join(r.Context(), chi.URLParam(r, "code"), req.PlayerName, req.CharacterClassID)
		if err != nil {
			writeError(w, d.Logger, err, "Failed to join lobby")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"player":         models.NewPlayerView(*p),
			"characterClass": class,
			"message":        "Successfully joined lobby",
		})
	}
}

// StartGameHandler moves a waiting lobby into round 1.
func StartGameHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l, err := d.Lobbies.Start(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, d.Logger, err, "Failed to start game")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Game started successfully",
			"round":   l.CurrentRound,
		})
	}
}

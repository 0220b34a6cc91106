// internal/game/sync_state.go
package game

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
)

// StateSnapshot is the full reconciliation read for clients that missed push events.
type StateSnapshot struct {
	Lobby          *models.Lobby       `json:"lobby"`
	GameState      *models.GameState   `json:"gameState"`
	Players        []models.PlayerView `json:"players"`
	CurrentActions []models.TurnAction `json:"currentActions"`
}

// State reads lobby, game state, players in join order and the current round's actions.
func (t *Tracker) State(ctx context.Context, lobbyID uuid.UUID) (*StateSnapshot, error) {
	lobby, err := t.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	gs, err := t.store.GetGameState(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	players, err := t.store.ListPlayers(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	actions, err := t.store.ListActions(ctx, lobbyID, lobby.CurrentRound)
	if err != nil {
		return nil, err
	}

	snap := &StateSnapshot{
		Lobby:          lobby,
		GameState:      gs,
		Players:        make([]models.PlayerView, 0, len(players)),
		CurrentActions: actions,
	}
	for _, p := range players {
		snap.Players = append(snap.Players, models.NewPlayerView(p))
	}
	return snap, nil
}

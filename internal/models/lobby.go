// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lifecycle stage of a lobby. It only moves forward.
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyActive   LobbyStatus = "active"
	LobbyFinished LobbyStatus = "finished"
)

// Lobby represents a row in the lobbies table.
type Lobby struct {
	ID           uuid.UUID   `json:"id"`
	Code         string      `json:"lobby_code"`
	Name         string      `json:"name"`
	MaxPlayers   int         `json:"max_players"`
	PlayerCount  int         `json:"current_players"`
	Status       LobbyStatus `json:"status"`
	CurrentRound int         `json:"current_round"`
	CreatedAt    time.Time   `json:"created_at"`

	// ProcessingToken is set while a round transition owns the lobby. It is never exposed to clients.
	ProcessingToken *uuid.UUID `json:"-"`
	ClaimedAt       *time.Time `json:"-"`
}

// IsFull reports whether no further players may join.
func (l *Lobby) IsFull() bool {
	return l.PlayerCount >= l.MaxPlayers
}

// internal/database/store.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
)

// Decision is what a DecideFunc wants done with a turn tally.
type Decision int

const (
	// DecisionSkip writes nothing.
	DecisionSkip Decision = iota
	// DecisionMark persists the player's turn_ended flag.
	DecisionMark
	// DecisionClaim persists the flag and claims the round for processing in the same transaction.
	DecisionClaim
)

// TurnTally is the lobby's readiness as it would be observed after the caller's flag write.
type TurnTally struct {
	Status    models.LobbyStatus
	Round     int
	Ended     int
	Total     int
	Changed   bool       // the caller's flag flips from false to true
	ClaimedAt *time.Time // non-nil while some processor holds the round
}

// DecideFunc is evaluated inside the store's transaction, after the lobby row is locked.
type DecideFunc func(TurnTally) Decision

// Store is the persistent source of truth for lobbies, players, actions and game state.
type Store interface {
	CodeExists(ctx context.Context, code string) (bool, error)
	CreateLobby(ctx context.Context, lobby *models.Lobby, state *models.GameState) error
	GetLobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error)
	GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error)
	GetGameState(ctx context.Context, lobbyID uuid.UUID) (*models.GameState, error)
	StartLobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error)

	AddPlayer(ctx context.Context, player *models.Player) error
	GetPlayer(ctx context.Context, lobbyID, playerID uuid.UUID) (*models.Player, error)
	ListPlayers(ctx context.Context, lobbyID uuid.UUID) ([]models.Player, error)
	SetConnection(ctx context.Context, lobbyID, playerID uuid.UUID, handle string) error

	AppendAction(ctx context.Context, lobbyID, playerID uuid.UUID, text string) (*models.TurnAction, error)
	ListActions(ctx context.Context, lobbyID uuid.UUID, round int) ([]models.TurnAction, error)

	// EndTurn tallies readiness with the caller's flag applied and lets decide choose what to persist.
	// A non-nil claim is returned only when decide chose DecisionClaim.
	EndTurn(ctx context.Context, lobbyID, playerID, token uuid.UUID, decide DecideFunc) (TurnTally, *models.RoundClaim, error)
	// ClaimRound is EndTurn without a player, used to re-claim rounds whose processor vanished.
	ClaimRound(ctx context.Context, lobbyID, token uuid.UUID, decide DecideFunc) (*models.RoundClaim, error)
	// ListReadyLobbies returns active lobbies in which every player has ended their turn.
	ListReadyLobbies(ctx context.Context) ([]uuid.UUID, error)
	// CommitRound applies outcome and advances the round by one, provided claim still owns the
	// round of a lobby that is still active. It returns the new round number, models.ErrRoundClaimLost or models.ErrLobbyNotFound.
	CommitRound(ctx context.Context, claim *models.RoundClaim, outcome models.RoundOutcome) (int, error)
	ReleaseClaim(ctx context.Context, lobbyID, token uuid.UUID) error
}

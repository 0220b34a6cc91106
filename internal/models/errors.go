package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is the root of every "referenced entity does not exist" error.
var ErrNotFound = errors.New("not found")

var (
	ErrLobbyNotFound  = fmt.Errorf("lobby %w", ErrNotFound)
	ErrPlayerNotFound = fmt.Errorf("player %w", ErrNotFound)
)

// ErrRoundClaimLost is returned when a commit's claim no longer owns the lobby's round.
var ErrRoundClaimLost = errors.New("round claim lost")

// ValidationError is a rejected request with a reason safe to show to players.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

var (
	ErrLobbyFull          = &ValidationError{Reason: "Lobby is full"}
	ErrNameTaken          = &ValidationError{Reason: "Player name already taken"}
	ErrNotEnoughPlayers   = &ValidationError{Reason: "Need at least 2 players to start"}
	ErrGameAlreadyStarted = &ValidationError{Reason: "Game has already started"}
	ErrGameNotActive      = &ValidationError{Reason: "Game is not in progress"}
	ErrUnknownClass       = &ValidationError{Reason: "Unknown character class"}
	ErrInvalidLobbyName   = &ValidationError{Reason: "Lobby name is required"}
	ErrInvalidMaxPlayers  = &ValidationError{Reason: "Max players must be between 2 and 12"}
	ErrInvalidPlayerName  = &ValidationError{Reason: "Player name is required"}
	ErrEmptyAction        = &ValidationError{Reason: "Action is required"}
)

// AsValidation returns the ValidationError err wraps, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// internal/game/tracker.go
package game

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Tracker records actions and turn ends, and hands a round to the Processor the moment the
// last player becomes ready.
type Tracker struct {
	store    database.Store
	proc     *Processor
	notifier realtime.Notifier
	logger   *logrus.Logger
}

func NewTracker(store database.Store, proc *Processor, notifier realtime.Notifier, logger *logrus.Logger) *Tracker {
	return &Tracker{store: store, proc: proc, notifier: notifier, logger: logger}
}

// TurnResult describes what an EndTurn call observed.
type TurnResult struct {
	AllPlayersReady bool `json:"allPlayersReady"`
	// Processing is set when another request already owns this round; the call changed nothing.
	Processing     bool `json:"processing"`
	RoundProcessed bool `json:"roundProcessed"`
	Round          int  `json:"round"`
}

// SubmitAction appends an action tagged with the lobby's current round. Repeated submissions
// are all kept.
func (t *Tracker) SubmitAction(ctx context.Context, lobbyID, playerID uuid.UUID, text string) (*models.TurnAction, error) {
	a, err := t.store.AppendAction(ctx, lobbyID, playerID, text)
	if err != nil {
		return nil, err
	}
	t.notifier.Publish(ctx, realtime.NewEvent(realtime.EventActionSubmitted, lobbyID, map[string]any{
		"playerId":   a.PlayerID,
		"playerName": a.PlayerName,
		"action":     a.Text,
		"round":      a.Round,
	}))
	return a, nil
}

// EndTurn marks the player ready. The flag write, the readiness check and the round claim
// happen in one store transaction, so exactly one caller per round sees the transition into
// "all ready" and processes it before returning.
func (t *Tracker) EndTurn(ctx context.Context, lobbyID, playerID uuid.UUID) (*TurnResult, error) {
	var processing bool
	decide := func(tally database.TurnTally) database.Decision {
		if tally.Status != models.LobbyActive {
			return database.DecisionSkip
		}
		if t.proc.claimLive(tally.ClaimedAt) {
			processing = true
			return database.DecisionSkip
		}
		if tally.Changed && allReady(tally) {
			return database.DecisionClaim
		}
		return database.DecisionMark
	}

	tally, claim, err := t.store.EndTurn(ctx, lobbyID, playerID, uuid.New(), decide)
	if err != nil {
		return nil, err
	}
	if tally.Status != models.LobbyActive {
		return nil, models.ErrGameNotActive
	}

	res := &TurnResult{
		AllPlayersReady: allReady(tally),
		Processing:      processing,
		Round:           tally.Round,
	}
	log := t.logger.WithFields(logrus.Fields{"lobby_id": lobbyID, "player_id": playerID, "round": tally.Round})
	if processing {
		log.Debug("end turn ignored, round already processing")
		return res, nil
	}
	if tally.Changed {
		t.notifier.Publish(ctx, realtime.NewEvent(realtime.EventTurnEnded, lobbyID, map[string]any{
			"playerId":        playerID,
			"allPlayersReady": res.AllPlayersReady,
		}))
	}
	if claim == nil {
		return res, nil
	}

	log.WithField("players", tally.Total).Info("all players ready, processing round")
	round, err := t.proc.Process(ctx, claim)
	if errors.Is(err, models.ErrRoundClaimLost) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.RoundProcessed = true
	res.Round = round
	return res, nil
}

func allReady(t database.TurnTally) bool {
	return t.Total > 0 && t.Ended == t.Total
}

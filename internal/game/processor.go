// internal/game/processor.go
package game

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/cache"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/metrics"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/narrator"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
)

const (
	DefaultNarratorTimeout = 30 * time.Second
	DefaultStaleAfter      = 90 * time.Second
	commitTimeout          = 10 * time.Second
)

// RoundFailedMessage is sent to the lobby when a round could not be persisted.
const RoundFailedMessage = "The round could not be completed. The spirits will try again shortly."

// RoundRecorder receives a record of every committed round.
type RoundRecorder interface {
	PublishRound(ctx context.Context, rec cache.RoundRecord) error
}

// ProcessorConfig tunes a Processor. Zero values pick the defaults.
type ProcessorConfig struct {
	NarratorTimeout time.Duration
	// StaleAfter is how old a claim must be before another processor may take the round over.
	// It is raised to cover a full narrator call plus the commit if set lower.
	StaleAfter time.Duration
	History    RoundRecorder
}

// Processor owns the transition from "every player is ready" to "next round published".
type Processor struct {
	store    database.Store
	gen      narrator.Generator
	notifier realtime.Notifier
	history  RoundRecorder
	logger   *logrus.Logger

	timeout    time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewProcessor(store database.Store, gen narrator.Generator, notifier realtime.Notifier, logger *logrus.Logger, cfg ProcessorConfig) *Processor {
	if cfg.NarratorTimeout <= 0 {
		cfg.NarratorTimeout = DefaultNarratorTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if floor := cfg.NarratorTimeout + commitTimeout; cfg.StaleAfter < floor {
		cfg.StaleAfter = floor
	}
	return &Processor{
		store:      store,
		gen:        gen,
		notifier:   notifier,
		history:    cfg.History,
		logger:     logger,
		timeout:    cfg.NarratorTimeout,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
	}
}

// RoundProcessedPayload is broadcast once per committed round.
type RoundProcessedPayload struct {
	Narrative        string                   `json:"narrative"`
	WorldState       models.WorldState        `json:"worldState"`
	CharacterUpdates []models.CharacterUpdate `json:"characterUpdates"`
	SoundEffects     []string                 `json:"soundEffects"`
	Round            int                      `json:"round"`
}

// claimLive reports whether a claim stamped at claimedAt still owns its round.
func (p *Processor) claimLive(claimedAt *time.Time) bool {
	return claimedAt != nil && p.now().Sub(*claimedAt) < p.staleAfter
}

// Process runs a claimed round to completion and returns the new round number. A claim that
// was overtaken yields models.ErrRoundClaimLost with nothing written; a vanished lobby yields
// models.ErrLobbyNotFound. The caller's cancellation does not interrupt a round in flight.
func (p *Processor) Process(ctx context.Context, claim *models.RoundClaim) (int, error) {
	ctx = context.WithoutCancel(ctx)
	start := p.now()
	log := p.logger.WithFields(logrus.Fields{
		"lobby_id": claim.LobbyID,
		"round":    claim.Round,
	})

	outcome := "generated"
	genCtx, cancel := context.WithTimeout(ctx, p.timeout)
	n, err := p.gen.Generate(genCtx, claim.Context)
	cancel()
	if err != nil {
		outcome = "fallback"
		log.WithError(err).Warn("narrator failed, using fallback narrative")
		n = narrator.Fallback(claim.Context)
	}

	updates := resolveUpdates(claim.Context, n.Updates)
	commitCtx, cancelCommit := context.WithTimeout(ctx, commitTimeout)
	round, err := p.store.CommitRound(commitCtx, claim, models.RoundOutcome{
		Narrative: n.Narrative,
		World:     n.World,
		Updates:   updates,
		Context:   claim.Context,
	})
	cancelCommit()

	switch {
	case errors.Is(err, models.ErrRoundClaimLost):
		log.Info("round claim was overtaken, discarding result")
		return 0, err
	case errors.Is(err, models.ErrNotFound):
		log.Warn("lobby disappeared while processing round")
		return 0, err
	case err != nil:
		metrics.RoundsProcessed.WithLabelValues("failed").Inc()
		log.WithError(err).Error("failed to commit round")
		if rerr := p.store.ReleaseClaim(ctx, claim.LobbyID, claim.Token); rerr != nil {
			log.WithError(rerr).Error("failed to release round claim")
		}
		p.notifier.Publish(ctx, realtime.NewEvent(realtime.EventError, claim.LobbyID, map[string]string{
			"message": RoundFailedMessage,
		}))
		return 0, err
	}

	metrics.RoundsProcessed.WithLabelValues(outcome).Inc()
	metrics.RoundDuration.Observe(p.now().Sub(start).Seconds())
	log.WithFields(logrus.Fields{"outcome": outcome, "new_round": round}).Info("round processed")

	p.notifier.Publish(ctx, realtime.NewEvent(realtime.EventRoundProcessed, claim.LobbyID, RoundProcessedPayload{
		Narrative:        n.Narrative,
		WorldState:       n.World,
		CharacterUpdates: updates,
		SoundEffects:     n.SoundEffects,
		Round:            round,
	}))
	p.record(ctx, claim, outcome, n.Narrative, updates)
	return round, nil
}

func (p *Processor) record(ctx context.Context, claim *models.RoundClaim, outcome, narrative string, updates []models.CharacterUpdate) {
	if p.history == nil {
		return
	}
	err := p.history.PublishRound(ctx, cache.RoundRecord{
		LobbyID:     claim.LobbyID,
		Round:       claim.Round,
		Outcome:     outcome,
		Narrative:   narrative,
		Context:     claim.Context,
		Updates:     updates,
		ProcessedAt: p.now().UnixMilli(),
	})
	if err != nil {
		p.logger.WithError(err).WithField("lobby_id", claim.LobbyID).Warn("failed to publish round history")
	}
}

// Recover claims and processes every round whose players are all ready but which nobody owns,
// either because its processor died or because a commit failed. It returns how many rounds
// were advanced.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	ids, err := p.store.ListReadyLobbies(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		claim, err := p.store.ClaimRound(ctx, id, uuid.New(), p.decideRecover)
		if err != nil {
			p.logger.WithError(err).WithField("lobby_id", id).Warn("failed to claim stalled round")
			continue
		}
		if claim == nil {
			continue
		}
		p.logger.WithFields(logrus.Fields{"lobby_id": id, "round": claim.Round}).Info("recovering stalled round")
		if _, err := p.Process(ctx, claim); err == nil {
			processed++
		}
	}
	return processed, nil
}

// RunRecovery calls Recover now and then every interval until ctx ends.
func (p *Processor) RunRecovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := p.Recover(ctx); err != nil {
			p.logger.WithError(err).Warn("round recovery sweep failed")
		} else if n > 0 {
			p.logger.WithField("rounds", n).Info("round recovery sweep advanced rounds")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) decideRecover(t database.TurnTally) database.Decision {
	if t.Status == models.LobbyActive && allReady(t) && !p.claimLive(t.ClaimedAt) {
		return database.DecisionClaim
	}
	return database.DecisionSkip
}

// resolveUpdates keeps updates for players in the snapshot, last entry per player wins, and
// rewrites each to the clamped values that will be stored.
func resolveUpdates(rc models.RoundContext, in []models.CharacterUpdate) []models.CharacterUpdate {
	sheets := make(map[uuid.UUID]models.CharacterSheet, len(rc.Characters))
	for _, c := range rc.Characters {
		sheets[c.PlayerID] = c.Sheet
	}
	index := make(map[uuid.UUID]int)
	out := []models.CharacterUpdate{}
	for _, u := range in {
		sheet, ok := sheets[u.PlayerID]
		if !ok {
			continue
		}
		s := sheet.Apply(u)
		cu := models.CharacterUpdate{
			PlayerID:      u.PlayerID,
			Health:        s.Health,
			Chakra:        s.Chakra,
			Karma:         s.Karma,
			Inventory:     s.Inventory,
			StatusEffects: s.StatusEffects,
		}
		if i, seen := index[u.PlayerID]; seen {
			out[i] = cu
			continue
		}
		index[u.PlayerID] = len(out)
		out = append(out, cu)
	}
	return out
}

// internal/lobby/lobby_manager.go

package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/narrator"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxPlayers = 6
	MinPlayers        = 2
	MaxPlayersLimit   = 12
	maxCodeAttempts   = 20
)

// GameStartedMessage is broadcast when a lobby's game begins.
const GameStartedMessage = "Game has started! Prepare for adventure in the realm of Yamato..."

// Manager handles the lobby lifecycle: create, join, start.
type Manager struct {
	store      database.Store
	notifier   realtime.Notifier
	logger     *logrus.Logger
	defaultMax int
	genCode    func() (string, error)
}

// NewManager returns a Manager. defaultMax applies when a create request names no size.
func NewManager(store database.Store, notifier realtime.Notifier, logger *logrus.Logger, defaultMax int) *Manager {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxPlayers
	}
	return &Manager{
		store:      store,
		notifier:   notifier,
		logger:     logger,
		defaultMax: defaultMax,
		genCode:    GenerateCode,
	}
}

// Create opens a waiting lobby with a fresh join code and its initial game state.
func (m *Manager) Create(ctx context.Context, name string, maxPlayers int) (*models.Lobby, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.ErrInvalidLobbyName
	}
	if maxPlayers == 0 {
		maxPlayers = m.defaultMax
	}
	if maxPlayers < MinPlayers || maxPlayers > MaxPlayersLimit {
		return nil, models.ErrInvalidMaxPlayers
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := m.genCode()
		if err != nil {
			return nil, fmt.Errorf("generate lobby code: %w", err)
		}
		taken, err := m.store.CodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if taken {
			m.logger.WithField("code", code).Debug("collision on code, regenerating")
			continue
		}

		l := &models.Lobby{
			ID:         uuid.New(),
			Code:       code,
			Name:       name,
			MaxPlayers: maxPlayers,
			Status:     models.LobbyWaiting,
		}
		state := &models.GameState{Narrative: narrator.WelcomeNarrative}
		err = m.store.CreateLobby(ctx, l, state)
		if errors.Is(err, database.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.WithFields(logrus.Fields{"lobby_id": l.ID, "code": code}).Info("lobby created")
		return l, nil
	}
	return nil, errors.New("could not allocate a unique lobby code")
}

// Get returns a lobby and its players in join order.
func (m *Manager) Get(ctx context.Context, code string) (*models.Lobby, []models.PlayerView, error) {
	l, err := m.store.GetLobbyByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, nil, err
	}
	players, err := m.store.ListPlayers(ctx, l.ID)
	if err != nil {
		return nil, nil, err
	}
	views := make([]models.PlayerView, 0, len(players))
	for _, p := range players {
		views = append(views, models.NewPlayerView(p))
	}
	return l, views, nil
}

// Join adds a player with a fresh character sheet for the chosen class. A player joining an
// active game takes part from the next round.
func (m *Manager) Join(ctx context.Context, code, playerName string, classID int) (*models.Player, models.CharacterClass, error) {
	playerName = strings.TrimSpace(playerName)
	if playerName == "" {
		return nil, models.CharacterClass{}, models.ErrInvalidPlayerName
	}
	class, ok := models.ClassByID(classID)
	if !ok {
		return nil, models.CharacterClass{}, models.ErrUnknownClass
	}
	l, err := m.store.GetLobbyByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, models.CharacterClass{}, err
	}

	p := &models.Player{
		ID:      uuid.New(),
		LobbyID: l.ID,
		Name:    playerName,
		ClassID: class.ID,
		Sheet:   models.NewSheet(class),
	}
	if err := m.store.AddPlayer(ctx, p); err != nil {
		return nil, models.CharacterClass{}, err
	}

	m.logger.WithFields(logrus.Fields{"lobby_id": l.ID, "player_id": p.ID}).Info("player joined lobby")
	m.notifier.Publish(ctx, realtime.NewEvent(realtime.EventPlayerJoined, l.ID, map[string]any{
		"playerId":   p.ID,
		"playerName": p.Name,
		"className":  class.Name,
		"sprite":     class.Sprite,
	}))
	return p, class, nil
}

// Start flips a waiting lobby with enough players to active at round 1.
func (m *Manager) Start(ctx context.Context, code string) (*models.Lobby, error) {
	l, err := m.store.GetLobbyByCode(ctx, normalizeCode(code))
	if err != nil {
		return nil, err
	}
	started, err := m.store.StartLobby(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	m.logger.WithField("lobby_id", l.ID).Info("game started")
	m.notifier.Publish(ctx, realtime.NewEvent(realtime.EventGameStarted, l.ID, map[string]any{
		"message": GameStartedMessage,
		"round":   started.CurrentRound,
	}))
	return started, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

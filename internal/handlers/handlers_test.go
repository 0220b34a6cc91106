package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/game"
	"github.com/jason-s-yu/yamato/internal/lobby"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/narrator"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct{}

func (scriptedGenerator) Generate(_ context.Context, rc models.RoundContext) (*narrator.Narration, error) {
	return &narrator.Narration{
		Narrative:    "The lanterns flicker as the party moves on.",
		World:        models.WorldState{Location: "Fushimi Gate", TimeOfDay: "dusk"},
		Updates:      []models.CharacterUpdate{},
		SoundEffects: []string{"bell"},
	}, nil
}

type testServer struct {
	deps   Deps
	router http.Handler
	store  *database.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, scriptedGenerator{})
}

func newTestServerWith(t *testing.T, gen narrator.Generator) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := database.NewMemoryStore()
	hub := realtime.NewHub(logger)
	proc := game.NewProcessor(store, gen, hub, logger, game.ProcessorConfig{})
	deps := Deps{
		Logger:   logger,
		Store:    store,
		Lobbies:  lobby.NewManager(store, hub, logger, 0),
		Tracker:  game.NewTracker(store, proc, hub, logger),
		Hub:      hub,
		Notifier: hub,
	}
	return &testServer{deps: deps, router: NewRouter(deps), store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type lobbyResponse struct {
	Lobby   models.Lobby        `json:"lobby"`
	Players []models.PlayerView `json:"players"`
	Message string              `json:"message"`
}

type joinResponse struct {
	Player         models.PlayerView     `json:"player"`
	CharacterClass models.CharacterClass `json:"characterClass"`
	Message        string                `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// startedLobby creates a lobby with the given players joined and the game started.
func (s *testServer) startedLobby(t *testing.T, names ...string) (models.Lobby, []models.PlayerView) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/lobbies", map[string]any{"name": "Test Lobby", "maxPlayers": 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	l := decode[lobbyResponse](t, rec).Lobby

	var players []models.PlayerView
	for i, name := range names {
		rec = s.do(t, http.MethodPost, "/api/lobbies/"+l.Code+"/join", map[string]any{
			"playerName":       name,
			"characterClassId": i + 1,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		players = append(players, decode[joinResponse](t, rec).Player)
	}
	rec = s.do(t, http.MethodPost, "/api/lobbies/"+l.Code+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return l, players
}

func TestHealthAndCatalog(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = s.do(t, http.MethodGet, "/api/character-classes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	classes := decode[[]models.CharacterClass](t, rec)
	require.Len(t, classes, 6)
	assert.Equal(t, "Shadow Ninja", classes[0].Name)
}

func TestLobbyLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/lobbies", map[string]any{"name": "Kyoto Nights"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[lobbyResponse](t, rec)
	assert.Equal(t, "Lobby created successfully", created.Message)
	assert.Equal(t, 6, created.Lobby.MaxPlayers)
	assert.Len(t, created.Lobby.Code, 6)

	rec = s.do(t, http.MethodPost, "/api/lobbies/"+created.Lobby.Code+"/join", map[string]any{
		"playerName": "Aiko", "characterClassId": 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	joined := decode[joinResponse](t, rec)
	assert.Equal(t, "Shrine Mage", joined.CharacterClass.Name)
	assert.Equal(t, "Shrine Mage", joined.Player.ClassName)
	assert.Equal(t, 70, joined.Player.Sheet.Health)

	rec = s.do(t, http.MethodPost, "/api/lobbies/"+created.Lobby.Code+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Need at least 2 players to start", decode[errorResponse](t, rec).Error)

	rec = s.do(t, http.MethodGet, "/api/lobbies/"+created.Lobby.Code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[lobbyResponse](t, rec)
	assert.Equal(t, 1, got.Lobby.PlayerCount)
	require.Len(t, got.Players, 1)
	assert.Equal(t, "Aiko", got.Players[0].Name)
}

func TestLobbyErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		msg    string
	}{
		{"unknown lobby", http.MethodGet, "/api/lobbies/NOPE00", nil, http.StatusNotFound, "Lobby not found"},
		{"join unknown lobby", http.MethodPost, "/api/lobbies/NOPE00/join", map[string]any{"playerName": "A", "characterClassId": 1}, http.StatusNotFound, "Lobby not found"},
		{"missing name", http.MethodPost, "/api/lobbies", map[string]any{"maxPlayers": 4}, http.StatusBadRequest, "Lobby name is required"},
		{"oversized lobby", http.MethodPost, "/api/lobbies", map[string]any{"name": "big", "maxPlayers": 13}, http.StatusBadRequest, "Max players must be between 2 and 12"},
		{"bad game id", http.MethodGet, "/api/game/not-a-uuid/state", nil, http.StatusBadRequest, "invalid lobby id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestJoinFullLobbyAndDuplicateName(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/lobbies", map[string]any{"name": "Pair", "maxPlayers": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[lobbyResponse](t, rec).Lobby.Code

	join := func(name string) *httptest.ResponseRecorder {
		return s.do(t, http.MethodPost, "/api/lobbies/"+code+"/join", map[string]any{"playerName": name, "characterClassId": 2})
	}
	require.Equal(t, http.StatusCreated, join("Aiko").Code)

	rec = join("Aiko")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Player name already taken", decode[errorResponse](t, rec).Error)

	require.Equal(t, http.StatusCreated, join("Kenji").Code)
	rec = join("Hana")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Lobby is full", decode[errorResponse](t, rec).Error)
}

func TestPlayRoundOverREST(t *testing.T) {
	s := newTestServer(t)
	l, players := s.startedLobby(t, "Aiko", "Kenji")
	base := "/api/game/" + l.ID.String()

	rec := s.do(t, http.MethodPost, base+"/action", map[string]any{"playerId": players[0].ID, "action": "I scout the temple roof"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Action submitted successfully", decode[map[string]any](t, rec)["message"])

	rec = s.do(t, http.MethodPost, base+"/action", map[string]any{"playerId": players[1].ID, "action": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Action is required", decode[errorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, base+"/end-turn", map[string]any{"playerId": players[0].ID})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[map[string]any](t, rec)
	assert.Equal(t, false, first["allPlayersReady"])
	assert.Equal(t, false, first["roundProcessed"])

	rec = s.do(t, http.MethodPost, base+"/end-turn", map[string]any{"playerId": players[1].ID})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[map[string]any](t, rec)
	assert.Equal(t, true, second["allPlayersReady"])
	assert.Equal(t, true, second["roundProcessed"])
	assert.EqualValues(t, 2, second["round"])

	rec = s.do(t, http.MethodGet, base+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[game.StateSnapshot](t, rec)
	assert.Equal(t, 2, snap.Lobby.CurrentRound)
	assert.Equal(t, "The lanterns flicker as the party moves on.", snap.GameState.Narrative)
	assert.Equal(t, "Fushimi Gate", snap.GameState.World.Location)
	assert.Empty(t, snap.CurrentActions)
	for _, p := range snap.Players {
		assert.False(t, p.TurnEnded)
	}
}

func TestEndTurnErrors(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/lobbies", map[string]any{"name": "Idle"})
	l := decode[lobbyResponse](t, rec).Lobby
	rec = s.do(t, http.MethodPost, "/api/lobbies/"+l.Code+"/join", map[string]any{"playerName": "Aiko", "characterClassId": 1})
	p := decode[joinResponse](t, rec).Player

	rec = s.do(t, http.MethodPost, "/api/game/"+l.ID.String()+"/end-turn", map[string]any{"playerId": p.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Game is not in progress", decode[errorResponse](t, rec).Error)

	rec = s.do(t, http.MethodPost, "/api/game/"+l.ID.String()+"/end-turn", map[string]any{"playerId": l.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Player not found", decode[errorResponse](t, rec).Error)
}

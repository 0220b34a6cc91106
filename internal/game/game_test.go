// internal/game/game_test.go
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/database"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/narrator"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier collects events instead of sending them over WS.
type recordingNotifier struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev realtime.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) ofType(t realtime.EventType) []realtime.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []realtime.Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeGenerator records every context it is asked to narrate.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []models.RoundContext
	respond func(ctx context.Context, rc models.RoundContext) (*narrator.Narration, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, rc models.RoundContext) (*narrator.Narration, error) {
	g.mu.Lock()
	g.calls = append(g.calls, rc)
	respond := g.respond
	g.mu.Unlock()
	if respond == nil {
		return narrated(rc), nil
	}
	return respond(ctx, rc)
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) call(i int) models.RoundContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

func narrated(rc models.RoundContext) *narrator.Narration {
	return &narrator.Narration{
		Narrative:    fmt.Sprintf("Round %d narrated", rc.Round),
		World:        models.WorldState{Location: fmt.Sprintf("Stage %d", rc.Round), TimeOfDay: "dusk"},
		Updates:      []models.CharacterUpdate{},
		SoundEffects: []string{"taiko"},
	}
}

type fixture struct {
	store    *database.MemoryStore
	notifier *recordingNotifier
	gen      *fakeGenerator
	proc     *Processor
	tracker  *Tracker
	lobby    *models.Lobby
	players  []models.Player
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newPlayer(lobbyID uuid.UUID, name string, classID int) *models.Player {
	c, _ := models.ClassByID(classID)
	return &models.Player{
		ID:      uuid.New(),
		LobbyID: lobbyID,
		Name:    name,
		ClassID: classID,
		Sheet:   models.NewSheet(c),
	}
}

// setupGame creates an active lobby at round 1 with n players.
func setupGame(t *testing.T, n int, cfg ProcessorConfig, wrap func(*database.MemoryStore) database.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    database.NewMemoryStore(),
		notifier: &recordingNotifier{},
		gen:      &fakeGenerator{},
	}
	var store database.Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	f.proc = NewProcessor(store, f.gen, f.notifier, quietLogger(), cfg)
	f.tracker = NewTracker(store, f.proc, f.notifier, quietLogger())

	lobby := &models.Lobby{ID: uuid.New(), Code: "YMT001", Name: "Test", MaxPlayers: 12, Status: models.LobbyWaiting}
	require.NoError(t, f.store.CreateLobby(ctx, lobby, &models.GameState{Narrative: narrator.WelcomeNarrative}))
	for i := 0; i < n; i++ {
		p := newPlayer(lobby.ID, fmt.Sprintf("player-%d", i), i%6+1)
		require.NoError(t, f.store.AddPlayer(ctx, p))
		f.players = append(f.players, *p)
	}
	started, err := f.store.StartLobby(ctx, lobby.ID)
	require.NoError(t, err)
	f.lobby = started
	return f
}

func (f *fixture) round(t *testing.T) int {
	t.Helper()
	l, err := f.store.GetLobby(context.Background(), f.lobby.ID)
	require.NoError(t, err)
	return l.CurrentRound
}

func (f *fixture) player(t *testing.T, id uuid.UUID) *models.Player {
	t.Helper()
	p, err := f.store.GetPlayer(context.Background(), f.lobby.ID, id)
	require.NoError(t, err)
	return p
}

func TestTwoPlayerRound(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	a, b := f.players[0], f.players[1]

	_, err := f.tracker.SubmitAction(ctx, f.lobby.ID, a.ID, "I draw my sword")
	require.NoError(t, err)
	res, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, res.AllPlayersReady)
	assert.False(t, res.RoundProcessed)
	assert.Equal(t, 0, f.gen.count())

	_, err = f.tracker.SubmitAction(ctx, f.lobby.ID, b.ID, "I flee")
	require.NoError(t, err)
	res, err = f.tracker.EndTurn(ctx, f.lobby.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, res.AllPlayersReady)
	assert.True(t, res.RoundProcessed)
	assert.Equal(t, 2, res.Round)

	require.Equal(t, 1, f.gen.count())
	rc := f.gen.call(0)
	assert.Equal(t, 1, rc.Round)
	assert.Equal(t, narrator.WelcomeNarrative, rc.Narrative)
	require.Len(t, rc.Actions, 2)
	assert.Equal(t, "I draw my sword", rc.Actions[0].Text)
	assert.Equal(t, "I flee", rc.Actions[1].Text)
	assert.Len(t, rc.Characters, 2)

	assert.Equal(t, 2, f.round(t))
	assert.False(t, f.player(t, a.ID).TurnEnded)
	assert.False(t, f.player(t, b.ID).TurnEnded)

	processed := f.notifier.ofType(realtime.EventRoundProcessed)
	require.Len(t, processed, 1)
	payload, ok := processed[0].Payload.(RoundProcessedPayload)
	require.True(t, ok)
	assert.Equal(t, "Round 1 narrated", payload.Narrative)
	assert.Equal(t, 2, payload.Round)
	assert.Equal(t, []string{"taiko"}, payload.SoundEffects)
	assert.Len(t, f.notifier.ofType(realtime.EventTurnEnded), 2)
	assert.Len(t, f.notifier.ofType(realtime.EventActionSubmitted), 2)

	gs, err := f.store.GetGameState(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, "Round 1 narrated", gs.Narrative)
	assert.Equal(t, "Stage 1", gs.World.Location)
	require.NotNil(t, gs.LastContext)
	assert.Len(t, gs.LastContext.Actions, 2)
}

func TestConcurrentEndTurnProcessesOnce(t *testing.T) {
	const n = 8
	f := setupGame(t, n, ProcessorConfig{}, nil)
	ctx := context.Background()

	start := make(chan struct{})
	results := make([]*TurnResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range f.players {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.tracker.EndTurn(ctx, f.lobby.ID, f.players[i].ID)
		}(i)
	}
	close(start)
	wg.Wait()

	processedBy := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].RoundProcessed {
			processedBy++
		}
	}
	assert.Equal(t, 1, processedBy)
	assert.Equal(t, 1, f.gen.count())
	assert.Equal(t, 2, f.round(t))
	assert.Len(t, f.notifier.ofType(realtime.EventRoundProcessed), 1)
	for _, p := range f.players {
		assert.False(t, f.player(t, p.ID).TurnEnded)
	}
}

func TestEndTurnIsIdempotent(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	a := f.players[0]

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)
	res, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)

	assert.False(t, res.AllPlayersReady)
	assert.False(t, res.RoundProcessed)
	assert.True(t, f.player(t, a.ID).TurnEnded)
	assert.Equal(t, 1, f.round(t))
	assert.Equal(t, 0, f.gen.count())
	assert.Len(t, f.notifier.ofType(realtime.EventTurnEnded), 1)
}

func TestGeneratorFailureFallsBack(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	f.gen.respond = func(context.Context, models.RoundContext) (*narrator.Narration, error) {
		return nil, fmt.Errorf("%w: connection refused", narrator.ErrGenerationFailed)
	}
	ctx := context.Background()
	before := f.player(t, f.players[0].ID).Sheet

	for _, p := range f.players {
		_, err := f.tracker.EndTurn(ctx, f.lobby.ID, p.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.round(t))
	gs, err := f.store.GetGameState(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, narrator.FallbackNarrative, gs.Narrative)
	assert.Equal(t, narrator.DefaultWorld(), gs.World)

	after := f.player(t, f.players[0].ID)
	assert.Equal(t, before, after.Sheet)
	assert.False(t, after.TurnEnded)

	processed := f.notifier.ofType(realtime.EventRoundProcessed)
	require.Len(t, processed, 1)
	payload := processed[0].Payload.(RoundProcessedPayload)
	assert.Equal(t, narrator.FallbackNarrative, payload.Narrative)
	assert.NotNil(t, payload.CharacterUpdates)
	assert.Empty(t, payload.CharacterUpdates)
	assert.Empty(t, f.notifier.ofType(realtime.EventError))
}

func TestGeneratorTimeoutFallsBack(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{NarratorTimeout: 50 * time.Millisecond}, nil)
	f.gen.respond = func(ctx context.Context, _ models.RoundContext) (*narrator.Narration, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", narrator.ErrGenerationFailed, ctx.Err())
	}
	ctx := context.Background()
	before := f.player(t, f.players[1].ID).Sheet

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[0].ID)
	require.NoError(t, err)
	start := time.Now()
	res, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[1].ID)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.RoundProcessed)
	assert.Equal(t, 2, res.Round)
	gs, err := f.store.GetGameState(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, narrator.FallbackNarrative, gs.Narrative)
	assert.Equal(t, before, f.player(t, f.players[1].ID).Sheet)
}

func TestUpdatesReplaceSheetsAndClamp(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	a, b := f.players[0], f.players[1]
	f.gen.respond = func(_ context.Context, rc models.RoundContext) (*narrator.Narration, error) {
		n := narrated(rc)
		n.Updates = []models.CharacterUpdate{
			{PlayerID: a.ID, Health: 10, Chakra: 10, Karma: 1, Inventory: []string{"fan"}, StatusEffects: []string{}},
			{PlayerID: uuid.New(), Health: 1, Chakra: 1},
			{PlayerID: a.ID, Health: 9999, Chakra: -5, Karma: -7, Inventory: []string{"katana"}, StatusEffects: []string{"blessed"}},
		}
		return n, nil
	}
	ctx := context.Background()
	bBefore := f.player(t, b.ID).Sheet

	for _, p := range f.players {
		_, err := f.tracker.EndTurn(ctx, f.lobby.ID, p.ID)
		require.NoError(t, err)
	}

	got := f.player(t, a.ID).Sheet
	assert.Equal(t, got.MaxHealth, got.Health)
	assert.Equal(t, 0, got.Chakra)
	assert.Equal(t, -7, got.Karma)
	assert.Equal(t, []string{"katana"}, got.Inventory)
	assert.Equal(t, []string{"blessed"}, got.StatusEffects)
	assert.Equal(t, bBefore, f.player(t, b.ID).Sheet)

	payload := f.notifier.ofType(realtime.EventRoundProcessed)[0].Payload.(RoundProcessedPayload)
	require.Len(t, payload.CharacterUpdates, 1)
	assert.Equal(t, got.MaxHealth, payload.CharacterUpdates[0].Health)
}

func TestLateJoinerWaitsForNextRound(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	f.gen.respond = func(_ context.Context, rc models.RoundContext) (*narrator.Narration, error) {
		entered <- struct{}{}
		<-release
		return narrated(rc), nil
	}

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[0].ID)
	require.NoError(t, err)

	done := make(chan *TurnResult, 1)
	go func() {
		res, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[1].ID)
		assert.NoError(t, err)
		done <- res
	}()
	<-entered

	late := newPlayer(f.lobby.ID, "latecomer", 3)
	require.NoError(t, f.store.AddPlayer(ctx, late))
	res, err := f.tracker.EndTurn(ctx, f.lobby.ID, late.ID)
	require.NoError(t, err)
	assert.True(t, res.Processing)
	assert.False(t, res.RoundProcessed)
	assert.False(t, f.player(t, late.ID).TurnEnded)

	close(release)
	res = <-done
	require.NotNil(t, res)
	assert.True(t, res.RoundProcessed)
	assert.Equal(t, 2, res.Round)

	first := f.gen.call(0)
	assert.Len(t, first.Characters, 2)
	assert.False(t, first.HasPlayer(late.ID))
	assert.False(t, f.player(t, late.ID).TurnEnded)

	// all three take part in round 2
	for _, id := range []uuid.UUID{f.players[0].ID, f.players[1].ID} {
		res, err := f.tracker.EndTurn(ctx, f.lobby.ID, id)
		require.NoError(t, err)
		assert.False(t, res.AllPlayersReady)
	}
	res, err = f.tracker.EndTurn(ctx, f.lobby.ID, late.ID)
	require.NoError(t, err)
	assert.True(t, res.RoundProcessed)
	assert.Equal(t, 3, res.Round)
	second := f.gen.call(1)
	assert.True(t, second.HasPlayer(late.ID))
}

// failingStore fails CommitRound while fail is set.
type failingStore struct {
	*database.MemoryStore
	fail atomic.Bool
}

func (s *failingStore) CommitRound(ctx context.Context, claim *models.RoundClaim, o models.RoundOutcome) (int, error) {
	if s.fail.Load() {
		return 0, errors.New("connection reset by peer")
	}
	return s.MemoryStore.CommitRound(ctx, claim, o)
}

func TestCommitFailureNotifiesAndRecovers(t *testing.T) {
	var fs *failingStore
	f := setupGame(t, 2, ProcessorConfig{}, func(m *database.MemoryStore) database.Store {
		fs = &failingStore{MemoryStore: m}
		fs.fail.Store(true)
		return fs
	})
	ctx := context.Background()

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[0].ID)
	require.NoError(t, err)
	_, err = f.tracker.EndTurn(ctx, f.lobby.ID, f.players[1].ID)
	require.Error(t, err)

	errorsSent := f.notifier.ofType(realtime.EventError)
	require.Len(t, errorsSent, 1)
	assert.Equal(t, map[string]string{"message": RoundFailedMessage}, errorsSent[0].Payload)
	assert.Empty(t, f.notifier.ofType(realtime.EventRoundProcessed))
	assert.Equal(t, 1, f.round(t))

	l, err := f.store.GetLobby(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Nil(t, l.ProcessingToken, "failed attempt must release its claim")
	assert.True(t, f.player(t, f.players[0].ID).TurnEnded)

	fs.fail.Store(false)
	n, err := f.proc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.round(t))
	assert.Equal(t, 2, f.gen.count())

	n, err = f.proc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoverTakesOverStaleClaim(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	a, b := f.players[0], f.players[1]

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)
	// a processor claims the round and dies before committing
	_, dead, err := f.store.EndTurn(ctx, f.lobby.ID, b.ID, uuid.New(), func(database.TurnTally) database.Decision {
		return database.DecisionClaim
	})
	require.NoError(t, err)
	require.NotNil(t, dead)

	res, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, res.Processing)

	n, err := f.proc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a live claim is left alone")

	f.proc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = f.proc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.round(t))

	_, err = f.store.CommitRound(ctx, dead, models.RoundOutcome{Narrative: "from beyond the grave"})
	assert.ErrorIs(t, err, models.ErrRoundClaimLost)
	gs, err := f.store.GetGameState(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, "Round 1 narrated", gs.Narrative)
	assert.Equal(t, 2, f.round(t))
}

func TestLobbyDeletedMidRound(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	f.gen.respond = func(_ context.Context, rc models.RoundContext) (*narrator.Narration, error) {
		f.store.DeleteLobby(rc.LobbyID)
		return narrated(rc), nil
	}
	ctx := context.Background()

	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, f.players[0].ID)
	require.NoError(t, err)
	_, err = f.tracker.EndTurn(ctx, f.lobby.ID, f.players[1].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, f.notifier.ofType(realtime.EventRoundProcessed))
}

func TestRoundsAdvanceByOne(t *testing.T) {
	f := setupGame(t, 3, ProcessorConfig{}, nil)
	ctx := context.Background()

	for want := 2; want <= 5; want++ {
		for _, p := range f.players {
			_, err := f.tracker.SubmitAction(ctx, f.lobby.ID, p.ID, "wait")
			require.NoError(t, err)
			_, err = f.tracker.EndTurn(ctx, f.lobby.ID, p.ID)
			require.NoError(t, err)
		}
		assert.Equal(t, want, f.round(t))
	}
	require.Equal(t, 4, f.gen.count())
	for i := 0; i < 4; i++ {
		rc := f.gen.call(i)
		assert.Equal(t, i+1, rc.Round)
		assert.Len(t, rc.Actions, 3, "only the round's own actions are narrated")
	}
	assert.Equal(t, "Round 1 narrated", f.gen.call(1).Narrative)
}

func TestSubmitActionKeepsEverySubmission(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	a := f.players[0]

	for _, text := range []string{"I bow", "I offer tea", "I bow again"} {
		act, err := f.tracker.SubmitAction(ctx, f.lobby.ID, a.ID, text)
		require.NoError(t, err)
		assert.Equal(t, 1, act.Round)
	}
	// submitting after ending the turn is still accepted
	_, err := f.tracker.EndTurn(ctx, f.lobby.ID, a.ID)
	require.NoError(t, err)
	_, err = f.tracker.SubmitAction(ctx, f.lobby.ID, a.ID, "one more thing")
	require.NoError(t, err)

	actions, err := f.store.ListActions(ctx, f.lobby.ID, 1)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.Equal(t, "I bow", actions[0].Text)
	assert.Equal(t, "one more thing", actions[3].Text)

	_, err = f.tracker.SubmitAction(ctx, f.lobby.ID, uuid.New(), "ghost")
	assert.ErrorIs(t, err, models.ErrPlayerNotFound)
	_, err = f.tracker.SubmitAction(ctx, uuid.New(), a.ID, "lost")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.tracker.EndTurn(ctx, uuid.New(), a.ID)
	assert.ErrorIs(t, err, models.ErrLobbyNotFound)
}

func TestEndTurnRequiresActiveGame(t *testing.T) {
	store := database.NewMemoryStore()
	proc := NewProcessor(store, &fakeGenerator{}, realtime.NopNotifier{}, quietLogger(), ProcessorConfig{})
	tracker := NewTracker(store, proc, realtime.NopNotifier{}, quietLogger())
	ctx := context.Background()

	lobby := &models.Lobby{ID: uuid.New(), Code: "WAIT01", Name: "Waiting", MaxPlayers: 6, Status: models.LobbyWaiting}
	require.NoError(t, store.CreateLobby(ctx, lobby, &models.GameState{}))
	p := newPlayer(lobby.ID, "early", 1)
	require.NoError(t, store.AddPlayer(ctx, p))

	_, err := tracker.EndTurn(ctx, lobby.ID, p.ID)
	assert.ErrorIs(t, err, models.ErrGameNotActive)
	got, err := store.GetPlayer(ctx, lobby.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, got.TurnEnded)
}

func TestStateSnapshot(t *testing.T) {
	f := setupGame(t, 2, ProcessorConfig{}, nil)
	ctx := context.Background()
	_, err := f.tracker.SubmitAction(ctx, f.lobby.ID, f.players[0].ID, "I listen")
	require.NoError(t, err)

	snap, err := f.tracker.State(ctx, f.lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Lobby.CurrentRound)
	assert.Equal(t, narrator.WelcomeNarrative, snap.GameState.Narrative)
	require.Len(t, snap.Players, 2)
	assert.Equal(t, "player-0", snap.Players[0].Name)
	assert.Equal(t, "Shadow Ninja", snap.Players[0].ClassName)
	assert.Equal(t, 75, snap.Players[0].Stamina)
	require.Len(t, snap.CurrentActions, 1)
	assert.Equal(t, "I listen", snap.CurrentActions[0].Text)

	_, err = f.tracker.State(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// internal/database/memory.go
package database

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
)

// MemoryStore is a process-local Store with the same transactional semantics as PgStore.
// A single mutex stands in for row locks; it is never held across a narrator call.
type MemoryStore struct {
	mu sync.Mutex

	lobbies map[uuid.UUID]*models.Lobby
	codes   map[string]uuid.UUID
	states  map[uuid.UUID]*models.GameState
	players map[uuid.UUID]*models.Player
	members map[uuid.UUID][]uuid.UUID // lobbyID -> playerIDs in join order
	actions map[uuid.UUID][]models.TurnAction

	now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lobbies: make(map[uuid.UUID]*models.Lobby),
		codes:   make(map[string]uuid.UUID),
		states:  make(map[uuid.UUID]*models.GameState),
		players: make(map[uuid.UUID]*models.Player),
		members: make(map[uuid.UUID][]uuid.UUID),
		actions: make(map[uuid.UUID][]models.TurnAction),
		now:     time.Now,
	}
}

func (s *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[code]
	return ok, nil
}

func (s *MemoryStore) CreateLobby(_ context.Context, lobby *models.Lobby, state *models.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[lobby.Code]; ok {
		return ErrDuplicateCode
	}
	if lobby.CreatedAt.IsZero() {
		lobby.CreatedAt = s.now()
	}
	l := *lobby
	st := *state
	st.LobbyID = l.ID
	st.UpdatedAt = lobby.CreatedAt
	s.lobbies[l.ID] = &l
	s.codes[l.Code] = l.ID
	s.states[l.ID] = &st
	return nil
}

func (s *MemoryStore) GetLobby(_ context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	out := *l
	return &out, nil
}

func (s *MemoryStore) GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	s.mu.Lock()
	id, ok := s.codes[code]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	return s.GetLobby(ctx, id)
}

func (s *MemoryStore) GetGameState(_ context.Context, lobbyID uuid.UUID) (*models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[lobbyID]
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	out := *st
	out.World = cloneWorld(st.World)
	return &out, nil
}

func (s *MemoryStore) StartLobby(_ context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	if l.Status != models.LobbyWaiting {
		return nil, models.ErrGameAlreadyStarted
	}
	if len(s.members[lobbyID]) < 2 {
		return nil, models.ErrNotEnoughPlayers
	}
	l.Status = models.LobbyActive
	l.CurrentRound = 1
	out := *l
	return &out, nil
}

func (s *MemoryStore) AddPlayer(_ context.Context, player *models.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[player.LobbyID]
	if !ok {
		return models.ErrLobbyNotFound
	}
	if l.Status == models.LobbyFinished {
		return models.ErrGameNotActive
	}
	if l.IsFull() {
		return models.ErrLobbyFull
	}
	for _, id := range s.members[l.ID] {
		if s.players[id].Name == player.Name {
			return models.ErrNameTaken
		}
	}
	if player.JoinedAt.IsZero() {
		player.JoinedAt = s.now()
	}
	p := *player
	p.Sheet = player.Sheet.Clone()
	s.players[p.ID] = &p
	s.members[l.ID] = append(s.members[l.ID], p.ID)
	l.PlayerCount++
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, lobbyID, playerID uuid.UUID) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.playerLocked(lobbyID, playerID)
	if err != nil {
		return nil, err
	}
	out := *p
	out.Sheet = p.Sheet.Clone()
	return &out, nil
}

func (s *MemoryStore) ListPlayers(_ context.Context, lobbyID uuid.UUID) ([]models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[lobbyID]; !ok {
		return nil, models.ErrLobbyNotFound
	}
	out := make([]models.Player, 0, len(s.members[lobbyID]))
	for _, id := range s.members[lobbyID] {
		p := *s.players[id]
		p.Sheet = p.Sheet.Clone()
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) SetConnection(_ context.Context, lobbyID, playerID uuid.UUID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.playerLocked(lobbyID, playerID)
	if err != nil {
		return err
	}
	p.Connection = handle
	return nil
}

func (s *MemoryStore) AppendAction(_ context.Context, lobbyID, playerID uuid.UUID, text string) (*models.TurnAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	p, err := s.playerLocked(lobbyID, playerID)
	if err != nil {
		return nil, err
	}
	a := models.TurnAction{
		ID:          uuid.New(),
		LobbyID:     lobbyID,
		PlayerID:    playerID,
		PlayerName:  p.Name,
		Round:       l.CurrentRound,
		Text:        text,
		SubmittedAt: s.now(),
	}
	s.actions[lobbyID] = append(s.actions[lobbyID], a)
	return &a, nil
}

func (s *MemoryStore) ListActions(_ context.Context, lobbyID uuid.UUID, round int) ([]models.TurnAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lobbies[lobbyID]; !ok {
		return nil, models.ErrLobbyNotFound
	}
	return s.roundActionsLocked(lobbyID, round), nil
}

func (s *MemoryStore) EndTurn(_ context.Context, lobbyID, playerID, token uuid.UUID, decide DecideFunc) (TurnTally, *models.RoundClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return TurnTally{}, nil, models.ErrLobbyNotFound
	}
	p, err := s.playerLocked(lobbyID, playerID)
	if err != nil {
		return TurnTally{}, nil, err
	}

	tally := s.tallyLocked(l)
	if !p.TurnEnded {
		tally.Changed = true
		tally.Ended++
	}

	switch decide(tally) {
	case DecisionSkip:
		return tally, nil, nil
	case DecisionMark:
		p.TurnEnded = true
		return tally, nil, nil
	default:
		p.TurnEnded = true
		return tally, s.claimLocked(l, token), nil
	}
}

func (s *MemoryStore) ClaimRound(_ context.Context, lobbyID, token uuid.UUID, decide DecideFunc) (*models.RoundClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, models.ErrLobbyNotFound
	}
	if decide(s.tallyLocked(l)) != DecisionClaim {
		return nil, nil
	}
	return s.claimLocked(l, token), nil
}

func (s *MemoryStore) ListReadyLobbies(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, l := range s.lobbies {
		if l.Status != models.LobbyActive {
			continue
		}
		t := s.tallyLocked(l)
		if t.Total > 0 && t.Ended == t.Total {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitRound(_ context.Context, claim *models.RoundClaim, outcome models.RoundOutcome) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[claim.LobbyID]
	if !ok {
		return 0, models.ErrLobbyNotFound
	}
	if l.Status != models.LobbyActive || l.CurrentRound != claim.Round || l.ProcessingToken == nil || *l.ProcessingToken != claim.Token {
		return 0, models.ErrRoundClaimLost
	}

	st := s.states[l.ID]
	st.Narrative = outcome.Narrative
	st.World = cloneWorld(outcome.World)
	rc := outcome.Context
	st.LastContext = &rc
	st.UpdatedAt = s.now()

	for _, u := range outcome.Updates {
		p, ok := s.players[u.PlayerID]
		if !ok || p.LobbyID != l.ID {
			continue
		}
		p.Sheet = p.Sheet.Apply(u)
	}
	for _, id := range s.members[l.ID] {
		s.players[id].TurnEnded = false
	}
	l.CurrentRound++
	l.ProcessingToken = nil
	l.ClaimedAt = nil
	return l.CurrentRound, nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, lobbyID, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return models.ErrLobbyNotFound
	}
	if l.ProcessingToken != nil && *l.ProcessingToken == token {
		l.ProcessingToken = nil
		l.ClaimedAt = nil
	}
	return nil
}

// DeleteLobby removes a lobby and everything it owns.
func (s *MemoryStore) DeleteLobby(lobbyID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[lobbyID]
	if !ok {
		return
	}
	for _, id := range s.members[lobbyID] {
		delete(s.players, id)
	}
	delete(s.codes, l.Code)
	delete(s.lobbies, lobbyID)
	delete(s.states, lobbyID)
	delete(s.members, lobbyID)
	delete(s.actions, lobbyID)
}

func (s *MemoryStore) playerLocked(lobbyID, playerID uuid.UUID) (*models.Player, error) {
	if _, ok := s.lobbies[lobbyID]; !ok {
		return nil, models.ErrLobbyNotFound
	}
	p, ok := s.players[playerID]
	if !ok || p.LobbyID != lobbyID {
		return nil, models.ErrPlayerNotFound
	}
	return p, nil
}

func (s *MemoryStore) tallyLocked(l *models.Lobby) TurnTally {
	t := TurnTally{Status: l.Status, Round: l.CurrentRound, ClaimedAt: l.ClaimedAt}
	for _, id := range s.members[l.ID] {
		t.Total++
		if s.players[id].TurnEnded {
			t.Ended++
		}
	}
	return t
}

func (s *MemoryStore) claimLocked(l *models.Lobby, token uuid.UUID) *models.RoundClaim {
	now := s.now()
	tok := token
	l.ProcessingToken = &tok
	l.ClaimedAt = &now

	st := s.states[l.ID]
	rc := models.RoundContext{
		LobbyID:    l.ID,
		Round:      l.CurrentRound,
		Narrative:  st.Narrative,
		World:      cloneWorld(st.World),
		Actions:    []models.RoundAction{},
		Characters: []models.RoundCharacter{},
	}
	classOf := make(map[uuid.UUID]string)
	for _, id := range s.members[l.ID] {
		p := s.players[id]
		classOf[id] = p.ClassName()
		rc.Characters = append(rc.Characters, models.RoundCharacter{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			ClassName:  p.ClassName(),
			Sheet:      p.Sheet.Clone(),
		})
	}
	for _, a := range s.roundActionsLocked(l.ID, l.CurrentRound) {
		rc.Actions = append(rc.Actions, models.RoundAction{
			PlayerID:    a.PlayerID,
			PlayerName:  a.PlayerName,
			ClassName:   classOf[a.PlayerID],
			Text:        a.Text,
			SubmittedAt: a.SubmittedAt,
		})
	}
	return &models.RoundClaim{
		LobbyID:   l.ID,
		Token:     token,
		Round:     l.CurrentRound,
		ClaimedAt: now,
		Context:   rc,
	}
}

// roundActionsLocked returns a round's actions by submission time; ties keep insertion order.
func (s *MemoryStore) roundActionsLocked(lobbyID uuid.UUID, round int) []models.TurnAction {
	out := []models.TurnAction{}
	for _, a := range s.actions[lobbyID] {
		if a.Round == round {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func cloneWorld(w models.WorldState) models.WorldState {
	w.ActiveThreats = append([]string{}, w.ActiveThreats...)
	w.AvailableInteractions = append([]string{}, w.AvailableInteractions...)
	if w.Extra != nil {
		extra := make(map[string]json.RawMessage, len(w.Extra))
		for k, v := range w.Extra {
			extra[k] = append(json.RawMessage(nil), v...)
		}
		w.Extra = extra
	}
	return w
}

// internal/database/postgres.go
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/yamato/internal/models"
)

// ErrDuplicateCode is returned by CreateLobby when the join code is already in use.
var ErrDuplicateCode = errors.New("lobby code already in use")

const uniqueViolation = "23505"

// PgStore is the Postgres-backed Store. Every multi-row write runs in one transaction with
// the lobby row locked FOR UPDATE, which serializes round transitions per lobby only.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an open pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const lobbyColumns = `id, lobby_code, name, max_players, current_players, status, current_round,
	processing_token, claimed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLobby(row rowScanner) (*models.Lobby, error) {
	var l models.Lobby
	var status string
	err := row.Scan(&l.ID, &l.Code, &l.Name, &l.MaxPlayers, &l.PlayerCount, &status, &l.CurrentRound,
		&l.ProcessingToken, &l.ClaimedAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = models.LobbyStatus(status)
	return &l, nil
}

func (s *PgStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lobbies WHERE lobby_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check lobby code: %w", err)
	}
	return exists, nil
}

func (s *PgStore) CreateLobby(ctx context.Context, lobby *models.Lobby, state *models.GameState) error {
	world, err := json.Marshal(state.World.Normalize())
	if err != nil {
		return fmt.Errorf("marshal world state: %w", err)
	}
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO lobbies (id, lobby_code, name, max_players, status, current_round)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at`,
			lobby.ID, lobby.Code, lobby.Name, lobby.MaxPlayers, string(lobby.Status), lobby.CurrentRound,
		).Scan(&lobby.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO game_states (lobby_id, current_narrative, world_state)
			VALUES ($1, $2, $3)`, lobby.ID, state.Narrative, world)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateCode
	}
	if err != nil {
		return fmt.Errorf("insert lobby: %w", err)
	}
	return nil
}

func (s *PgStore) GetLobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	return scanLobby(s.pool.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`, lobbyID))
}

func (s *PgStore) GetLobbyByCode(ctx context.Context, code string) (*models.Lobby, error) {
	return scanLobby(s.pool.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE lobby_code = $1`, code))
}

func (s *PgStore) GetGameState(ctx context.Context, lobbyID uuid.UUID) (*models.GameState, error) {
	var st models.GameState
	var world, audit []byte
	err := s.pool.QueryRow(ctx, `
		SELECT lobby_id, current_narrative, world_state, llm_context, updated_at
		FROM game_states WHERE lobby_id = $1`, lobbyID,
	).Scan(&st.LobbyID, &st.Narrative, &world, &audit, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrLobbyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	if err := json.Unmarshal(world, &st.World); err != nil {
		return nil, fmt.Errorf("decode world state: %w", err)
	}
	if len(audit) > 0 {
		st.LastContext = &models.RoundContext{}
		if err := json.Unmarshal(audit, st.LastContext); err != nil {
			return nil, fmt.Errorf("decode llm context: %w", err)
		}
	}
	return &st, nil
}

func (s *PgStore) StartLobby(ctx context.Context, lobbyID uuid.UUID) (*models.Lobby, error) {
	var out *models.Lobby
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		l, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if l.Status != models.LobbyWaiting {
			return models.ErrGameAlreadyStarted
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM players WHERE lobby_id = $1`, lobbyID).Scan(&n); err != nil {
			return err
		}
		if n < 2 {
			return models.ErrNotEnoughPlayers
		}
		out, err = scanLobby(tx.QueryRow(ctx, `
			UPDATE lobbies SET status = 'active', current_round = 1
			WHERE id = $1 RETURNING `+lobbyColumns, lobbyID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) AddPlayer(ctx context.Context, player *models.Player) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		l, err := lockLobby(ctx, tx, player.LobbyID)
		if err != nil {
			return err
		}
		if l.Status == models.LobbyFinished {
			return models.ErrGameNotActive
		}
		if l.IsFull() {
			return models.ErrLobbyFull
		}
		var taken bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM players WHERE lobby_id = $1 AND player_name = $2)`,
			player.LobbyID, player.Name).Scan(&taken)
		if err != nil {
			return err
		}
		if taken {
			return models.ErrNameTaken
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO players (id, lobby_id, player_name, character_class_id)
			VALUES ($1, $2, $3, $4) RETURNING joined_at`,
			player.ID, player.LobbyID, player.Name, player.ClassID,
		).Scan(&player.JoinedAt)
		if err != nil {
			return err
		}
		sh := player.Sheet
		_, err = tx.Exec(ctx, `
			INSERT INTO character_sheets (player_id, health, max_health, chakra, max_chakra, karma, inventory, status_effects)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			player.ID, sh.Health, sh.MaxHealth, sh.Chakra, sh.MaxChakra, sh.Karma, nonNil(sh.Inventory), nonNil(sh.StatusEffects))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE lobbies SET current_players = current_players + 1 WHERE id = $1`, player.LobbyID)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return models.ErrNameTaken
	}
	return err
}

const playerSelect = `
	SELECT p.id, p.lobby_id, p.player_name, p.character_class_id, p.turn_ended, COALESCE(p.connection_id, ''), p.joined_at,
	       cs.health, cs.max_health, cs.chakra, cs.max_chakra, cs.karma, cs.inventory, cs.status_effects
	FROM players p
	JOIN character_sheets cs ON cs.player_id = p.id`

func scanPlayer(row rowScanner) (models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.LobbyID, &p.Name, &p.ClassID, &p.TurnEnded, &p.Connection, &p.JoinedAt,
		&p.Sheet.Health, &p.Sheet.MaxHealth, &p.Sheet.Chakra, &p.Sheet.MaxChakra, &p.Sheet.Karma,
		&p.Sheet.Inventory, &p.Sheet.StatusEffects)
	p.Sheet.Inventory = nonNil(p.Sheet.Inventory)
	p.Sheet.StatusEffects = nonNil(p.Sheet.StatusEffects)
	return p, err
}

func (s *PgStore) GetPlayer(ctx context.Context, lobbyID, playerID uuid.UUID) (*models.Player, error) {
	if _, err := s.GetLobby(ctx, lobbyID); err != nil {
		return nil, err
	}
	p, err := scanPlayer(s.pool.QueryRow(ctx, playerSelect+` WHERE p.id = $1 AND p.lobby_id = $2`, playerID, lobbyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get player: %w", err)
	}
	return &p, nil
}

func (s *PgStore) ListPlayers(ctx context.Context, lobbyID uuid.UUID) ([]models.Player, error) {
	if _, err := s.GetLobby(ctx, lobbyID); err != nil {
		return nil, err
	}
	return listPlayers(ctx, s.pool, lobbyID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listPlayers(ctx context.Context, q querier, lobbyID uuid.UUID) ([]models.Player, error) {
	rows, err := q.Query(ctx, playerSelect+` WHERE p.lobby_id = $1 ORDER BY p.joined_at, p.id`, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	out := []models.Player{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PgStore) SetConnection(ctx context.Context, lobbyID, playerID uuid.UUID, handle string) error {
	var conn *string
	if handle != "" {
		conn = &handle
	}
	tag, err := s.pool.Exec(ctx, `UPDATE players SET connection_id = $3 WHERE id = $1 AND lobby_id = $2`, playerID, lobbyID, conn)
	if err != nil {
		return fmt.Errorf("set connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrPlayerNotFound
	}
	return nil
}

func (s *PgStore) AppendAction(ctx context.Context, lobbyID, playerID uuid.UUID, text string) (*models.TurnAction, error) {
	a := models.TurnAction{ID: uuid.New(), LobbyID: lobbyID, PlayerID: playerID, Text: text}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// FOR SHARE waits out an in-flight commit, so the round tag is never torn.
		err := tx.QueryRow(ctx, `SELECT current_round FROM lobbies WHERE id = $1 FOR SHARE`, lobbyID).Scan(&a.Round)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrLobbyNotFound
		}
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `SELECT player_name FROM players WHERE id = $1 AND lobby_id = $2`, playerID, lobbyID).Scan(&a.PlayerName)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrPlayerNotFound
		}
		if err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO turn_actions (id, lobby_id, player_id, round_number, action_text)
			VALUES ($1, $2, $3, $4, $5) RETURNING submitted_at`,
			a.ID, lobbyID, playerID, a.Round, text,
		).Scan(&a.SubmittedAt)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PgStore) ListActions(ctx context.Context, lobbyID uuid.UUID, round int) ([]models.TurnAction, error) {
	if _, err := s.GetLobby(ctx, lobbyID); err != nil {
		return nil, err
	}
	return listActions(ctx, s.pool, lobbyID, round)
}

func listActions(ctx context.Context, q querier, lobbyID uuid.UUID, round int) ([]models.TurnAction, error) {
	rows, err := q.Query(ctx, `
		SELECT ta.id, ta.lobby_id, ta.player_id, p.player_name, ta.round_number, ta.action_text, ta.submitted_at
		FROM turn_actions ta
		JOIN players p ON p.id = ta.player_id
		WHERE ta.lobby_id = $1 AND ta.round_number = $2
		ORDER BY ta.submitted_at, ta.seq`, lobbyID, round)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	out := []models.TurnAction{}
	for rows.Next() {
		var a models.TurnAction
		if err := rows.Scan(&a.ID, &a.LobbyID, &a.PlayerID, &a.PlayerName, &a.Round, &a.Text, &a.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) EndTurn(ctx context.Context, lobbyID, playerID, token uuid.UUID, decide DecideFunc) (TurnTally, *models.RoundClaim, error) {
	var tally TurnTally
	var claim *models.RoundClaim
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		l, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		var ended bool
		err = tx.QueryRow(ctx, `SELECT turn_ended FROM players WHERE id = $1 AND lobby_id = $2`, playerID, lobbyID).Scan(&ended)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrPlayerNotFound
		}
		if err != nil {
			return err
		}

		tally, err = tallyTx(ctx, tx, l)
		if err != nil {
			return err
		}
		if !ended {
			tally.Changed = true
			tally.Ended++
		}

		decision := decide(tally)
		if decision == DecisionSkip {
			return nil
		}
		if tally.Changed {
			if _, err := tx.Exec(ctx, `UPDATE players SET turn_ended = TRUE WHERE id = $1`, playerID); err != nil {
				return err
			}
		}
		if decision == DecisionClaim {
			claim, err = claimTx(ctx, tx, l, token)
		}
		return err
	})
	if err != nil {
		return TurnTally{}, nil, err
	}
	return tally, claim, nil
}

func (s *PgStore) ClaimRound(ctx context.Context, lobbyID, token uuid.UUID, decide DecideFunc) (*models.RoundClaim, error) {
	var claim *models.RoundClaim
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		l, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		tally, err := tallyTx(ctx, tx, l)
		if err != nil {
			return err
		}
		if decide(tally) != DecisionClaim {
			return nil
		}
		claim, err = claimTx(ctx, tx, l, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *PgStore) ListReadyLobbies(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id
		FROM lobbies l
		JOIN players p ON p.lobby_id = l.id
		WHERE l.status = 'active'
		GROUP BY l.id
		HAVING COUNT(*) > 0 AND BOOL_AND(p.turn_ended)`)
	if err != nil {
		return nil, fmt.Errorf("list ready lobbies: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PgStore) CommitRound(ctx context.Context, claim *models.RoundClaim, outcome models.RoundOutcome) (int, error) {
	world, err := json.Marshal(outcome.World.Normalize())
	if err != nil {
		return 0, fmt.Errorf("marshal world state: %w", err)
	}
	audit, err := json.Marshal(outcome.Context)
	if err != nil {
		return 0, fmt.Errorf("marshal llm context: %w", err)
	}

	var round int
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		l, err := lockLobby(ctx, tx, claim.LobbyID)
		if err != nil {
			return err
		}
		if l.Status != models.LobbyActive || l.CurrentRound != claim.Round || l.ProcessingToken == nil || *l.ProcessingToken != claim.Token {
			return models.ErrRoundClaimLost
		}

		_, err = tx.Exec(ctx, `
			UPDATE game_states
			SET current_narrative = $2, world_state = $3, llm_context = $4, updated_at = NOW()
			WHERE lobby_id = $1`, l.ID, outcome.Narrative, world, audit)
		if err != nil {
			return fmt.Errorf("update game state: %w", err)
		}

		for _, u := range outcome.Updates {
			_, err = tx.Exec(ctx, `
				UPDATE character_sheets cs
				SET health = LEAST(GREATEST($2, 0), cs.max_health),
				    chakra = LEAST(GREATEST($3, 0), cs.max_chakra),
				    karma = $4, inventory = $5, status_effects = $6
				FROM players p
				WHERE cs.player_id = $1 AND p.id = cs.player_id AND p.lobby_id = $7`,
				u.PlayerID, u.Health, u.Chakra, u.Karma, nonNil(u.Inventory), nonNil(u.StatusEffects), l.ID)
			if err != nil {
				return fmt.Errorf("update sheet %s: %w", u.PlayerID, err)
			}
		}

		if _, err = tx.Exec(ctx, `UPDATE players SET turn_ended = FALSE WHERE lobby_id = $1`, l.ID); err != nil {
			return fmt.Errorf("reset turns: %w", err)
		}
		return tx.QueryRow(ctx, `
			UPDATE lobbies
			SET current_round = current_round + 1, processing_token = NULL, claimed_at = NULL
			WHERE id = $1 RETURNING current_round`, l.ID).Scan(&round)
	})
	if err != nil {
		return 0, err
	}
	return round, nil
}

func (s *PgStore) ReleaseClaim(ctx context.Context, lobbyID, token uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lobbies SET processing_token = NULL, claimed_at = NULL
		WHERE id = $1 AND processing_token = $2`, lobbyID, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func lockLobby(ctx context.Context, tx pgx.Tx, lobbyID uuid.UUID) (*models.Lobby, error) {
	return scanLobby(tx.QueryRow(ctx, `SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1 FOR UPDATE`, lobbyID))
}

func tallyTx(ctx context.Context, tx pgx.Tx, l *models.Lobby) (TurnTally, error) {
	t := TurnTally{Status: l.Status, Round: l.CurrentRound, ClaimedAt: l.ClaimedAt}
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE turn_ended)
		FROM players WHERE lobby_id = $1`, l.ID).Scan(&t.Total, &t.Ended)
	return t, err
}

// claimTx stamps the processing token and snapshots the round context in the same transaction,
// so players joining afterwards are not part of this round.
func claimTx(ctx context.Context, tx pgx.Tx, l *models.Lobby, token uuid.UUID) (*models.RoundClaim, error) {
	claim := &models.RoundClaim{LobbyID: l.ID, Token: token, Round: l.CurrentRound}
	err := tx.QueryRow(ctx, `
		UPDATE lobbies SET processing_token = $2, claimed_at = NOW()
		WHERE id = $1 RETURNING claimed_at`, l.ID, token).Scan(&claim.ClaimedAt)
	if err != nil {
		return nil, fmt.Errorf("claim round: %w", err)
	}

	rc := models.RoundContext{LobbyID: l.ID, Round: l.CurrentRound}
	var world []byte
	err = tx.QueryRow(ctx, `SELECT current_narrative, world_state FROM game_states WHERE lobby_id = $1`, l.ID).Scan(&rc.Narrative, &world)
	if err != nil {
		return nil, fmt.Errorf("snapshot game state: %w", err)
	}
	if err := json.Unmarshal(world, &rc.World); err != nil {
		return nil, fmt.Errorf("decode world state: %w", err)
	}

	players, err := listPlayers(ctx, tx, l.ID)
	if err != nil {
		return nil, err
	}
	classOf := make(map[uuid.UUID]string, len(players))
	rc.Characters = make([]models.RoundCharacter, 0, len(players))
	for _, p := range players {
		classOf[p.ID] = p.ClassName()
		rc.Characters = append(rc.Characters, models.RoundCharacter{
			PlayerID: p.ID, PlayerName: p.Name, ClassName: p.ClassName(), Sheet: p.Sheet,
		})
	}

	actions, err := listActions(ctx, tx, l.ID, l.CurrentRound)
	if err != nil {
		return nil, err
	}
	rc.Actions = make([]models.RoundAction, 0, len(actions))
	for _, a := range actions {
		rc.Actions = append(rc.Actions, models.RoundAction{
			PlayerID: a.PlayerID, PlayerName: a.PlayerName, ClassName: classOf[a.PlayerID],
			Text: a.Text, SubmittedAt: a.SubmittedAt,
		})
	}
	claim.Context = rc
	return claim, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

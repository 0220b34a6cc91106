package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/yamato/internal/cache"
)

// PgArchive writes round records into round_history.
type PgArchive struct {
	pool *pgxpool.Pool
}

func NewPgArchive(pool *pgxpool.Pool) *PgArchive {
	return &PgArchive{pool: pool}
}

// ArchiveRounds inserts a batch in one transaction. Records already archived are skipped, so a
// retried batch is harmless.
func (a *PgArchive) ArchiveRounds(ctx context.Context, recs []cache.RoundRecord) error {
	return pgx.BeginTxFunc(ctx, a.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range recs {
			if err := insertRoundTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertRoundTx: %w", err)
			}
		}
		return nil
	})
}

func insertRoundTx(ctx context.Context, tx pgx.Tx, rec cache.RoundRecord) error {
	rc, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	updates, err := json.Marshal(rec.Updates)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO round_history (lobby_id, round_number, outcome, narrative, context, updates, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (lobby_id, round_number) DO NOTHING
	`, rec.LobbyID, rec.Round, rec.Outcome, rec.Narrative, rc, updates, time.UnixMilli(rec.ProcessedAt))
	return err
}

func (a *PgArchive) FinishLobby(ctx context.Context, lobbyID uuid.UUID) error {
	_, err := a.pool.Exec(ctx, `
		UPDATE lobbies
		SET status = 'finished'
		WHERE id = $1 AND status = 'active' AND processing_token IS NULL
	`, lobbyID)
	return err
}

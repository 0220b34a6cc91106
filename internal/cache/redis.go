// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list (queue) name for round history records.
const DefaultQueueName = "yamato_rounds"

// RoundRecord holds what the historian archives about one committed round.
type RoundRecord struct {
	LobbyID     uuid.UUID                `json:"lobby_id"`
	Round       int                      `json:"round_number"`
	Outcome     string                   `json:"outcome"`
	Narrative   string                   `json:"narrative"`
	Context     models.RoundContext      `json:"context"`
	Updates     []models.CharacterUpdate `json:"updates"`
	ProcessedAt int64                    `json:"processed_at"`
}

// ConnectRedis opens a client for addr/db and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// HistoryPublisher pushes round records onto the historian's queue.
type HistoryPublisher struct {
	rdb   *redis.Client
	queue string
}

func NewHistoryPublisher(rdb *redis.Client, queue string) *HistoryPublisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &HistoryPublisher{rdb: rdb, queue: queue}
}

// PublishRound serializes rec and RPushes it. It costs one network round trip.
func (p *HistoryPublisher) PublishRound(ctx context.Context, rec RoundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal RoundRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

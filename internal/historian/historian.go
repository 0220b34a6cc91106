// internal/historian/historian.go pops round records from a Redis queue and archives them in batches.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	popTimeout    = 3 * time.Second
	sweepInterval = time.Minute
)

// Archive is where batches end up.
type Archive interface {
	ArchiveRounds(ctx context.Context, recs []cache.RoundRecord) error
	// FinishLobby marks an active lobby finished. Lobbies in any other state are left alone.
	FinishLobby(ctx context.Context, lobbyID uuid.UUID) error
}

// Config tunes the service. Zero values pick the defaults.
type Config struct {
	Queue         string
	BatchSize     int
	FlushInterval time.Duration
	// Inactivity is how long after its last round a lobby is marked finished. Zero disables it.
	Inactivity time.Duration
}

// Service captures committed rounds and retires lobbies that have gone quiet.
type Service struct {
	rdb     *redis.Client
	archive Archive
	logger  *logrus.Logger
	cfg     Config

	batchMu sync.Mutex
	batch   []cache.RoundRecord

	lastActivity sync.Map // map[uuid.UUID]time.Time
	now          func() time.Time
}

func NewService(rdb *redis.Client, archive Archive, logger *logrus.Logger, cfg Config) *Service {
	if cfg.Queue == "" {
		cfg.Queue = cache.DefaultQueueName
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	return &Service{
		rdb:     rdb,
		archive: archive,
		logger:  logger,
		cfg:     cfg,
		batch:   make([]cache.RoundRecord, 0, cfg.BatchSize),
		now:     time.Now,
	}
}

// Run blocks until ctx is done, then flushes whatever is still buffered.
func (s *Service) Run(ctx context.Context) {
	s.logger.WithField("queue", s.cfg.Queue).Info("historian started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.flushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.inactivityLoop(ctx)
	}()

	s.readLoop(ctx)
	wg.Wait()

	if err := s.Flush(context.WithoutCancel(ctx)); err != nil {
		s.logger.WithError(err).Error("final flush failed")
	}
	s.logger.Info("historian stopped")
}

// readLoop uses BLPop with a short timeout so cancellation is noticed.
func (s *Service) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := s.rdb.BLPop(ctx, popTimeout, s.cfg.Queue).Result()
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			continue
		}
		if err != nil {
			s.logger.WithError(err).Error("BLPop failed")
			time.Sleep(time.Second)
			continue
		}
		// res[0] is the queue name and res[1] the payload.
		if len(res) < 2 {
			continue
		}
		s.handle(ctx, res[1])
	}
}

func (s *Service) handle(ctx context.Context, payload string) {
	var rec cache.RoundRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		s.logger.WithError(err).Warn("invalid round record")
		return
	}
	s.lastActivity.Store(rec.LobbyID, s.now())

	s.batchMu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.WithError(err).Error("flush failed")
		}
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WithError(err).Error("flush failed")
			}
		}
	}
}

// Flush archives the buffered batch. A failed batch is put back in front of anything
// buffered since, so the next flush retries it.
func (s *Service) Flush(ctx context.Context) error {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return nil
	}
	pending := s.batch
	s.batch = make([]cache.RoundRecord, 0, s.cfg.BatchSize)
	s.batchMu.Unlock()

	if err := s.archive.ArchiveRounds(ctx, pending); err != nil {
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return err
	}
	s.logger.WithField("count", len(pending)).Debug("flushed round records")
	return nil
}

// Pending returns how many records are buffered.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

func (s *Service) inactivityLoop(ctx context.Context) {
	if s.cfg.Inactivity <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepInactive(ctx)
		}
	}
}

// sweepInactive finishes every tracked lobby whose last round is older than the threshold.
func (s *Service) sweepInactive(ctx context.Context) {
	now := s.now()
	s.lastActivity.Range(func(key, val any) bool {
		lobbyID, ok1 := key.(uuid.UUID)
		last, ok2 := val.(time.Time)
		if !ok1 || !ok2 || now.Sub(last) <= s.cfg.Inactivity {
			return true
		}
		if err := s.archive.FinishLobby(ctx, lobbyID); err != nil {
			s.logger.WithError(err).WithField("lobby_id", lobbyID).Error("failed to finish inactive lobby")
			return true
		}
		s.lastActivity.Delete(lobbyID)
		s.logger.WithField("lobby_id", lobbyID).Info("marked lobby finished due to inactivity")
		return true
	})
}

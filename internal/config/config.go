// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// Config is the server's environment configuration.
type Config struct {
	Port           string   `envconfig:"PORT" default:"3000"`
	Env            string   `envconfig:"YAMATO_ENV" default:"development"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// Store selects the persistence backend: "postgres" or "memory".
	Store       string `envconfig:"STORE" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"postgres://localhost:5432/yamato?sslmode=disable"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNECTIONS" default:"10"`

	// RedisAddr empty disables cross-instance fan-out and round history.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	EventsChannel string `envconfig:"EVENTS_CHANNEL" default:"yamato_events"`
	HistoryQueue  string `envconfig:"HISTORY_QUEUE" default:"yamato_rounds"`

	NarratorBaseURL     string        `envconfig:"NARRATOR_BASE_URL" default:"https://api.cerebras.ai/v1"`
	NarratorAPIKey      string        `envconfig:"NARRATOR_API_KEY"`
	NarratorModel       string        `envconfig:"NARRATOR_MODEL" default:"llama3.1-70b"`
	NarratorTemperature float32       `envconfig:"NARRATOR_TEMPERATURE" default:"0.8"`
	NarratorMaxTokens   int           `envconfig:"NARRATOR_MAX_TOKENS" default:"1500"`
	NarratorTimeout     time.Duration `envconfig:"NARRATOR_TIMEOUT" default:"30s"`

	RoundStaleAfter   time.Duration `envconfig:"ROUND_STALE_AFTER" default:"90s"`
	RecoveryInterval  time.Duration `envconfig:"RECOVERY_INTERVAL" default:"30s"`
	DefaultMaxPlayers int           `envconfig:"DEFAULT_MAX_PLAYERS" default:"6"`

	HistorianBatchSize     int           `envconfig:"HISTORIAN_BATCH_SIZE" default:"20"`
	HistorianFlushInterval time.Duration `envconfig:"HISTORIAN_FLUSH_INTERVAL" default:"500ms"`
	// LobbyInactivity is how long the historian waits after a lobby's last round before marking it finished.
	LobbyInactivity time.Duration `envconfig:"LOBBY_INACTIVITY_TIMEOUT" default:"2h"`
}

// Load reads the environment (and .env, if present).
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE %q: want postgres or memory", c.Store)
	}
	if c.DefaultMaxPlayers < 2 || c.DefaultMaxPlayers > 12 {
		return fmt.Errorf("invalid DEFAULT_MAX_PLAYERS %d: want 2..12", c.DefaultMaxPlayers)
	}
	if c.HistorianBatchSize <= 0 {
		return fmt.Errorf("invalid HISTORIAN_BATCH_SIZE %d", c.HistorianBatchSize)
	}
	return nil
}

// IsProduction reports whether YAMATO_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.IsProduction() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logger.Warnf("unknown LOG_LEVEL %q, using info", c.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

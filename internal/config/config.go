// Package config loads process configuration from the environment, with an
// optional .env file underneath.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN" validate:"required"`
	// OwnerID is the bot owner's user ID; owner DM commands are disabled without it.
	OwnerID string `env:"OWNER_ID"`

	Lavalink Lavalink `envPrefix:"LAVALINK_"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite json"`
	StoragePath   string `env:"STORAGE_PATH" envDefault:"icebeat.db" validate:"required"`

	CacheEntries       int           `env:"CACHE_ENTRIES" envDefault:"1024" validate:"min=1"`
	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"10m" validate:"gt=0"`
	CacheSweepInterval time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"1m" validate:"gt=0"`

	MaxQueueSize    int           `env:"MAX_QUEUE_SIZE" envDefault:"100" validate:"min=0"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"2" validate:"min=1"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"2s" validate:"gt=0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error disabled"`
	LogFile  string `env:"LOG_FILE"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
}

type Lavalink struct {
	Name          string        `env:"NAME" envDefault:"main"`
	Host          string        `env:"HOST" envDefault:"localhost" validate:"required"`
	Port          int           `env:"PORT" envDefault:"2333" validate:"min=1,max=65535"`
	Password      string        `env:"PASSWORD" envDefault:"youshallnotpass"`
	Secure        bool          `env:"SECURE" envDefault:"false"`
	ResumeTimeout time.Duration `env:"RESUME_TIMEOUT" envDefault:"60s" validate:"min=0"`
}

var validate = validator.New()

// Load reads the given .env files (".env" when none are named), then the
// environment, which wins over file values. Missing files are skipped.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Package config loads the worker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"

	"github.com/cloudx-io/tenderauction/auction"
)

const (
	StoreFile  = "file"
	StoreBolt  = "bolt"
	StoreRedis = "redis"
)

type Config struct {
	RegistryURL string `env:"AUCTION_REGISTRY_URL" envDefault:"http://localhost:6543/api/2.5"`

	Store         string `env:"AUCTION_STORE"          envDefault:"file"`
	StorePath     string `env:"AUCTION_STORE_PATH"     envDefault:"auctions"`
	RedisAddr     string `env:"AUCTION_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"AUCTION_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUCTION_REDIS_DB"       envDefault:"0"`

	// Empty disables broadcasting.
	NatsURL    string `env:"AUCTION_NATS_URL"`
	ListenAddr string `env:"AUCTION_LISTEN_ADDR" envDefault:":8090"`
	Timezone   string `env:"AUCTION_TIMEZONE"    envDefault:"Europe/Kiev"`

	Rounds     int           `env:"AUCTION_ROUNDS"      envDefault:"3"`
	FirstPause time.Duration `env:"AUCTION_FIRST_PAUSE" envDefault:"300s"`
	Pause      time.Duration `env:"AUCTION_PAUSE"       envDefault:"120s"`
	BidStage   time.Duration `env:"AUCTION_BID_STAGE"   envDefault:"120s"`
	StartDelay time.Duration `env:"AUCTION_START_DELAY" envDefault:"20s"`
	EndDelay   time.Duration `env:"AUCTION_END_DELAY"   envDefault:"5s"`

	HTTPTimeout         time.Duration `env:"AUCTION_HTTP_TIMEOUT"          envDefault:"10s"`
	ReportMaxTries      uint          `env:"AUCTION_REPORT_MAX_TRIES"      envDefault:"5"`
	ReportRetryInterval time.Duration `env:"AUCTION_REPORT_RETRY_INTERVAL" envDefault:"500ms"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.RegistryURL == "" {
		errs = append(errs, errors.New("AUCTION_REGISTRY_URL is required"))
	}
	switch c.Store {
	case StoreFile, StoreBolt:
		if c.StorePath == "" {
			errs = append(errs, fmt.Errorf("AUCTION_STORE_PATH is required for the %s store", c.Store))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("AUCTION_REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store))
	}
	if c.Rounds < 1 {
		errs = append(errs, fmt.Errorf("AUCTION_ROUNDS must be positive, got %d", c.Rounds))
	}
	for name, d := range map[string]time.Duration{
		"AUCTION_FIRST_PAUSE":  c.FirstPause,
		"AUCTION_PAUSE":        c.Pause,
		"AUCTION_BID_STAGE":    c.BidStage,
		"AUCTION_HTTP_TIMEOUT": c.HTTPTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.StartDelay < 0 || c.EndDelay < 0 {
		errs = append(errs, errors.New("AUCTION_START_DELAY and AUCTION_END_DELAY must not be negative"))
	}
	if c.ReportMaxTries < 1 {
		errs = append(errs, errors.New("AUCTION_REPORT_MAX_TRIES must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("AUCTION_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the time zone stage times are reported in.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c Config) EngineOptions() auction.Options {
	return auction.Options{
		Rounds:     c.Rounds,
		FirstPause: c.FirstPause,
		Pause:      c.Pause,
		BidStage:   c.BidStage,
		StartDelay: c.StartDelay,
		EndDelay:   c.EndDelay,
	}
}

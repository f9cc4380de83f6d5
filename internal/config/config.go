// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the riskd process configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	RulesFile   string
	LogLevel    slog.Level
	InstanceID  string

	SweepInterval      time.Duration
	LockTTL            time.Duration
	LockRenewInterval  time.Duration
	ResetCheckInterval time.Duration
	InactivityInterval time.Duration
	PriceCacheTTL      time.Duration
	OracleTimeout      time.Duration
}

// Load reads .env files (missing files are ignored) and then the
// environment. Variables already set in the environment win over .env.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Port:        p.str("PORT", "8080"),
		DatabaseURL: p.str("DATABASE_URL", ""),
		RedisURL:    p.str("REDIS_URL", ""),
		NATSURL:     p.str("NATS_URL", ""),
		RulesFile:   p.str("RULES_FILE", ""),
		LogLevel:    p.level("LOG_LEVEL", slog.LevelInfo),
		InstanceID:  p.str("INSTANCE_ID", defaultInstanceID()),

		SweepInterval:      p.duration("SWEEP_INTERVAL", 30*time.Second),
		LockTTL:            p.duration("LOCK_TTL", 30*time.Second),
		LockRenewInterval:  p.duration("LOCK_RENEW_INTERVAL", 10*time.Second),
		ResetCheckInterval: p.duration("RESET_CHECK_INTERVAL", time.Minute),
		InactivityInterval: p.duration("INACTIVITY_INTERVAL", time.Hour),
		PriceCacheTTL:      p.duration("PRICE_CACHE_TTL", 5*time.Second),
		OracleTimeout:      p.duration("ORACLE_TIMEOUT", 2*time.Second),
	}
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate fails closed on settings that would break leader election or
// the job loops.
func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"SWEEP_INTERVAL":       c.SweepInterval,
		"LOCK_TTL":             c.LockTTL,
		"LOCK_RENEW_INTERVAL":  c.LockRenewInterval,
		"RESET_CHECK_INTERVAL": c.ResetCheckInterval,
		"INACTIVITY_INTERVAL":  c.InactivityInterval,
		"PRICE_CACHE_TTL":      c.PriceCacheTTL,
		"ORACLE_TIMEOUT":       c.OracleTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive", ErrInvalid, name))
		}
	}
	if c.LockRenewInterval >= c.LockTTL {
		errs = append(errs, fmt.Errorf("%w: LOCK_RENEW_INTERVAL (%s) must be shorter than LOCK_TTL (%s)",
			ErrInvalid, c.LockRenewInterval, c.LockTTL))
	}
	if c.Port == "" {
		errs = append(errs, fmt.Errorf("%w: PORT is empty", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Logger returns the JSON process logger at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err))
		return def
	}
	return d
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v))
		return def
	}
	return l
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "riskd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the engine service.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the read-through cache
	CacheTTL    time.Duration

	KafkaBrokers []string // empty disables the Kafka event stream
	KafkaTopic   string

	JWTSecret string // empty trusts the X-User-ID header

	ImpactPricer          string
	MaxMatchIterations    int
	BookDepth             int
	MaxPositionPerOutcome decimal.Decimal
	MaxPositionPerMarket  decimal.Decimal

	LogLevel        slog.Level
	ShutdownTimeout time.Duration
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	c := &Config{
		Port:         or(getenv("PORT"), "8080"),
		DatabaseURL:  getenv("DATABASE_URL"),
		RedisURL:     getenv("REDIS_URL"),
		KafkaTopic:   or(getenv("KAFKA_TOPIC"), "orderbook.events"),
		JWTSecret:    getenv("JWT_SECRET"),
		ImpactPricer: strings.ToLower(or(getenv("IMPACT_PRICER"), "off")),
	}

	for _, b := range strings.Split(getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			c.KafkaBrokers = append(c.KafkaBrokers, b)
		}
	}

	var err error
	if c.CacheTTL, err = duration(getenv, "CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.ShutdownTimeout, err = duration(getenv, "SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.MaxMatchIterations, err = positiveInt(getenv, "MAX_MATCH_ITERATIONS", 500); err != nil {
		return nil, err
	}
	if c.BookDepth, err = positiveInt(getenv, "BOOK_DEPTH", 10); err != nil {
		return nil, err
	}
	if c.MaxPositionPerOutcome, err = limit(getenv, "MAX_POSITION_PER_OUTCOME"); err != nil {
		return nil, err
	}
	if c.MaxPositionPerMarket, err = limit(getenv, "MAX_POSITION_PER_MARKET"); err != nil {
		return nil, err
	}
	if err := c.LogLevel.UnmarshalText([]byte(or(getenv("LOG_LEVEL"), "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	switch c.ImpactPricer {
	case "off", "linear", "lmsr":
	default:
		return nil, fmt.Errorf("config: IMPACT_PRICER must be off, linear or lmsr, got %q", c.ImpactPricer)
	}
	return c, nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func positiveInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", key, n)
	}
	return n, nil
}

func limit(getenv func(string) string, key string) (decimal.Decimal, error) {
	v := getenv(key)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("config: %s must not be negative, got %s", key, d)
	}
	return d, nil
}

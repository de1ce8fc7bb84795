package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	CatalogPath     string        // default: providers.yaml
	AttemptTimeout  time.Duration // default: 30s
	BreakerFailures uint32        // default: 3
	BreakerCooldown time.Duration // default: 30s

	// DefaultCompletionTokens is the completion allowance reserved for a
	// query without max_tokens. A plan whose token quota is below it plus
	// the prompt estimate admits no such query.
	DefaultCompletionTokens int // default: 1024
	MaxCompletionTokens     int // largest accepted max_tokens, default: 32768

	// Quota ledger
	LedgerBackend   string        // "redis" or "memory"
	ReservationTTL  time.Duration // default: 2m
	LedgerRetention time.Duration // default: 72h
	SweepInterval   time.Duration // default: 30s

	// Usage recorder
	RecorderWorkers   int  // default: 4
	RecorderQueueSize int  // default: 1024
	RecorderMaxTries  uint // default: 8

	// Caches
	PlanCacheTTL time.Duration // default: 5m
	AuthCacheTTL time.Duration // default: 5m

	// Observability
	LogLevel             string // "debug", "info", "warn", "error"
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	RunSeed bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the config from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CatalogPath:          getEnv("PROVIDER_CATALOG", "providers.yaml"),
		LedgerBackend:        getEnv("LEDGER_BACKEND", LedgerRedis),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	p := parser{}
	cfg.AttemptTimeout = p.getDuration("PROVIDER_ATTEMPT_TIMEOUT", 30*time.Second)
	cfg.BreakerFailures = uint32(p.getInt("BREAKER_FAILURES", 3))
	cfg.BreakerCooldown = p.getDuration("BREAKER_COOLDOWN", 30*time.Second)
	cfg.DefaultCompletionTokens = p.getInt("DEFAULT_COMPLETION_TOKENS", 1024)
	cfg.MaxCompletionTokens = p.getInt("MAX_COMPLETION_TOKENS", 32768)
	cfg.ReservationTTL = p.getDuration("RESERVATION_TTL", 2*time.Minute)
	cfg.LedgerRetention = p.getDuration("LEDGER_RETENTION", 72*time.Hour)
	cfg.SweepInterval = p.getDuration("LEDGER_SWEEP_INTERVAL", 30*time.Second)
	cfg.RecorderWorkers = p.getInt("RECORDER_WORKERS", 4)
	cfg.RecorderQueueSize = p.getInt("RECORDER_QUEUE_SIZE", 1024)
	cfg.RecorderMaxTries = uint(p.getInt("RECORDER_MAX_TRIES", 8))
	cfg.PlanCacheTTL = p.getDuration("PLAN_CACHE_TTL", 5*time.Minute)
	cfg.AuthCacheTTL = p.getDuration("AUTH_CACHE_TTL", 5*time.Minute)
	cfg.DefaultRateLimitTPM = int64(p.getInt("DEFAULT_RATE_LIMIT_TPM", 100000))
	cfg.RunSeed = p.getBool("RUN_SEED", false)
	if p.err != nil {
		return nil, p.err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	switch cfg.LedgerBackend {
	case LedgerRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required for the redis ledger")
		}
	case LedgerMemory:
	default:
		return nil, fmt.Errorf("invalid LEDGER_BACKEND %q (want redis or memory)", cfg.LedgerBackend)
	}
	if cfg.ReservationTTL <= cfg.AttemptTimeout {
		return nil, fmt.Errorf("RESERVATION_TTL (%s) must exceed PROVIDER_ATTEMPT_TIMEOUT (%s)", cfg.ReservationTTL, cfg.AttemptTimeout)
	}
	if cfg.LedgerRetention <= 0 {
		return nil, fmt.Errorf("LEDGER_RETENTION must be positive")
	}
	if cfg.DefaultCompletionTokens < 1 || cfg.DefaultCompletionTokens > cfg.MaxCompletionTokens {
		return nil, fmt.Errorf("DEFAULT_COMPLETION_TOKENS (%d) must be between 1 and MAX_COMPLETION_TOKENS (%d)",
			cfg.DefaultCompletionTokens, cfg.MaxCompletionTokens)
	}
	if cfg.RecorderWorkers < 1 || cfg.RecorderQueueSize < 1 {
		return nil, fmt.Errorf("RECORDER_WORKERS and RECORDER_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) getInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || p.err != nil {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	return n
}

func (p *parser) getDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || p.err != nil {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	return d
}

func (p *parser) getBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || p.err != nil {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return fallback
	}
	return b
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/gateway")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, LedgerRedis, cfg.LedgerBackend)
	assert.Equal(t, 2*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, uint32(3), cfg.BreakerFailures)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)
	assert.Equal(t, 32768, cfg.MaxCompletionTokens)
	assert.False(t, cfg.RunSeed)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://localhost/gateway")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("BREAKER_COOLDOWN", "5s")
	t.Setenv("RECORDER_WORKERS", "2")
	t.Setenv("RUN_SEED", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, LedgerMemory, cfg.LedgerBackend)
	assert.Equal(t, 5*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 2, cfg.RecorderWorkers)
	assert.True(t, cfg.RunSeed)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing dsn":       {},
		"redis w/o addr":    {"POSTGRES_DSN": "x"},
		"bad backend":       {"POSTGRES_DSN": "x", "LEDGER_BACKEND": "etcd"},
		"bad duration":      {"POSTGRES_DSN": "x", "LEDGER_BACKEND": "memory", "RESERVATION_TTL": "soon"},
		"ttl below timeout": {"POSTGRES_DSN": "x", "LEDGER_BACKEND": "memory", "RESERVATION_TTL": "10s"},
		"zero retention":    {"POSTGRES_DSN": "x", "LEDGER_BACKEND": "memory", "LEDGER_RETENTION": "0s"},
		"default over max":  {"POSTGRES_DSN": "x", "LEDGER_BACKEND": "memory", "DEFAULT_COMPLETION_TOKENS": "4096", "MAX_COMPLETION_TOKENS": "2048"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("POSTGRES_DSN", "")
			t.Setenv("REDIS_ADDR", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

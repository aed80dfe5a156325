package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, BackendRedis, cfg.StoreBackend)
	assert.Equal(t, int64(16<<20), cfg.MaxMessageBytes)
	assert.Equal(t, 6, cfg.SessionCodeLength)
	assert.False(t, cfg.ExcludeSender)
	assert.Empty(t, cfg.NATSURL)

	srv := cfg.Server()
	assert.Equal(t, 30*time.Second, srv.Heartbeat.Interval)
	assert.Equal(t, cfg.MaxMessageBytes, srv.MaxMessageBytes)

	create, join, move := cfg.RateRules()
	assert.Equal(t, "rl:create:", create.Key)
	assert.Equal(t, 20, join.Limit)
	assert.Equal(t, 10*time.Second, move.Window)
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "badger")
	t.Setenv("BADGER_PATH", "/tmp/duel")
	t.Setenv("RELAY_EXCLUDE_SENDER", "true")
	t.Setenv("PERSIST_TIMEOUT", "750ms")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("SERVER_NAME", "relay-2")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.StoreBackend)
	assert.Equal(t, "/tmp/duel", cfg.BadgerPath)

	coord := cfg.Coordinator()
	assert.True(t, coord.ExcludeSender)
	assert.Equal(t, 750*time.Millisecond, coord.PersistTimeout)

	nats := cfg.NATS()
	assert.Equal(t, "nats://bus:4222", nats.URL)
	assert.Equal(t, "duel-relay-relay-2", nats.Name)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"unknown backend":      {"STORE_BACKEND", "mongo"},
		"bad duration":         {"READ_TIMEOUT", "soon"},
		"bad log level":        {"LOG_LEVEL", "loud"},
		"code too short":       {"SESSION_CODE_LENGTH", "2"},
		"zero persist workers": {"PERSIST_WORKERS", "0"},
		"postgres without dsn": {"STORE_BACKEND", "postgres"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Parse()
			require.Error(t, err)
		})
	}
}

func TestRateLimiting(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		enabled bool
	}{
		{"redis backend", nil, true},
		{"memory backend", map[string]string{"STORE_BACKEND": "memory"}, false},
		{"badger with redis addr", map[string]string{"STORE_BACKEND": "badger", "REDIS_ADDR": "cache:6379"}, true},
		{"switched off", map[string]string{"RATE_LIMIT_ENABLED": "false"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("REDIS_ADDR", "")
			require.NoError(t, os.Unsetenv("REDIS_ADDR"))
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := Parse()
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, cfg.RateLimiting())
		})
	}
}

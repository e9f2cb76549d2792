package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, "bus_type: memory\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BusTypeMemory, cfg.BusType)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.TTL.Std())
	assert.Equal(t, DedupBackendMemory, cfg.Dedup.Backend)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
bus_type: redis
redis:
  addr: redis.internal:6380
  db: 2
signing:
  secret: topsecret
  active_key_id: key-7
  required: true
dedup:
  backend: redis
  ttl: 10m
router:
  max_attempts: 5
  backoff_base: 50ms
  backoff_max: 2s
  failure_threshold: 8
  breaker_timeout: 1m
workflow:
  task_timeout: 45s
event_log_dir: /var/log/agentbus
db_path: /var/lib/agentbus/runs.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BusTypeRedis, cfg.BusType)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Signing.Required)
	assert.Equal(t, "key-7", cfg.Signing.ActiveKeyID)
	assert.Equal(t, DedupBackendRedis, cfg.Dedup.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Dedup.TTL.Std())
	assert.Equal(t, 5, cfg.Router.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Router.BackoffBase.Std())
	assert.Equal(t, 8, cfg.Router.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Workflow.TaskTimeout.Std())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("AGENTBUS_TEST_SECRET", "from-env")
	path := writeConfig(t, `
bus_type: memory
signing:
  secret: ${AGENTBUS_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Signing.Secret)
}

func TestLoadLeavesUnresolvedEnvVars(t *testing.T) {
	path := writeConfig(t, `
bus_type: memory
signing:
  secret: ${AGENTBUS_DEFINITELY_UNSET_VAR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${AGENTBUS_DEFINITELY_UNSET_VAR}", cfg.Signing.Secret)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"unknown bus", func(cfg *Config) { cfg.BusType = "carrier-pigeon" }},
		{"redis bus without addr", func(cfg *Config) {
			cfg.BusType = BusTypeRedis
			cfg.Redis.Addr = ""
		}},
		{"pubsub without project", func(cfg *Config) { cfg.BusType = BusTypePubSub }},
		{"unknown dedup backend", func(cfg *Config) { cfg.Dedup.Backend = "etcd" }},
		{"tiny dedup ttl", func(cfg *Config) { cfg.Dedup.TTL = Duration(10 * time.Millisecond) }},
		{"signing required without secret", func(cfg *Config) { cfg.Signing.Required = true }},
		{"zero attempts", func(cfg *Config) { cfg.Router.MaxAttempts = 0 }},
		{"inverted backoff range", func(cfg *Config) {
			cfg.Router.BackoffBase = Duration(time.Second)
			cfg.Router.BackoffMax = Duration(time.Millisecond)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

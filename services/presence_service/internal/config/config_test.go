package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/im-presence/pkg/zlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.test.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	dir := writeConfig(t, `
jwt:
  secret: s
presence:
  socket_ttl: 30s
kafka:
  enabled: true
  brokers: ["k1:9092"]
  dead_letter_topic: dlq
log:
  level: warn
`)
	t.Setenv("PRESENCE_REDIS_ADDR", "redis:6380")

	cfg, v, err := Load("test", dir)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 8086, cfg.Server.HTTPPort)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, BusRedis, cfg.Bus.Driver)
	assert.Equal(t, 30*time.Second, cfg.Presence.SocketTTL)
	assert.Equal(t, 24*time.Hour, cfg.Presence.FriendsTTL)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Consumer.Brokers)
	assert.Equal(t, "presence-service", cfg.Kafka.Consumer.GroupID)
	assert.Equal(t, "dlq", cfg.Kafka.Consumer.DeadLetterTopic)
	assert.EqualValues(t, 20, cfg.RateLimit.IPQPS)

	logCfg, err := zlog.FromViper(v, "log", "presence-service")
	require.NoError(t, err)
	assert.Equal(t, "warn", logCfg.Level)
	assert.Equal(t, "presence-service", logCfg.Service)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, _, err := Load("test", writeConfig(t, "bus:\n  driver: redis\n"))
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, _, err = Load("test", writeConfig(t, "jwt:\n  secret: s\nbus:\n  driver: kafka\n"))
	assert.ErrorIs(t, err, ErrUnknownBus)

	_, _, err = Load("missing", t.TempDir())
	assert.Error(t, err)
}

func TestInstanceID(t *testing.T) {
	cfg := &Config{Server: ServerConfig{InstanceID: "pod-1"}}
	assert.Equal(t, "pod-1", cfg.InstanceID())

	cfg.Server.InstanceID = ""
	assert.NotEmpty(t, cfg.InstanceID())
}

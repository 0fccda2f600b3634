package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	assert.Equal(t, 10000, cfg.Server.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.Server.AuthTimeout())
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout())
	assert.Equal(t, 30*time.Second, cfg.Server.StallTimeout())
	assert.Equal(t, 10*time.Second, cfg.Server.GracefulShutdown())
	assert.Equal(t, 30*time.Minute, cfg.Security.KeyRotationInterval())
	assert.Equal(t, "1.3", cfg.Security.MinTLSVersion)
	assert.Equal(t, float64(100), cfg.RateLimit.MessagesPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.BurstSize)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.Lockout())
	assert.Equal(t, uint32(1<<20), cfg.Performance.MaxMessageSize)
	assert.Equal(t, 1024, cfg.Performance.OutboundQueueSize)
	assert.False(t, cfg.Performance.Compression)
}

func TestLoadFromYAML(t *testing.T) {
	content := `
server:
  bind_address: 127.0.0.1
  port: 9400
  max_connections: 500
  auth_timeout_sec: 5
  idle_timeout_sec: 120
security:
  key_rotation_interval_sec: 600
  min_tls_version: "1.2"
  require_client_cert: true
rate_limiting:
  messages_per_second: 50
  burst_size: 80
  bandwidth_limit: 524288
  login_attempts: 3
  lockout_sec: 60
performance:
  max_message_size: 65536
  outbound_queue_size: 256
  compression: true
  compression_min_size: 128
metrics:
  listen_address: 127.0.0.1:9500
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := zviper.New()
	require.NoError(t, v.LoadFile(path))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 9400, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Server.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.Server.AuthTimeout())
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout())
	assert.Equal(t, 10*time.Minute, cfg.Security.KeyRotationInterval())
	assert.Equal(t, "1.2", cfg.Security.MinTLSVersion)
	assert.True(t, cfg.Security.RequireClientCert)
	assert.Equal(t, float64(50), cfg.RateLimit.MessagesPerSecond)
	assert.Equal(t, 3, cfg.RateLimit.LoginAttempts)
	assert.Equal(t, time.Minute, cfg.RateLimit.Lockout())
	assert.Equal(t, uint32(65536), cfg.Performance.MaxMessageSize)
	assert.Equal(t, 256, cfg.Performance.OutboundQueueSize)
	assert.True(t, cfg.Performance.Compression)
	assert.Equal(t, 128, cfg.Performance.CompressionMinSize)
	assert.Equal(t, "127.0.0.1:9500", cfg.Metrics.ListenAddress)

	// 未出现的键保持默认值。
	assert.Equal(t, 30*time.Second, cfg.Server.StallTimeout())
	assert.Equal(t, 1024*64, cfg.Performance.ReceiveBufferSize)
}

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 10000, cfg.Server.MaxConnections)
	assert.Equal(t, 10, cfg.Server.AuthTimeoutSec)
	assert.Equal(t, 200, cfg.RateLimit.BurstSize)
	assert.Equal(t, uint32(1<<20), cfg.Performance.MaxMessageSize)

	// 显式设置的值不被覆盖。
	cfg = Config{}
	cfg.Server.MaxConnections = 7
	cfg = cfg.withDefaults()
	assert.Equal(t, 7, cfg.Server.MaxConnections)
}

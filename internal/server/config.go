// Package server 实现聊天服务的监督者：
// 监听与接入、会话接线、周期维护任务与优雅停机。
package server

import (
	"time"

	zviper "github.com/lk2023060901/chat-garden-go/pkg/util/viper"
)

// Config 为服务器核心识别的完整配置集。
//
// 对应 YAML 配置文件中的 server / security / rate_limiting /
// performance / metrics 各节。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Security    SecurityConfig    `mapstructure:"security"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limiting"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig 为监听与会话生命周期参数。
type ServerConfig struct {
	BindAddress         string `mapstructure:"bind_address"`
	Port                int    `mapstructure:"port"`
	MaxConnections      int    `mapstructure:"max_connections"`
	Backlog             int    `mapstructure:"backlog"`
	AuthTimeoutSec      int    `mapstructure:"auth_timeout_sec"`
	IdleTimeoutSec      int    `mapstructure:"idle_timeout_sec"`
	StallTimeoutSec     int    `mapstructure:"stall_timeout_sec"`
	GracefulShutdownSec int    `mapstructure:"graceful_shutdown_sec"`
}

// SecurityConfig 为密钥轮换与 TLS 参数。
//
// 证书加载不属于核心；TLS 配置对象由进程入口注入，
// 这里只保留影响其行为的开关。
type SecurityConfig struct {
	KeyRotationIntervalSec int    `mapstructure:"key_rotation_interval_sec"`
	MinTLSVersion          string `mapstructure:"min_tls_version"`
	RequireClientCert      bool   `mapstructure:"require_client_cert"`
}

// RateLimitConfig 为限流参数。
type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
	BandwidthLimit    int     `mapstructure:"bandwidth_limit"`
	LoginAttempts     int     `mapstructure:"login_attempts"`
	LockoutSec        int     `mapstructure:"lockout_sec"`
}

// PerformanceConfig 为缓冲与压缩参数。
type PerformanceConfig struct {
	MaxMessageSize     uint32 `mapstructure:"max_message_size"`
	OutboundQueueSize  int    `mapstructure:"outbound_queue_size"`
	ReceiveBufferSize  int    `mapstructure:"receive_buffer_size"`
	Compression        bool   `mapstructure:"compression"`
	CompressionMinSize int    `mapstructure:"compression_min_size"`
}

// MetricsConfig 为指标暴露参数。ListenAddress 为空时不启动指标端点。
type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// DefaultConfig 返回带默认值的配置。
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BindAddress:         "0.0.0.0",
			Port:                9300,
			MaxConnections:      10000,
			Backlog:             512,
			AuthTimeoutSec:      10,
			IdleTimeoutSec:      60,
			StallTimeoutSec:     30,
			GracefulShutdownSec: 10,
		},
		Security: SecurityConfig{
			KeyRotationIntervalSec: 30 * 60,
			MinTLSVersion:          "1.3",
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 100,
			BurstSize:         200,
			BandwidthLimit:    1 << 20,
			LoginAttempts:     5,
			LockoutSec:        5 * 60,
		},
		Performance: PerformanceConfig{
			MaxMessageSize:     1 << 20,
			OutboundQueueSize:  1024,
			ReceiveBufferSize:  64 * 1024,
			CompressionMinSize: 512,
		},
	}
}

// withDefaults 为零值字段填充默认配置。
//
// 允许测试只设置关心的字段；Port 为 0 合法（临时端口或注入监听器）。
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Server.BindAddress == "" {
		c.Server.BindAddress = def.Server.BindAddress
	}
	if c.Server.MaxConnections <= 0 {
		c.Server.MaxConnections = def.Server.MaxConnections
	}
	if c.Server.Backlog <= 0 {
		c.Server.Backlog = def.Server.Backlog
	}
	if c.Server.AuthTimeoutSec <= 0 {
		c.Server.AuthTimeoutSec = def.Server.AuthTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = def.Server.IdleTimeoutSec
	}
	if c.Server.StallTimeoutSec <= 0 {
		c.Server.StallTimeoutSec = def.Server.StallTimeoutSec
	}
	if c.Server.GracefulShutdownSec <= 0 {
		c.Server.GracefulShutdownSec = def.Server.GracefulShutdownSec
	}
	if c.Security.KeyRotationIntervalSec <= 0 {
		c.Security.KeyRotationIntervalSec = def.Security.KeyRotationIntervalSec
	}
	if c.Security.MinTLSVersion == "" {
		c.Security.MinTLSVersion = def.Security.MinTLSVersion
	}
	if c.RateLimit.MessagesPerSecond <= 0 {
		c.RateLimit.MessagesPerSecond = def.RateLimit.MessagesPerSecond
	}
	if c.RateLimit.BurstSize <= 0 {
		c.RateLimit.BurstSize = def.RateLimit.BurstSize
	}
	if c.RateLimit.BandwidthLimit <= 0 {
		c.RateLimit.BandwidthLimit = def.RateLimit.BandwidthLimit
	}
	if c.RateLimit.LoginAttempts <= 0 {
		c.RateLimit.LoginAttempts = def.RateLimit.LoginAttempts
	}
	if c.RateLimit.LockoutSec <= 0 {
		c.RateLimit.LockoutSec = def.RateLimit.LockoutSec
	}
	if c.Performance.MaxMessageSize == 0 {
		c.Performance.MaxMessageSize = def.Performance.MaxMessageSize
	}
	if c.Performance.OutboundQueueSize <= 0 {
		c.Performance.OutboundQueueSize = def.Performance.OutboundQueueSize
	}
	if c.Performance.ReceiveBufferSize <= 0 {
		c.Performance.ReceiveBufferSize = def.Performance.ReceiveBufferSize
	}
	if c.Performance.CompressionMinSize <= 0 {
		c.Performance.CompressionMinSize = def.Performance.CompressionMinSize
	}
	return c
}

// Load 从配置文件对象覆盖默认配置。
func Load(v *zviper.Config) (Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AuthTimeout 返回认证窗口时长。
func (c ServerConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSec) * time.Second
}

// IdleTimeout 返回空闲超时时长。
func (c ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// StallTimeout 返回出站停滞超时时长。
func (c ServerConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSec) * time.Second
}

// GracefulShutdown 返回优雅停机的等待时长。
func (c ServerConfig) GracefulShutdown() time.Duration {
	return time.Duration(c.GracefulShutdownSec) * time.Second
}

// KeyRotationInterval 返回密钥轮换周期。
func (c SecurityConfig) KeyRotationInterval() time.Duration {
	return time.Duration(c.KeyRotationIntervalSec) * time.Second
}

// Lockout 返回登录锁定时长。
func (c RateLimitConfig) Lockout() time.Duration {
	return time.Duration(c.LockoutSec) * time.Second
}

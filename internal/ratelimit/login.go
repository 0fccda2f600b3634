package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// LoginConfig 描述登录尝试限流的参数。
type LoginConfig struct {
	// Attempts 为窗口期内允许的登录尝试次数。
	Attempts int

	// Window 为尝试次数的统计窗口。
	Window time.Duration

	// Lockout 为尝试耗尽后的锁定时长。
	Lockout time.Duration
}

func (c LoginConfig) withDefaults() LoginConfig {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.Lockout <= 0 {
		c.Lockout = 5 * time.Minute
	}
	return c
}

// LoginLimiter 以源地址为键限制认证尝试。
//
// 进程级单例，由 Supervisor 持有；AuthGate 在校验凭证前先消耗一次配额。
type LoginLimiter struct {
	cfg   LoginConfig
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]*loginEntry
}

type loginEntry struct {
	bucket      *rate.Limiter
	lockedUntil time.Time
	lastSeen    time.Time
}

// NewLoginLimiter 创建登录限流器。clock 为 nil 时使用 time.Now。
func NewLoginLimiter(cfg LoginConfig, clock func() time.Time) *LoginLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &LoginLimiter{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		entries: make(map[string]*loginEntry),
	}
}

// Acquire 为指定源地址消耗一次登录尝试配额。
//
// 处于锁定期或配额耗尽时返回 merr.ErrAuthLockedOut；
// 配额耗尽的同时进入锁定期。
func (l *LoginLimiter) Acquire(addr string) error {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[addr]
	if !ok {
		entry = &loginEntry{
			bucket: rate.NewLimiter(
				rate.Limit(float64(l.cfg.Attempts)/l.cfg.Window.Seconds()),
				l.cfg.Attempts,
			),
		}
		l.entries[addr] = entry
	}
	entry.lastSeen = now

	if now.Before(entry.lockedUntil) {
		return merr.WrapErrAuthLockedOut(addr)
	}

	if !entry.bucket.AllowN(now, 1) {
		entry.lockedUntil = now.Add(l.cfg.Lockout)
		return merr.WrapErrAuthLockedOut(addr)
	}
	return nil
}

// Sweep 清理长时间未出现的源地址，由周期任务调用。
func (l *LoginLimiter) Sweep(maxIdle time.Duration) int {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for addr, entry := range l.entries {
		if now.Sub(entry.lastSeen) > maxIdle && now.After(entry.lockedUntil) {
			delete(l.entries, addr)
			removed++
		}
	}
	return removed
}

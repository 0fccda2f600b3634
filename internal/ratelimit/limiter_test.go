package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// fakeClock 为可手动推进的时钟。
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestInboundBurstThenGraceThenReject(t *testing.T) {
	clock := newFakeClock()
	l := NewSessionLimiter(Config{MessagesPerSecond: 100, BurstSize: 200, BandwidthLimit: 1 << 20}, clock.Now)

	// 突发容量内全部放行。
	for i := 0; i < 200; i++ {
		require.NoError(t, l.AllowInbound(64), "frame %d", i)
	}

	// 第一次超限消耗宽限。
	require.NoError(t, l.AllowInbound(64))

	// 第二次超限判定为超速。
	err := l.AllowInbound(64)
	assert.ErrorIs(t, err, merr.ErrRateExceeded)
}

func TestInboundRefill(t *testing.T) {
	clock := newFakeClock()
	l := NewSessionLimiter(Config{MessagesPerSecond: 10, BurstSize: 10, BandwidthLimit: 1 << 20}, clock.Now)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.AllowInbound(1))
	}

	// 1 秒后应当补充 10 个令牌。
	clock.Advance(time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.AllowInbound(1))
	}
}

func TestInboundByteBucket(t *testing.T) {
	clock := newFakeClock()
	// 带宽 1KiB/s，桶容量 2KiB。
	l := NewSessionLimiter(Config{MessagesPerSecond: 1000, BurstSize: 1000, BandwidthLimit: 1024}, clock.Now)

	require.NoError(t, l.AllowInbound(2048)) // 吃满桶
	require.NoError(t, l.AllowInbound(1))    // 宽限
	err := l.AllowInbound(1)
	assert.ErrorIs(t, err, merr.ErrRateExceeded)
}

func TestOversizeRecordClamped(t *testing.T) {
	clock := newFakeClock()
	l := NewSessionLimiter(Config{MessagesPerSecond: 1000, BurstSize: 1000, BandwidthLimit: 1024}, clock.Now)

	// 超过桶容量的记录按容量计，不会造成永久阻塞。
	require.NoError(t, l.AllowInbound(1<<20))
}

func TestWaitOutboundParksUntilRefill(t *testing.T) {
	l := NewSessionLimiter(Config{MessagesPerSecond: 50, BurstSize: 1, BandwidthLimit: 1 << 20}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, l.WaitOutbound(ctx, 16))
	// 第二次需要等待约 20ms 的令牌填充。
	require.NoError(t, l.WaitOutbound(ctx, 16))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitOutboundCancelled(t *testing.T) {
	l := NewSessionLimiter(Config{MessagesPerSecond: 0.1, BurstSize: 1, BandwidthLimit: 1 << 20}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.WaitOutbound(ctx, 1))
	err := l.WaitOutbound(ctx, 1)
	assert.Error(t, err)
}

func TestLoginLimiterLockout(t *testing.T) {
	clock := newFakeClock()
	l := NewLoginLimiter(LoginConfig{Attempts: 5, Window: 15 * time.Minute, Lockout: 5 * time.Minute}, clock.Now)

	const addr = "10.0.0.1"
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(addr), "attempt %d", i)
	}

	// 配额耗尽触发锁定。
	err := l.Acquire(addr)
	assert.ErrorIs(t, err, merr.ErrAuthLockedOut)

	// 锁定期内持续拒绝。
	clock.Advance(4 * time.Minute)
	assert.ErrorIs(t, l.Acquire(addr), merr.ErrAuthLockedOut)

	// 锁定期结束后，窗口内补充的配额允许再次尝试。
	clock.Advance(2 * time.Minute)
	assert.NoError(t, l.Acquire(addr))
}

func TestLoginLimiterPerAddress(t *testing.T) {
	clock := newFakeClock()
	l := NewLoginLimiter(LoginConfig{}, clock.Now)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire("10.0.0.1"))
	}
	assert.ErrorIs(t, l.Acquire("10.0.0.1"), merr.ErrAuthLockedOut)

	// 其它地址不受影响。
	assert.NoError(t, l.Acquire("10.0.0.2"))
}

func TestLoginLimiterSweep(t *testing.T) {
	clock := newFakeClock()
	l := NewLoginLimiter(LoginConfig{}, clock.Now)

	require.NoError(t, l.Acquire("10.0.0.1"))
	require.NoError(t, l.Acquire("10.0.0.2"))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, l.Sweep(time.Hour))
	assert.Equal(t, 0, l.Sweep(time.Hour))
}

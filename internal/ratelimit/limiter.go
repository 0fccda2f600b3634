// Package ratelimit 实现连接级与登录级的令牌桶限流。
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Config 描述单条会话的限流参数。
type Config struct {
	// MessagesPerSecond 为消息桶的填充速率。
	MessagesPerSecond float64

	// BurstSize 为消息桶的容量。
	BurstSize int

	// BandwidthLimit 为字节桶的填充速率（字节/秒）；
	// 字节桶容量为该值的两倍。
	BandwidthLimit int
}

func (c Config) withDefaults() Config {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 100
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 200
	}
	if c.BandwidthLimit <= 0 {
		c.BandwidthLimit = 1 << 20
	}
	return c
}

// SessionLimiter 维护一条会话的两个令牌桶：
//   - 消息桶：每条记录消耗 1 个令牌；
//   - 字节桶：每条记录按大小消耗令牌。
//
// 入站超限时有一次宽限机会（按会话计，两个桶共享），用于吸收突发；
// 第二次超限由调用方关闭连接。出站路径则在桶耗尽时阻塞等待。
type SessionLimiter struct {
	msgBucket  *rate.Limiter
	byteBucket *rate.Limiter

	clock func() time.Time

	graceUsed atomic.Bool
}

// NewSessionLimiter 创建一个会话限流器。clock 为 nil 时使用 time.Now。
func NewSessionLimiter(cfg Config, clock func() time.Time) *SessionLimiter {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &SessionLimiter{
		msgBucket:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.BurstSize),
		byteBucket: rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), 2*cfg.BandwidthLimit),
		clock:      clock,
	}
}

// AllowInbound 对一条入站记录做限流判定。
//
// 返回：
//   - nil：记录可以处理（含消耗宽限的情况）；
//   - merr.ErrRateExceeded：宽限已用尽，连接应当关闭。
func (l *SessionLimiter) AllowInbound(size int) error {
	now := l.clock()

	msgOK := l.msgBucket.AllowN(now, 1)
	byteOK := l.byteBucket.AllowN(now, l.clampBytes(size))
	if msgOK && byteOK {
		return nil
	}

	// 一次宽限吸收突发；宽限事件按会话计，不区分桶。
	if l.graceUsed.CompareAndSwap(false, true) {
		return nil
	}

	kind := "messages"
	if msgOK {
		kind = "bytes"
	}
	return merr.WrapErrRateExceeded(kind)
}

// WaitOutbound 在出站路径上等待令牌；桶耗尽时写协程在此挂起。
//
// ctx 取消或其截止时间早于令牌可用时返回错误；字节桶的预留会被撤回，
// 但此前已从消息桶取得的令牌不会归还。
func (l *SessionLimiter) WaitOutbound(ctx context.Context, size int) error {
	if err := l.msgBucket.Wait(ctx); err != nil {
		return err
	}
	return l.byteBucket.WaitN(ctx, l.clampBytes(size))
}

// clampBytes 保证单条记录的令牌消耗不超过桶容量，
// 否则等于桶容量的超大记录将永远无法通过。
func (l *SessionLimiter) clampBytes(size int) int {
	if size < 1 {
		return 1
	}
	if burst := l.byteBucket.Burst(); size > burst {
		return burst
	}
	return size
}

package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/session"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/hardware"
)

const (
	// taskBackoffCap 为周期任务失败后重启间隔的上限。
	taskBackoffCap = 30 * time.Second

	// taskAlertFailures / taskAlertWindow：窗口内连续失败次数
	// 达到阈值时通过指标升级告警，但不退出进程。
	taskAlertFailures = 5
	taskAlertWindow   = 5 * time.Minute
)

// runPeriodic 以固定间隔驱动一个周期任务。
//
// 任务失败时按指数退避重启（上限 30 秒）；
// 5 分钟内连续失败 5 次升级为告警指标。任何失败都不会终止进程。
func (s *Server) runPeriodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	logger := log.Ctx(ctx).With(zap.String("task", name))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = taskBackoffCap
	bo.MaxElapsedTime = 0

	failures := 0
	var firstAt time.Time
	nextDelay := interval

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			now := s.clock()
			if failures == 0 || now.Sub(firstAt) > taskAlertWindow {
				failures = 0
				firstAt = now
			}
			failures++

			metrics.TaskRestarts.WithLabelValues(name).Inc()
			if failures >= taskAlertFailures {
				metrics.TaskAlerts.WithLabelValues(name).Inc()
				logger.Error("periodic task failing repeatedly",
					zap.Int("failures", failures),
					zap.Error(err))
			} else {
				logger.Warn("periodic task failed, will restart",
					zap.Error(err))
			}

			nextDelay = bo.NextBackOff()
		} else {
			failures = 0
			bo.Reset()
			nextDelay = interval
		}

		timer.Reset(nextDelay)
	}
}

// reapTick 回收超时与残留的会话。
//
// 读泵的 read deadline 已覆盖空闲关闭；此处兜底处理
// 卡死的会话、尚未从路由器摘除的 Closed 会话以及限流器条目。
func (s *Server) reapTick(ctx context.Context) error {
	idle := s.cfg.Server.IdleTimeout()
	now := s.clock()
	reaped := 0

	for _, sess := range s.snapshotSessions() {
		switch sess.State() {
		case session.StateClosed:
			// 终态会话必须在有界时间内离开路由器。
			s.rt.Unregister(sess.ID())
			s.mu.Lock()
			delete(s.sessions, sess.ID())
			s.mu.Unlock()
			reaped++

		case session.StateReady:
			if now.Sub(sess.LastActivity()) > idle {
				sess.Drain(protocol.CloseReasonIdle, "idle timeout", true)
				reaped++
			}
		}
	}

	s.logins.Sweep(time.Hour)

	if reaped > 0 {
		log.Ctx(ctx).Debug("reaper pass finished", zap.Int("reaped", reaped))
	}
	return nil
}

// rekeyTick 为密钥过期的 Ready 会话发起换钥。
func (s *Server) rekeyTick(ctx context.Context) error {
	rotation := s.cfg.Security.KeyRotationInterval()
	initiated := 0

	for _, sess := range s.snapshotSessions() {
		if sess.MaybeRekey(rotation) {
			initiated++
		}
	}

	if initiated > 0 {
		log.Ctx(ctx).Info("rekey initiated", zap.Int("sessions", initiated))
	}
	return nil
}

// metricsTick 发布主机与会话的快照指标。
func (s *Server) metricsTick(ctx context.Context) error {
	metrics.HostCPUUsage.Set(hardware.GetCPUUsage())
	metrics.HostMemoryUsed.Set(float64(hardware.GetUsedMemoryCount()))

	log.Ctx(ctx).WithRateGroup("server.metrics", 1, 60).
		RatedDebug(30, "metrics tick",
			zap.Int("connected", s.rt.Count()),
			zap.Int("sessions", s.sessionCount()))
	return nil
}

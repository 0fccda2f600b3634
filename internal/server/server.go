package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/history"
	"github.com/lk2023060901/chat-garden-go/internal/network/compressor"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/ratelimit"
	"github.com/lk2023060901/chat-garden-go/internal/router"
	"github.com/lk2023060901/chat-garden-go/internal/session"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/conc"
	"github.com/lk2023060901/chat-garden-go/pkg/util/hardware"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// registerMetricsOnce 保证指标只向默认 Registerer 注册一次，
// 测试中创建多个 Server 实例时不会重复注册。
var registerMetricsOnce sync.Once

// Options 为 Server 的构造参数。
type Options struct {
	Config Config

	// AuthStore 为认证存储端口；为 nil 时使用空的内存存储
	//（所有登录都会失败，仅用于冒烟验证）。
	AuthStore auth.Store

	// History 为历史存储端口；为 nil 时丢弃历史。
	History history.Store

	// TLS 为监听器的 TLS 配置；为 nil 时使用明文 TCP。
	// 证书加载由进程入口完成，核心只应用版本与客户端证书开关。
	TLS *tls.Config

	// Listener 允许注入已绑定的监听器（测试用，通常监听端口 0）。
	Listener net.Listener

	// Clock 为时间源，可在测试中注入。
	Clock func() time.Time
}

// authResult 为认证协程池的任务结果。
type authResult struct {
	principal auth.Principal
	token     string
}

// Server 为聊天服务的监督者。
//
// 生命周期：New -> Serve（阻塞）-> 上下文取消触发优雅停机。
// 进程内除会话 ID 计数器与停机标记外没有其他全局可变状态。
type Server struct {
	cfg Config

	ln    net.Listener
	rt    *router.Router
	gate  *auth.Gate
	hist  history.Store
	comp  compressor.Compressor
	clock func() time.Time

	// authPool 为阻塞的认证存储访问专用的协程池，
	// 避免存储抖动拖住会话读泵以外的执行流。
	authPool *conc.Pool[authResult]

	logins *ratelimit.LoginLimiter

	nextID   atomic.Uint64
	stopping atomic.Bool

	mu       sync.Mutex
	sessions map[uint64]*session.Session

	metricsSrv *http.Server
}

// New 创建一个尚未启动的 Server。
func New(opts Options) (*Server, error) {
	registerMetricsOnce.Do(func() {
		metrics.Register(prometheus.DefaultRegisterer)
		metrics.RegisterLoggingMetrics(prometheus.DefaultRegisterer)
	})

	cfg := opts.Config.withDefaults()

	store := opts.AuthStore
	if store == nil {
		store = auth.NewMemStore(0, opts.Clock)
	}
	hist := opts.History
	if hist == nil {
		hist = history.NopStore{}
	}

	logins := ratelimit.NewLoginLimiter(ratelimit.LoginConfig{
		Attempts: cfg.RateLimit.LoginAttempts,
		Lockout:  cfg.RateLimit.Lockout(),
	}, opts.Clock)

	var comp compressor.Compressor
	if cfg.Performance.Compression {
		zc, err := compressor.NewZstdCompressor()
		if err != nil {
			return nil, err
		}
		zc.SetMinCompressSize(cfg.Performance.CompressionMinSize)
		comp = zc
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Server{
		cfg:      cfg,
		rt:       router.New(),
		gate:     auth.NewGate(store, logins, opts.Clock),
		hist:     hist,
		comp:     comp,
		clock:    clock,
		authPool: conc.NewPool[authResult](hardware.GetCPUNum(), conc.WithConcealPanic(true)),
		logins:   logins,
		sessions: make(map[uint64]*session.Session),
		ln:       opts.Listener,
	}

	if s.ln != nil && opts.TLS != nil {
		s.ln = tls.NewListener(s.ln, s.tlsConfig(opts.TLS))
	}
	if s.ln == nil {
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, merr.Combine(merr.ErrIoFailed, err)
		}
		if opts.TLS != nil {
			ln = tls.NewListener(ln, s.tlsConfig(opts.TLS))
		}
		s.ln = ln
	}

	return s, nil
}

// tlsConfig 将配置中的安全开关应用到注入的 TLS 配置上。
func (s *Server) tlsConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	switch s.cfg.Security.MinTLSVersion {
	case "1.2":
		cfg.MinVersion = tls.VersionTLS12
	default:
		cfg.MinVersion = tls.VersionTLS13
	}
	if s.cfg.Security.RequireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}

// Addr 返回监听地址。
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Router 返回在线会话路由器。
func (s *Server) Router() *router.Router {
	return s.rt
}

// Serve 启动服务并阻塞，直至 ctx 取消后完成优雅停机。
//
// 启动顺序：监听器已在 New 中绑定 -> 接入循环 -> 周期任务。
func (s *Server) Serve(ctx context.Context) error {
	logger := log.Ctx(ctx)
	logger.Info("chat server starting",
		zap.String("addr", s.ln.Addr().String()),
		zap.Int("maxConnections", s.cfg.Server.MaxConnections))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startMetricsEndpoint(logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	g.Go(func() error {
		return s.runPeriodic(gctx, "reaper", 30*time.Second, s.reapTick)
	})
	g.Go(func() error {
		return s.runPeriodic(gctx, "rekeyer", 60*time.Second, s.rekeyTick)
	})
	g.Go(func() error {
		return s.runPeriodic(gctx, "metrics", 10*time.Second, s.metricsTick)
	})

	<-gctx.Done()
	s.shutdown(logger)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// acceptLoop 接受新连接并为每条连接装配会话。
//
// 瞬时的 Accept 错误（fd 耗尽等）按指数退避重试，不终止服务；
// 只有监听器被关闭（停机）才退出循环。
func (s *Server) acceptLoop(ctx context.Context) error {
	logger := log.Ctx(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = taskBackoffCap
	bo.MaxElapsedTime = 0

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// 停机或上层取消时视为正常退出。
			if s.stopping.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			logger.Warn("accept failed, backing off", zap.Error(err))
			metrics.TaskRestarts.WithLabelValues("acceptor").Inc()
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		bo.Reset()

		if s.sessionCount() >= s.cfg.Server.MaxConnections {
			logger.WithRateGroup("server.accept", 1, 60).
				RatedWarn(10, "connection limit reached, rejecting",
					zap.String("remote", conn.RemoteAddr().String()))
			// 尽力告知对端后关闭。
			_ = conn.SetWriteDeadline(s.clock().Add(time.Second))
			_, _ = conn.Write([]byte{0x00, 0x00, 0x00, 0x02, byte(protocol.TagClose), byte(protocol.CloseReasonServer)})
			_ = conn.Close()
			continue
		}

		id := s.nextID.Inc()
		sess := session.New(ctx, id, conn, s.sessionConfig(), s)

		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()

		go sess.Run()
	}
}

// sessionConfig 由服务器配置派生单条会话的参数。
func (s *Server) sessionConfig() session.Config {
	return session.Config{
		MaxMessageSize:    s.cfg.Performance.MaxMessageSize,
		OutboundQueueSize: s.cfg.Performance.OutboundQueueSize,
		RecvBufferSize:    s.cfg.Performance.ReceiveBufferSize,
		AuthTimeout:       s.cfg.Server.AuthTimeout(),
		IdleTimeout:       s.cfg.Server.IdleTimeout(),
		StallTimeout:      s.cfg.Server.StallTimeout(),
		Rate: ratelimit.Config{
			MessagesPerSecond: s.cfg.RateLimit.MessagesPerSecond,
			BurstSize:         s.cfg.RateLimit.BurstSize,
			BandwidthLimit:    s.cfg.RateLimit.BandwidthLimit,
		},
		Compressor:         s.comp,
		CompressionMinSize: s.cfg.Performance.CompressionMinSize,
		Clock:              s.clock,
	}
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// snapshotSessions 返回当前全部会话（含未认证会话）的快照。
func (s *Server) snapshotSessions() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// shutdown 执行优雅停机：
// 停止接入，通知所有会话 Draining，限期等待后强制关闭。
func (s *Server) shutdown(logger *log.MLogger) {
	s.stopping.Store(true)
	_ = s.ln.Close()

	active := s.snapshotSessions()
	logger.Info("chat server draining sessions", zap.Int("count", len(active)))

	for _, sess := range active {
		sess.Drain(protocol.CloseReasonServer, "server shutting down", true)
	}

	deadline := s.clock().Add(s.cfg.Server.GracefulShutdown())
	for s.clock().Before(deadline) && s.sessionCount() > 0 {
		time.Sleep(50 * time.Millisecond)
	}

	// 超时仍未退出的会话强制关闭；密钥在会话销毁时清零。
	for _, sess := range s.snapshotSessions() {
		sess.Close()
	}

	if s.metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.metricsSrv.Shutdown(sctx)
		cancel()
	}

	s.authPool.Release()
	logger.Info("chat server stopped")
}

// startMetricsEndpoint 启动 Prometheus 指标端点（如配置）。
func (s *Server) startMetricsEndpoint(logger *log.MLogger) {
	addr := s.cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()
}

// Package session 实现单条连接的服务器侧会话：
// 协议状态机、收发泵、出站队列与生命周期管理。
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/network/compressor"
	"github.com/lk2023060901/chat-garden-go/internal/network/crypto"
	"github.com/lk2023060901/chat-garden-go/internal/network/framer"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/ratelimit"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// State 表示会话所处的协议阶段。
//
// 状态只能向前推进：
//
//	Handshake -> AwaitingAuth -> Ready -> Draining -> Closed
//
// 任何阶段出错都会进入 Draining（或直接 Closed），Closed 为终态。
type State int32

const (
	StateHandshake State = iota
	StateAwaitingAuth
	StateReady
	StateDraining
	StateClosed
)

// String 返回状态名称，用于日志与错误信息。
func (s State) String() string {
	switch s {
	case StateHandshake:
		return "Handshake"
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Handler 由上层（Supervisor）实现，承接会话的业务回调。
//
// Authenticate、OnReady 与 OnSubframe 在该会话自己的收泵协程中被串行调用；
// OnClosed 只调用一次，由执行关闭的协程（收泵、写泵、Drain 超时计时器
// 或 Close 的调用方）调用。实现方不应在回调中长时间阻塞。
type Handler interface {
	// Authenticate 校验一次认证请求。
	//
	// addr 为对端源地址的主机部分；阻塞的存储访问应由实现方
	// 转移到专用协程池。返回值与 auth.Gate.Verify 一致。
	Authenticate(ctx context.Context, addr string, creds auth.Credentials) (auth.Principal, string, error)

	// OnReady 在会话通过认证并进入 Ready 后被调用一次，
	// 用于注册到路由器。
	OnReady(s *Session)

	// OnSubframe 在解出一条聊天子帧后被调用，负责路由与历史写入。
	OnSubframe(s *Session, f protocol.Subframe)

	// OnClosed 在会话到达 Closed 后被调用一次，用于从路由器摘除。
	OnClosed(s *Session, reason protocol.CloseReason, err error)
}

// Config 描述单条会话的行为参数。
type Config struct {
	MaxMessageSize    uint32
	OutboundQueueSize int
	RecvBufferSize    int

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	StallTimeout time.Duration
	DrainTimeout time.Duration

	Rate ratelimit.Config

	// Compressor 为聊天子帧体的压缩器；nil 表示不压缩。
	// CompressionMinSize 为启用压缩的最小体长度。
	Compressor         compressor.Compressor
	CompressionMinSize int

	// Clock 可注入，便于测试。
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = 64 * 1024
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.CompressionMinSize <= 0 {
		c.CompressionMinSize = 512
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// ctrlQueueSize 为控制帧队列容量。
// 控制帧数量有界（握手、认证响应、换钥、关闭），不会被业务流量放大。
const ctrlQueueSize = 64

// outbound 表示一条待发送的帧。
type outbound struct {
	// payload 为记录载荷；encrypt 为 true 时是子帧明文，
	// 由写泵加密后封装为 CipherFrame。
	payload []byte

	encrypt bool

	// critical 标记控制帧：不参与限速，也永远不会被丢弃。
	critical bool

	// closeAfter 标记写出后关闭连接（Close 记录）。
	closeAfter bool
}

// Session 为一条连接的服务器侧状态。
//
// 并发约定：
//   - 读泵与写泵各占一个协程，是会话内仅有的两个执行流；
//   - conn 的写入只发生在写泵中；
//   - SendChat* 可被任意协程（路由器）并发调用，仅操作通道。
type Session struct {
	id      uint64
	conn    net.Conn
	cfg     Config
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	crypto *crypto.Session
	framer *framer.Framer
	rate   *ratelimit.SessionLimiter

	principal atomic.Pointer[auth.Principal]

	ctrlQ chan outbound
	chatQ chan outbound

	createdAt    time.Time
	lastActivity atomic.Int64 // unix nano

	bytesRx  atomic.Uint64
	bytesTx  atomic.Uint64
	framesRx atomic.Uint64
	framesTx atomic.Uint64

	closeReason atomic.Int32 // protocol.CloseReason
	closeErr    error
	closeMu     sync.Mutex

	drainOnce sync.Once
	closeOnce sync.Once

	writeDone chan struct{}
}

// New 创建一条尚未启动的会话。
//
// 参数：
//   - parent：上层上下文（Supervisor 的 Serve ctx）；
//   - id    ：进程生命周期内唯一且单调递增的会话 ID；
//   - conn  ：底层网络连接；
//   - cfg   ：会话参数；
//   - h     ：业务回调。
func New(parent context.Context, id uint64, conn net.Conn, cfg Config, h Handler) *Session {
	if parent == nil {
		parent = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	s := &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		handler:   h,
		ctx:       ctx,
		cancel:    cancel,
		crypto:    crypto.New(crypto.Options{Clock: cfg.Clock}),
		framer:    framer.New(cfg.MaxMessageSize),
		rate:      ratelimit.NewSessionLimiter(cfg.Rate, cfg.Clock),
		ctrlQ:     make(chan outbound, ctrlQueueSize),
		chatQ:     make(chan outbound, cfg.OutboundQueueSize),
		createdAt: cfg.Clock(),
		writeDone: make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	return s
}

// ID 返回会话 ID。
func (s *Session) ID() uint64 {
	return s.id
}

// State 返回当前状态。
func (s *Session) State() State {
	return State(s.state.Load())
}

// Context 返回会话上下文；会话关闭时触发 Done。
func (s *Session) Context() context.Context {
	return s.ctx
}

// RemoteAddr 返回对端地址。
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Principal 返回已认证的主体；认证完成前为 nil。
func (s *Session) Principal() *auth.Principal {
	return s.principal.Load()
}

// CreatedAt 返回会话创建时间。
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity 返回最近一次收到对端数据的时间。
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Stats 为会话的计数器快照。
type Stats struct {
	BytesRx  uint64
	BytesTx  uint64
	FramesRx uint64
	FramesTx uint64
}

// Stats 返回计数器快照。
func (s *Session) Stats() Stats {
	return Stats{
		BytesRx:  s.bytesRx.Load(),
		BytesTx:  s.bytesTx.Load(),
		FramesRx: s.framesRx.Load(),
		FramesTx: s.framesTx.Load(),
	}
}

// advance 尝试将状态推进到 to，只允许向前。
func (s *Session) advance(to State) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// SendChat 将一条子帧投递到该会话的出站队列（定向发送语义）。
//
// 队列已满时立即返回 merr.ErrSessionBackpressured，永不阻塞调用方。
func (s *Session) SendChat(f protocol.Subframe) error {
	if s.State() != StateReady {
		return merr.WrapErrSessionNotFound(s.id, "session not ready")
	}
	payload, err := s.encodeSubframe(f)
	if err != nil {
		return err
	}

	select {
	case s.chatQ <- outbound{payload: payload, encrypt: true}:
		return nil
	default:
		return merr.WrapErrSessionBackpressured(s.id)
	}
}

// SendChatDropOldest 将一条子帧投递到出站队列（广播语义）。
//
// 队列已满时丢弃最旧的一条聊天帧腾出位置；返回是否发生了丢弃。
func (s *Session) SendChatDropOldest(f protocol.Subframe) (bool, error) {
	if s.State() != StateReady {
		return false, merr.WrapErrSessionNotFound(s.id, "session not ready")
	}
	payload, err := s.encodeSubframe(f)
	if err != nil {
		return false, err
	}

	m := outbound{payload: payload, encrypt: true}
	select {
	case s.chatQ <- m:
		return false, nil
	default:
	}

	dropped := false
	select {
	case <-s.chatQ:
		dropped = true
		metrics.BroadcastDrops.Inc()
	default:
	}

	select {
	case s.chatQ <- m:
		return dropped, nil
	default:
		return dropped, merr.WrapErrSessionBackpressured(s.id)
	}
}

// encodeSubframe 将子帧编码为 CipherFrame 明文，按配置压缩帧体。
func (s *Session) encodeSubframe(f protocol.Subframe) ([]byte, error) {
	if s.cfg.Compressor != nil && !f.Compressed && len(f.Body) >= s.cfg.CompressionMinSize {
		compressed, err := s.cfg.Compressor.Compress(nil, f.Body)
		if err == nil && len(compressed) < len(f.Body) {
			f.Body = compressed
			f.Compressed = true
		}
	}
	return protocol.EncodeSubframe(f)
}

// enqueueCtrl 将一条控制记录投递到控制队列。
func (s *Session) enqueueCtrl(payload []byte, closeAfter bool) error {
	m := outbound{payload: payload, critical: true, closeAfter: closeAfter}
	select {
	case s.ctrlQ <- m:
		return nil
	case <-s.ctx.Done():
		return merr.ErrSessionClosed
	}
}

// MaybeRekey 检查是否到达换钥阈值，需要时发起换钥子交换。
//
// 由 Supervisor 的周期任务调用；返回是否发起了换钥。
func (s *Session) MaybeRekey(rotation time.Duration) bool {
	if s.State() != StateReady {
		return false
	}
	if !s.crypto.NeedRekey(rotation) {
		return false
	}

	hello, err := s.crypto.BeginRekey()
	if err != nil {
		return false
	}
	if err := s.enqueueCtrl(protocol.EncodeRecord(protocol.TagRekey, protocol.EncodeHello(hello)), false); err != nil {
		return false
	}
	return true
}

// Drain 将会话转入 Draining：
// 停止接收新的入站数据，冲刷出站队列（可选）并发送 Close 记录。
//
// flush 为 false 时（密钥材料可疑的致命错误）丢弃未发送的聊天帧，
// 只发送 Close 记录。
func (s *Session) Drain(reason protocol.CloseReason, detail string, flush bool) {
	if !s.advance(StateDraining) {
		return
	}

	s.drainOnce.Do(func() {
		s.closeReason.Store(int32(reason))

		if !flush {
			// 清空未发送的聊天帧。
			for drained := false; !drained; {
				select {
				case <-s.chatQ:
				default:
					drained = true
				}
			}
		}

		if err := s.enqueueCtrl(protocol.EncodeClose(reason, detail), true); err != nil {
			s.forceClose(nil)
			return
		}

		// 冲刷超时后强制关闭。
		timer := time.AfterFunc(s.cfg.DrainTimeout, func() {
			s.forceClose(nil)
		})
		go func() {
			select {
			case <-s.writeDone:
				timer.Stop()
			case <-s.ctx.Done():
				timer.Stop()
			}
		}()
	})
}

// fail 记录写路径的致命错误及其关闭原因，随后立即关闭。
func (s *Session) fail(err error) {
	reason, _ := closeDisposition(err)
	s.closeReason.CompareAndSwap(0, int32(reason))
	s.forceClose(err)
}

// forceClose 立即关闭会话：取消上下文、关闭连接、销毁密钥并通知上层。
func (s *Session) forceClose(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		s.closeMu.Lock()
		if err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		closeErr := s.closeErr
		s.closeMu.Unlock()

		s.cancel()
		_ = s.conn.Close()
		s.crypto.Close()

		reason := protocol.CloseReason(s.closeReason.Load())
		metrics.SessionCloses.WithLabelValues(reason.String()).Inc()
		if s.handler != nil {
			s.handler.OnClosed(s, reason, closeErr)
		}
	})
}

// Close 强制关闭会话。幂等。
func (s *Session) Close() {
	s.forceClose(nil)
}

// touch 更新活跃时间。
func (s *Session) touch() {
	s.lastActivity.Store(s.cfg.Clock().UnixNano())
}

// Package router 维护在线会话索引，并提供定向与广播两种投递能力。
package router

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/session"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Peer 抽象了路由器可见的会话能力。
//
// 由 session.Session 实现；测试中可注入桩实现。
type Peer interface {
	// ID 返回会话的全局唯一标识。
	ID() uint64

	// State 返回会话当前状态。
	State() session.State

	// Principal 返回已认证的主体。
	Principal() *auth.Principal

	// SendChat 以定向语义投递一条子帧：队列满时立即失败。
	SendChat(f protocol.Subframe) error

	// SendChatDropOldest 以广播语义投递一条子帧：队列满时丢弃最旧聊天帧。
	SendChatDropOldest(f protocol.Subframe) (bool, error)
}

// Result 为一次定向投递的结果。
type Result int

const (
	// Enqueued 表示子帧已进入对端的出站队列。
	Enqueued Result = iota

	// NoSuchPeer 表示目标会话不存在或已不在可投递状态。
	NoSuchPeer

	// PeerBackpressured 表示对端出站队列已满。
	PeerBackpressured
)

// Router 为在线会话的并发注册表。
//
// 读多写少：广播与定向发送只持读锁，注册/注销持写锁；
// 遍历前复制快照，避免在持锁情况下执行投递。
// 注册表中的会话状态恒为 Ready 或 Draining。
type Router struct {
	mu    sync.RWMutex
	peers map[uint64]Peer
}

// New 创建一个空的 Router。
func New() *Router {
	return &Router{
		peers: make(map[uint64]Peer),
	}
}

// Register 将进入 Ready 的会话注册到路由器。
//
// 要求会话处于 Ready 状态；重复 ID 返回错误，不覆盖旧会话。
func (r *Router) Register(p Peer) error {
	if p == nil {
		return nil
	}
	if p.State() != session.StateReady {
		return merr.WrapErrProtocolBadState(0, p.State().String(), "register peer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.peers[id]; exists {
		return merr.WrapErrSessionDuplicate(id)
	}
	r.peers[id] = p
	metrics.ConnectedSessions.Set(float64(len(r.peers)))
	return nil
}

// Unregister 从路由器摘除指定会话。幂等。
func (r *Router) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; exists {
		delete(r.peers, id)
		metrics.ConnectedSessions.Set(float64(len(r.peers)))
	}
}

// Get 根据会话 ID 查找对端。
func (r *Router) Get(id uint64) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	return p, ok
}

// Count 返回当前注册的会话数量。
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot 返回当前在线会话的快照。
func (r *Router) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.peers)
}

// Unicast 向指定会话定向投递一条子帧。
//
// 同一对端上的多次 Unicast 保持 FIFO 顺序（由对端出站队列保证）。
func (r *Router) Unicast(id uint64, f protocol.Subframe) Result {
	p, ok := r.Get(id)
	if !ok || p.State() != session.StateReady {
		return NoSuchPeer
	}

	if err := p.SendChat(f); err != nil {
		if errors.Is(err, merr.ErrSessionBackpressured) {
			return PeerBackpressured
		}
		return NoSuchPeer
	}
	return Enqueued
}

// Broadcast 向除 exceptID 以外的所有 Ready 会话投递一条子帧。
//
// 尽力而为：出站队列已满的会话丢弃其最旧聊天帧后投递，
// 丢弃计入 broadcast_drops；广播方永远不会被慢速对端阻塞。
// 返回成功投递与发生丢弃的会话数。
func (r *Router) Broadcast(f protocol.Subframe, exceptID uint64) (delivered, drops int) {
	for _, p := range r.Snapshot() {
		if p.ID() == exceptID || p.State() != session.StateReady {
			continue
		}

		dropped, err := p.SendChatDropOldest(f)
		if dropped {
			drops++
		}
		if err == nil {
			delivered++
		}
	}
	return delivered, drops
}

package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/session"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// fakePeer 为带容量限制的 Peer 桩实现。
type fakePeer struct {
	id    uint64
	state session.State

	mu     sync.Mutex
	frames []protocol.Subframe
	cap    int
	drops  int
}

func newFakePeer(id uint64, capacity int) *fakePeer {
	return &fakePeer{
		id:    id,
		state: session.StateReady,
		cap:   capacity,
	}
}

func (p *fakePeer) ID() uint64                 { return p.id }
func (p *fakePeer) State() session.State       { return p.state }
func (p *fakePeer) Principal() *auth.Principal { return &auth.Principal{UserID: int64(p.id)} }

func (p *fakePeer) SendChat(f protocol.Subframe) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.frames) >= p.cap {
		return merr.WrapErrSessionBackpressured(p.id)
	}
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePeer) SendChatDropOldest(f protocol.Subframe) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dropped := false
	if len(p.frames) >= p.cap {
		p.frames = p.frames[1:]
		p.drops++
		dropped = true
	}
	p.frames = append(p.frames, f)
	return dropped, nil
}

func (p *fakePeer) received() []protocol.Subframe {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Subframe(nil), p.frames...)
}

func textFrame(body string) protocol.Subframe {
	return protocol.NewSubframe(protocol.SubtypeText, 1, []byte(body))
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	p := newFakePeer(1, 8)

	require.NoError(t, r.Register(p))
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.ID())

	_, ok = r.Get(2)
	assert.False(t, ok)
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFakePeer(1, 8)))

	err := r.Register(newFakePeer(1, 8))
	assert.ErrorIs(t, err, merr.ErrSessionDuplicate)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterRejectsNonReady(t *testing.T) {
	r := New()
	p := newFakePeer(1, 8)
	p.state = session.StateAwaitingAuth

	err := r.Register(p)
	assert.Error(t, err)
	assert.Zero(t, r.Count())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(newFakePeer(1, 8)))

	r.Unregister(1)
	assert.Zero(t, r.Count())
	r.Unregister(1)
	r.Unregister(42)
}

func TestUnicast(t *testing.T) {
	r := New()
	p := newFakePeer(1, 2)
	require.NoError(t, r.Register(p))

	assert.Equal(t, Enqueued, r.Unicast(1, textFrame("a")))
	assert.Equal(t, Enqueued, r.Unicast(1, textFrame("b")))

	// 队列满：返回背压而不是阻塞。
	assert.Equal(t, PeerBackpressured, r.Unicast(1, textFrame("c")))

	// 不存在的对端。
	assert.Equal(t, NoSuchPeer, r.Unicast(99, textFrame("d")))

	// 同一对端保持 FIFO。
	frames := p.received()
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("a"), frames[0].Body)
	assert.Equal(t, []byte("b"), frames[1].Body)
}

func TestUnicastDrainingPeerInvisible(t *testing.T) {
	r := New()
	p := newFakePeer(1, 2)
	require.NoError(t, r.Register(p))

	p.state = session.StateDraining
	assert.Equal(t, NoSuchPeer, r.Unicast(1, textFrame("a")))
}

func TestBroadcast(t *testing.T) {
	r := New()
	sender := newFakePeer(1, 8)
	require.NoError(t, r.Register(sender))

	peers := make([]*fakePeer, 0, 4)
	for id := uint64(2); id <= 5; id++ {
		p := newFakePeer(id, 8)
		peers = append(peers, p)
		require.NoError(t, r.Register(p))
	}

	delivered, drops := r.Broadcast(textFrame("hello"), 1)
	assert.Equal(t, 4, delivered)
	assert.Zero(t, drops)

	// 发送方自身不接收。
	assert.Empty(t, sender.received())
	for _, p := range peers {
		frames := p.received()
		require.Len(t, frames, 1)
		assert.Equal(t, []byte("hello"), frames[0].Body)
	}
}

func TestBroadcastBackpressuredPeerDropsOldest(t *testing.T) {
	r := New()
	slow := newFakePeer(2, 1)
	fast := newFakePeer(3, 8)
	require.NoError(t, r.Register(slow))
	require.NoError(t, r.Register(fast))

	_, drops := r.Broadcast(textFrame("one"), 1)
	assert.Zero(t, drops)

	// slow 的队列已满：广播丢弃其最旧帧，但投递不被阻塞。
	delivered, drops := r.Broadcast(textFrame("two"), 1)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, drops)

	frames := slow.received()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("two"), frames[0].Body)
}

func TestSnapshotIsolatedFromMutation(t *testing.T) {
	r := New()
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, r.Register(newFakePeer(id, 8)))
	}

	snapshot := r.Snapshot()
	r.Unregister(2)

	assert.Len(t, snapshot, 3)
	assert.Equal(t, 2, r.Count())
}

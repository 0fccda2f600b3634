package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	chatclient "github.com/lk2023060901/chat-garden-go/internal/client"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/router"
)

// captureHistory 记录所有写入的历史存储桩。
type captureHistory struct {
	mu      sync.Mutex
	entries []capturedEntry
}

type capturedEntry struct {
	principalID int64
	frame       protocol.Subframe
}

func (h *captureHistory) Append(_ context.Context, principalID int64, f protocol.Subframe) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, capturedEntry{principalID: principalID, frame: f})
	return nil
}

func (h *captureHistory) snapshot() []capturedEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capturedEntry(nil), h.entries...)
}

// startServer 启动服务器并返回实例与监听地址。
func startServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()

	if opts.Listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		opts.Listener = ln
	}

	s, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop in time")
		}
	})

	return s, s.Addr().String()
}

func newStore(t *testing.T, users ...string) *auth.MemStore {
	t.Helper()

	store := auth.NewMemStore(time.Hour, nil)
	for _, u := range users {
		store.AddUser(u, u, "secret")
	}
	return store
}

func connect(t *testing.T, addr, username string) *chatclient.Client {
	t.Helper()

	client, err := chatclient.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	_, err = client.Login(protocol.AuthRequest{Username: username, Password: "secret"})
	require.NoError(t, err)
	return client
}

func TestHappyPathChat(t *testing.T) {
	hist := &captureHistory{}
	_, addr := startServer(t, Options{
		AuthStore: newStore(t, "alice", "bob"),
		History:   hist,
	})

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	sent := protocol.NewSubframe(protocol.SubtypeText, time.Now().UnixMilli(), []byte("hello"))
	require.NoError(t, alice.SendSubframe(sent))

	got, err := bob.ReadSubframe(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.SubtypeText, got.Subtype)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Equal(t, sent.MessageID, got.MessageID)

	// 已投递的文本写入历史。
	require.Eventually(t, func() bool {
		return len(hist.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
	entry := hist.snapshot()[0]
	assert.Equal(t, int64(1), entry.principalID)
	assert.Equal(t, []byte("hello"), entry.frame.Body)
}

func TestBroadcastSkipsSender(t *testing.T) {
	_, addr := startServer(t, Options{AuthStore: newStore(t, "alice", "bob", "carol")})

	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")
	carol := connect(t, addr, "carol")

	require.NoError(t, alice.SendSubframe(
		protocol.NewSubframe(protocol.SubtypeText, 1, []byte("to-everyone-else"))))

	for _, c := range []*chatclient.Client{bob, carol} {
		f, err := c.ReadSubframe(3 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("to-everyone-else"), f.Body)
	}

	// 发送方自身不应收到广播回显。
	_, err := alice.ReadSubframe(300 * time.Millisecond)
	assert.Error(t, err)
}

func TestUserList(t *testing.T) {
	_, addr := startServer(t, Options{AuthStore: newStore(t, "alice", "bob")})

	alice := connect(t, addr, "alice")
	_ = connect(t, addr, "bob")

	require.NoError(t, alice.SendSubframe(
		protocol.NewSubframe(protocol.SubtypeUserListReq, 1, nil)))

	f, err := alice.ReadSubframe(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.SubtypeUserListResp, f.Subtype)

	list, err := protocol.DecodeUserList(f.Body)
	require.NoError(t, err)
	require.Len(t, list.Users, 2)

	names := map[string]bool{}
	for _, u := range list.Users {
		names[u.DisplayName] = true
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestUnicast(t *testing.T) {
	s, addr := startServer(t, Options{AuthStore: newStore(t, "alice", "bob")})

	_ = connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	// 等待两条会话注册完成。
	require.Eventually(t, func() bool {
		return s.Router().Count() == 2
	}, time.Second, 10*time.Millisecond)

	var bobID uint64
	for _, p := range s.Router().Snapshot() {
		if p.Principal().DisplayName == "bob" {
			bobID = p.ID()
		}
	}
	require.NotZero(t, bobID)

	res := s.Router().Unicast(bobID, protocol.NewSubframe(protocol.SubtypeText, 1, []byte("direct")))
	assert.Equal(t, router.Enqueued, res)

	f, err := bob.ReadSubframe(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), f.Body)

	assert.Equal(t, router.NoSuchPeer,
		s.Router().Unicast(99999, protocol.NewSubframe(protocol.SubtypeText, 1, []byte("nobody"))))
}

func TestInvalidLoginThroughStack(t *testing.T) {
	_, addr := startServer(t, Options{AuthStore: newStore(t, "alice")})

	client, err := chatclient.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Handshake())
	resp, err := client.Authenticate(protocol.AuthRequest{Username: "alice", Password: "wrong"})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "invalid_credentials", resp.Error)

	reason, err := client.ReadClose(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseReasonAuth, reason)
}

func TestGracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Server.GracefulShutdownSec = 5

	s, err := New(Options{Config: cfg, AuthStore: newStore(t, "alice", "bob"), Listener: ln})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()

	addr := s.Addr().String()
	alice := connect(t, addr, "alice")
	bob := connect(t, addr, "bob")

	cancel()

	// 每条 Ready 会话都收到 reason 为 server 的 Close 记录。
	for _, c := range []*chatclient.Client{alice, bob} {
		reason, rerr := c.ReadClose(5 * time.Second)
		require.NoError(t, rerr)
		assert.Equal(t, protocol.CloseReasonServer, reason)
	}

	select {
	case serr := <-done:
		assert.NoError(t, serr)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down in time")
	}

	// 停机后监听器不再接受连接。
	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestMaxConnectionsRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.MaxConnections = 1

	_, addr := startServer(t, Options{Config: cfg, AuthStore: newStore(t, "alice")})

	// 第一条连接占满配额。
	_ = connect(t, addr, "alice")

	second, err := chatclient.Dial(addr)
	require.NoError(t, err)
	t.Cleanup(second.Close)

	reason, err := second.ReadClose(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseReasonServer, reason)
}

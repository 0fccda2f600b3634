package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// handshakePair 完成一次完整握手，返回已建立密钥的服务器/客户端会话。
func handshakePair(t *testing.T) (*Session, *Session) {
	t.Helper()

	server := New(Options{})
	client := New(Options{})

	serverHello, err := server.Hello()
	require.NoError(t, err)

	clientHello, err := client.ClientHello(serverHello)
	require.NoError(t, err)

	require.NoError(t, server.AcceptHello(clientHello))
	require.True(t, server.Established())
	require.True(t, client.Established())

	// 双方独立派生出的完成标记必须一致。
	finish, err := server.Finish()
	require.NoError(t, err)
	require.NoError(t, client.VerifyFinish(finish))

	return server, client
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	server, client := handshakePair(t)

	body, err := server.EncryptRecord([]byte("hello"))
	require.NoError(t, err)

	plaintext, err := client.DecryptRecord(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	// 反方向同样成立。
	body, err = client.EncryptRecord([]byte("world"))
	require.NoError(t, err)
	plaintext, err = server.DecryptRecord(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), plaintext)
}

func TestHandshakeRequiresContribution(t *testing.T) {
	server := New(Options{})
	hello, err := server.Hello()
	require.NoError(t, err)

	// 不携带贡献的客户端 Hello 必须被拒绝。
	err = server.AcceptHello(hello)
	assert.ErrorIs(t, err, merr.ErrCryptoHandshake)
}

func TestEncryptBeforeHandshake(t *testing.T) {
	s := New(Options{})
	_, err := s.EncryptRecord([]byte("x"))
	assert.ErrorIs(t, err, merr.ErrCryptoNotReady)
	_, err = s.DecryptRecord([]byte("x"))
	assert.ErrorIs(t, err, merr.ErrCryptoNotReady)
}

func TestSequenceMonotonic(t *testing.T) {
	server, _ := handshakePair(t)

	require.Zero(t, server.SendSeq())
	for i := uint64(1); i <= 5; i++ {
		_, err := server.EncryptRecord([]byte("m"))
		require.NoError(t, err)
		assert.Equal(t, i, server.SendSeq())
	}
}

func TestReplayRejected(t *testing.T) {
	server, client := handshakePair(t)

	body, err := server.EncryptRecord([]byte("once"))
	require.NoError(t, err)

	_, err = client.DecryptRecord(body)
	require.NoError(t, err)

	// 重放已接受的记录。
	_, err = client.DecryptRecord(body)
	assert.ErrorIs(t, err, merr.ErrCryptoReplay)
}

func TestOutOfOrderLowSeqRejected(t *testing.T) {
	server, client := handshakePair(t)

	first, err := server.EncryptRecord([]byte("one"))
	require.NoError(t, err)
	second, err := server.EncryptRecord([]byte("two"))
	require.NoError(t, err)

	// 先接受高序号，再收到低序号时按重放拒绝。
	_, err = client.DecryptRecord(second)
	require.NoError(t, err)
	_, err = client.DecryptRecord(first)
	assert.ErrorIs(t, err, merr.ErrCryptoReplay)
}

func TestTamperRejected(t *testing.T) {
	server, client := handshakePair(t)

	body, err := server.EncryptRecord([]byte("integrity"))
	require.NoError(t, err)

	// 翻转记录体各区域的一个比特，均应触发完整性错误。
	for _, offset := range []int{0, 7, 8, 19, len(body) / 2, len(body) - 1} {
		tampered := append([]byte(nil), body...)
		tampered[offset] ^= 0x01

		_, err := client.DecryptRecord(tampered)
		assert.ErrorIs(t, err, merr.ErrCryptoIntegrity, "offset %d", offset)
	}

	// 原始记录仍然有效。
	plaintext, err := client.DecryptRecord(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("integrity"), plaintext)
}

func TestRekeyContinuity(t *testing.T) {
	server, client := handshakePair(t)

	// 换钥前的在途记录。
	inflight, err := server.EncryptRecord([]byte("inflight"))
	require.NoError(t, err)

	rekeyHello, err := server.BeginRekey()
	require.NoError(t, err)
	resp, err := client.RespondRekey(rekeyHello)
	require.NoError(t, err)
	require.NoError(t, server.CompleteRekey(resp))

	// 双方序号清零。
	assert.Zero(t, server.SendSeq())
	assert.Zero(t, client.SendSeq())

	// 新密钥首条记录到达前，旧密钥下的在途记录仍可解密。
	plaintext, err := client.DecryptRecord(inflight)
	require.NoError(t, err)
	assert.Equal(t, []byte("inflight"), plaintext)

	oldClientCodec := client.prev
	oldServerCodec := server.prev
	require.NotNil(t, oldClientCodec)
	require.NotNil(t, oldServerCodec)

	// 新密钥下的记录正常收发；服务器侧首次加密即销毁旧密钥。
	body, err := server.EncryptRecord([]byte("post-rekey"))
	require.NoError(t, err)
	assert.Nil(t, server.prev)
	assert.True(t, allZero(oldServerCodec.encKey))
	assert.True(t, allZero(oldServerCodec.macKey))

	plaintext, err = client.DecryptRecord(body)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-rekey"), plaintext)

	// 新密钥首条记录被接受后，接收方的旧密钥立即销毁。
	assert.Nil(t, client.prev)
	assert.True(t, allZero(oldClientCodec.encKey))
	assert.True(t, allZero(oldClientCodec.macKey))
}

func TestNeedRekeyByClock(t *testing.T) {
	current := time.Unix(1700000000, 0)
	clock := func() time.Time { return current }

	server := New(Options{Clock: clock})
	client := New(Options{})

	hello, err := server.Hello()
	require.NoError(t, err)
	clientHello, err := client.ClientHello(hello)
	require.NoError(t, err)
	require.NoError(t, server.AcceptHello(clientHello))

	rotation := 30 * time.Minute
	assert.False(t, server.NeedRekey(rotation))

	current = current.Add(rotation + time.Second)
	assert.True(t, server.NeedRekey(rotation))

	// 换钥进行中不重复触发。
	_, err = server.BeginRekey()
	require.NoError(t, err)
	assert.False(t, server.NeedRekey(rotation))
}

func TestNeedRekeyBySequenceFloor(t *testing.T) {
	server, _ := handshakePair(t)

	server.mu.Lock()
	server.sendSeq = seqRekeyFloor
	server.mu.Unlock()

	assert.True(t, server.NeedRekey(time.Hour))
}

func TestCloseZeroizesKeys(t *testing.T) {
	server, client := handshakePair(t)

	serverCodec := server.codec
	clientCodec := client.codec
	require.False(t, allZero(serverCodec.encKey))

	server.Close()
	client.Close()

	assert.True(t, allZero(serverCodec.encKey))
	assert.True(t, allZero(serverCodec.macKey))
	assert.True(t, allZero(clientCodec.encKey))
	assert.True(t, allZero(clientCodec.macKey))

	assert.False(t, server.Established())
	_, err := server.EncryptRecord([]byte("x"))
	assert.Error(t, err)

	// Close 幂等。
	server.Close()
}

func allZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

package crypto

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// seqRekeyFloor 为发送序号的换钥下限：
// 序号达到 2^48 时强制发起换钥，远早于 nonce/计数器耗尽。
const seqRekeyFloor = uint64(1) << 48

// contributionSize 为客户端密钥贡献的长度。
const contributionSize = 32

var curve = ecdh.X25519()

// Options 用于构造 Session 的依赖注入参数。
type Options struct {
	// Random 为密码学随机源；为 nil 时使用 crypto/rand.Reader。
	Random io.Reader

	// Clock 为时间源，可在测试中注入；为 nil 时使用 time.Now。
	Clock func() time.Time
}

type role int

const (
	roleServer role = iota
	roleClient
)

// Session 维护单条连接的密码学状态：
// 临时密钥对、记录加密密钥、收发序号以及换钥进度。
//
// 握手流程（服务器视角）：
//  1. Hello() 生成临时 X25519 密钥对，公钥以 HandshakeHello 记录发出；
//  2. AcceptHello() 接收客户端公钥与密封的密钥贡献，派生会话密钥；
//  3. Finish() 生成 MAC 覆盖的握手完成标记。
//
// 密钥派生绑定双方公钥与贡献：
//
//	salt   = SHA-256(serverPubDER || clientPubDER)
//	secret = X25519(local, peer) || contribution
//	HKDF-SHA256(secret, salt, "chat session keys") -> session_key(32B) || mac_key(32B)
//
// 并发约定：单条会话上的所有操作由其所属连接串行调用；
// NeedRekey 可能由维护协程并发读取，因此内部仍以互斥锁保护。
type Session struct {
	mu sync.Mutex

	rand io.Reader
	now  func() time.Time

	role role

	local    *ecdh.PrivateKey
	localDER []byte
	peerDER  []byte

	codec *recordCodec

	// prev 为换钥后暂存的旧密钥：
	// 在新密钥下首条记录成功加密之前，仍可用旧密钥解密在途记录。
	prev          *recordCodec
	prevHighwater uint64

	sendSeq       uint64
	recvHighwater uint64

	installedAt time.Time

	// pending 为换钥发起方暂存的新密钥对，等待对端响应。
	pending    *ecdh.PrivateKey
	pendingDER []byte

	established bool
	closed      bool
}

// New 创建一个尚未握手的密码学会话。
func New(opts Options) *Session {
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Session{
		rand: opts.Random,
		now:  opts.Clock,
	}
}

// Hello 生成服务器侧的临时密钥对并返回握手 Hello。
func (s *Session) Hello() (protocol.Hello, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.Hello{}, merr.ErrSessionClosed
	}

	s.role = roleServer
	if err := s.generateLocked(); err != nil {
		return protocol.Hello{}, err
	}
	return protocol.Hello{PublicKeyDER: s.localDER}, nil
}

// AcceptHello 处理客户端的 Hello：安装对端公钥、解封贡献并派生会话密钥。
func (s *Session) AcceptHello(h protocol.Hello) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return merr.ErrSessionClosed
	}
	if s.local == nil {
		return merr.WrapErrCryptoHandshake("local keypair not generated")
	}
	if len(h.Sealed) == 0 {
		return merr.WrapErrCryptoHandshake("client hello carries no contribution")
	}

	peer, err := parsePeerKey(h.PublicKeyDER)
	if err != nil {
		return err
	}
	shared, err := s.local.ECDH(peer)
	if err != nil {
		return merr.WrapErrCryptoHandshake("derive shared secret: " + err.Error())
	}
	defer zeroBytes(shared)

	contribution, err := openContribution(shared, h.Sealed)
	if err != nil {
		return err
	}
	defer zeroBytes(contribution)

	s.peerDER = append([]byte(nil), h.PublicKeyDER...)
	return s.installLocked(shared, contribution)
}

// ClientHello 处理服务器的 Hello 并生成客户端响应：
// 新密钥对、随机贡献（密封在共享密钥下）以及派生后的会话密钥。
//
// 主要供测试与内置客户端使用；服务器核心不会调用。
func (s *Session) ClientHello(server protocol.Hello) (protocol.Hello, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.Hello{}, merr.ErrSessionClosed
	}

	s.role = roleClient
	if err := s.generateLocked(); err != nil {
		return protocol.Hello{}, err
	}

	peer, err := parsePeerKey(server.PublicKeyDER)
	if err != nil {
		return protocol.Hello{}, err
	}
	shared, err := s.local.ECDH(peer)
	if err != nil {
		return protocol.Hello{}, merr.WrapErrCryptoHandshake("derive shared secret: " + err.Error())
	}
	defer zeroBytes(shared)

	contribution := make([]byte, contributionSize)
	if _, err := io.ReadFull(s.rand, contribution); err != nil {
		return protocol.Hello{}, err
	}
	defer zeroBytes(contribution)

	sealed, err := sealContribution(shared, contribution, s.rand)
	if err != nil {
		return protocol.Hello{}, err
	}

	s.peerDER = append([]byte(nil), server.PublicKeyDER...)
	if err := s.installLocked(shared, contribution); err != nil {
		return protocol.Hello{}, err
	}

	return protocol.Hello{PublicKeyDER: s.localDER, Sealed: sealed}, nil
}

// Finish 生成握手完成标记：HMAC-SHA256(mac_key, "handshake-finish" || serverPub || clientPub)。
func (s *Session) Finish() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return nil, merr.ErrCryptoNotReady
	}
	return s.finishMACLocked(), nil
}

// VerifyFinish 校验对端发来的握手完成标记。
func (s *Session) VerifyFinish(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return merr.ErrCryptoNotReady
	}
	if !hmac.Equal(s.finishMACLocked(), body) {
		return merr.WrapErrCryptoIntegrity("handshake finish mac mismatch")
	}
	return nil
}

// EncryptRecord 将明文封装为 CipherFrame 记录体。
//
// 每次调用严格递增发送序号；换钥后的首次成功加密会立即销毁旧密钥。
func (s *Session) EncryptRecord(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return nil, merr.ErrCryptoNotReady
	}

	body, err := s.codec.seal(s.sendSeq+1, plaintext)
	if err != nil {
		return nil, err
	}
	s.sendSeq++

	// 新密钥已投入使用，被替换的密钥立即销毁。
	if s.prev != nil {
		s.prev.zero()
		s.prev = nil
	}
	return body, nil
}

// DecryptRecord 验证并解开 CipherFrame 记录体。
//
// 行为：
//   - 签名或解密失败返回 merr.ErrCryptoIntegrity；
//   - 序号不高于已接受的最高序号时返回 merr.ErrCryptoReplay；
//   - 换钥后、新密钥首条记录到达前，仍接受旧密钥下的在途记录。
func (s *Session) DecryptRecord(body []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return nil, merr.ErrCryptoNotReady
	}

	seq, plaintext, err := s.codec.open(body)
	if err == nil {
		if seq <= s.recvHighwater {
			return nil, merr.WrapErrCryptoReplay(seq, s.recvHighwater)
		}
		s.recvHighwater = seq
		// 对端已切换到新密钥，旧密钥不再需要。
		if s.prev != nil {
			s.prev.zero()
			s.prev = nil
		}
		return plaintext, nil
	}

	if s.prev != nil {
		seq, plaintext, perr := s.prev.open(body)
		if perr == nil {
			if seq <= s.prevHighwater {
				return nil, merr.WrapErrCryptoReplay(seq, s.prevHighwater)
			}
			s.prevHighwater = seq
			return plaintext, nil
		}
	}
	return nil, err
}

// NeedRekey 判断是否应当发起换钥。
//
// 触发条件：距上次安装超过 rotation，或发送序号到达 2^48 下限。
func (s *Session) NeedRekey(rotation time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established || s.pending != nil {
		return false
	}
	if s.sendSeq >= seqRekeyFloor {
		return true
	}
	return rotation > 0 && s.now().Sub(s.installedAt) >= rotation
}

// BeginRekey 发起换钥：生成新密钥对并返回 Rekey Hello。
//
// 旧密钥在对端响应前继续使用；CompleteRekey 完成安装。
func (s *Session) BeginRekey() (protocol.Hello, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return protocol.Hello{}, merr.ErrCryptoNotReady
	}
	if s.pending != nil {
		return protocol.Hello{}, merr.WrapErrCryptoHandshake("rekey already in flight")
	}

	key, der, err := generateKey(s.rand)
	if err != nil {
		return protocol.Hello{}, err
	}
	s.pending = key
	s.pendingDER = der
	return protocol.Hello{PublicKeyDER: der}, nil
}

// RespondRekey 处理对端发起的换钥：生成新密钥对与贡献并立即安装新密钥。
func (s *Session) RespondRekey(peer protocol.Hello) (protocol.Hello, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.established {
		return protocol.Hello{}, merr.ErrCryptoNotReady
	}

	peerKey, err := parsePeerKey(peer.PublicKeyDER)
	if err != nil {
		return protocol.Hello{}, err
	}

	key, der, err := generateKey(s.rand)
	if err != nil {
		return protocol.Hello{}, err
	}

	shared, err := key.ECDH(peerKey)
	if err != nil {
		return protocol.Hello{}, merr.WrapErrCryptoHandshake("derive shared secret: " + err.Error())
	}
	defer zeroBytes(shared)

	contribution := make([]byte, contributionSize)
	if _, err := io.ReadFull(s.rand, contribution); err != nil {
		return protocol.Hello{}, err
	}
	defer zeroBytes(contribution)

	sealed, err := sealContribution(shared, contribution, s.rand)
	if err != nil {
		return protocol.Hello{}, err
	}

	s.local = key
	s.localDER = der
	s.peerDER = append([]byte(nil), peer.PublicKeyDER...)
	if err := s.installLocked(shared, contribution); err != nil {
		return protocol.Hello{}, err
	}

	return protocol.Hello{PublicKeyDER: der, Sealed: sealed}, nil
}

// CompleteRekey 以对端的换钥响应完成安装。
func (s *Session) CompleteRekey(peer protocol.Hello) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return merr.WrapErrCryptoHandshake("no rekey in flight")
	}
	if len(peer.Sealed) == 0 {
		return merr.WrapErrCryptoHandshake("rekey response carries no contribution")
	}

	peerKey, err := parsePeerKey(peer.PublicKeyDER)
	if err != nil {
		return err
	}
	shared, err := s.pending.ECDH(peerKey)
	if err != nil {
		return merr.WrapErrCryptoHandshake("derive shared secret: " + err.Error())
	}
	defer zeroBytes(shared)

	contribution, err := openContribution(shared, peer.Sealed)
	if err != nil {
		return err
	}
	defer zeroBytes(contribution)

	s.local = s.pending
	s.localDER = s.pendingDER
	s.pending = nil
	s.pendingDER = nil
	s.peerDER = append([]byte(nil), peer.PublicKeyDER...)
	return s.installLocked(shared, contribution)
}

// Established 返回会话密钥是否已派生完成。
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

// InstalledAt 返回当前密钥的安装时间。
func (s *Session) InstalledAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installedAt
}

// SendSeq 返回已发出的最后一条记录序号。
func (s *Session) SendSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSeq
}

// Close 销毁全部密钥材料。幂等。
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.established = false

	if s.codec != nil {
		s.codec.zero()
		s.codec = nil
	}
	if s.prev != nil {
		s.prev.zero()
		s.prev = nil
	}
	s.local = nil
	s.pending = nil
}

// generateLocked 生成本端临时密钥对。
func (s *Session) generateLocked() error {
	key, der, err := generateKey(s.rand)
	if err != nil {
		return err
	}
	s.local = key
	s.localDER = der
	return nil
}

// installLocked 从共享密钥与贡献派生并安装新的记录密钥。
//
// 旧密钥（若有）转入 prev，等待新密钥首次使用后销毁；
// 收发序号清零，安装时间更新。
func (s *Session) installLocked(shared, contribution []byte) error {
	serverDER, clientDER := s.localDER, s.peerDER
	if s.role == roleClient {
		serverDER, clientDER = s.peerDER, s.localDER
	}

	salt := sha256.New()
	salt.Write(serverDER)
	salt.Write(clientDER)

	secret := make([]byte, 0, len(shared)+len(contribution))
	secret = append(secret, shared...)
	secret = append(secret, contribution...)
	defer zeroBytes(secret)

	keys := make([]byte, 2*aes256KeySizeBytes)
	kdf := hkdf.New(sha256.New, secret, salt.Sum(nil), []byte("chat session keys"))
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return merr.WrapErrCryptoHandshake("hkdf expand: " + err.Error())
	}
	defer zeroBytes(keys)

	codec, err := newRecordCodec(keys[:aes256KeySizeBytes], keys[aes256KeySizeBytes:], s.rand)
	if err != nil {
		return err
	}

	if s.codec != nil {
		if s.prev != nil {
			s.prev.zero()
		}
		s.prev = s.codec
		s.prevHighwater = s.recvHighwater
	}
	s.codec = codec
	s.sendSeq = 0
	s.recvHighwater = 0
	s.installedAt = s.now()
	s.established = true
	return nil
}

func (s *Session) finishMACLocked() []byte {
	serverDER, clientDER := s.localDER, s.peerDER
	if s.role == roleClient {
		serverDER, clientDER = s.peerDER, s.localDER
	}

	m := hmac.New(sha256.New, s.codec.macKey)
	_, _ = m.Write([]byte("handshake-finish"))
	_, _ = m.Write(serverDER)
	_, _ = m.Write(clientDER)
	return m.Sum(nil)
}

func generateKey(r io.Reader) (*ecdh.PrivateKey, []byte, error) {
	key, err := curve.GenerateKey(r)
	if err != nil {
		return nil, nil, merr.WrapErrCryptoHandshake("generate x25519 key: " + err.Error())
	}
	der, err := x509.MarshalPKIXPublicKey(key.PublicKey())
	if err != nil {
		return nil, nil, merr.WrapErrCryptoHandshake("marshal public key: " + err.Error())
	}
	return key, der, nil
}

func parsePeerKey(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, merr.WrapErrCryptoHandshake("parse peer public key: " + err.Error())
	}
	key, ok := parsed.(*ecdh.PublicKey)
	if !ok || key.Curve() != curve {
		return nil, merr.WrapErrCryptoHandshake("peer public key is not x25519")
	}
	return key, nil
}

// sealContribution 将密钥贡献密封在共享密钥派生的一次性密钥下。
// 输出布局：nonce(12B) || ciphertext。
func sealContribution(shared, contribution []byte, r io.Reader) ([]byte, error) {
	codec, err := contributionCodec(shared, r)
	if err != nil {
		return nil, err
	}
	defer codec.zero()

	out := make([]byte, NonceSize, NonceSize+len(contribution)+codec.aead.Overhead())
	if _, err := io.ReadFull(r, out[:NonceSize]); err != nil {
		return nil, err
	}
	return codec.aead.Seal(out, out[:NonceSize], contribution, nil), nil
}

// openContribution 解封客户端的密钥贡献。
func openContribution(shared, sealed []byte) ([]byte, error) {
	codec, err := contributionCodec(shared, nil)
	if err != nil {
		return nil, err
	}
	defer codec.zero()

	if len(sealed) < NonceSize+codec.aead.Overhead() {
		return nil, merr.WrapErrCryptoHandshake("sealed contribution too short")
	}
	contribution, err := codec.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, merr.WrapErrCryptoHandshake("open contribution failed")
	}
	return contribution, nil
}

func contributionCodec(shared []byte, r io.Reader) (*recordCodec, error) {
	key := make([]byte, aes256KeySizeBytes)
	kdf := hkdf.New(sha256.New, shared, nil, []byte("hello-contribution"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, merr.WrapErrCryptoHandshake("hkdf expand: " + err.Error())
	}
	defer zeroBytes(key)

	mac := make([]byte, aes256KeySizeBytes)
	copy(mac, key)
	defer zeroBytes(mac)

	return newRecordCodec(key, mac, r)
}

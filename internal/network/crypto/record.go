package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

const (
	aes256KeySizeBytes = 32

	// NonceSize 为 AES‑GCM 的 96 位随机 nonce 长度。
	NonceSize = 12

	// macSize 为外层 HMAC‑SHA256 签名长度。
	macSize = sha256.Size

	seqSize = 8

	// recordOverhead 为 CipherFrame 记录体中除密文外的固定开销。
	recordOverhead = seqSize + NonceSize + macSize
)

// recordCodec 实现加密记录的封装与解析：
//   - 对称加密：AES‑256‑GCM（AEAD，提供机密性 + 完整性）
//   - 消息签名：HMAC‑SHA256（对序号、nonce 和密文再做一层签名）
//
// 记录体格式：seq(8B BE) || nonce(12B) || ciphertext || mac(32B)
//   - seq       ：单调递增的记录序号，同时作为 AEAD 的关联数据
//   - nonce     ：每条记录独立的随机数，同一密钥下不重复
//   - ciphertext：AES‑GCM 加密后的密文（包含 GCM tag）
//   - mac       ：HMAC‑SHA256(seq || nonce || ciphertext)
type recordCodec struct {
	aead cipher.AEAD

	// 原始密钥字节单独持有，便于销毁时显式清零。
	encKey []byte
	macKey []byte

	rand io.Reader
}

// newRecordCodec 使用 AES‑256‑GCM + HMAC‑SHA256 创建记录编解码器。
//
// encKey 长度必须为 32 字节（AES‑256），macKey 为 32 字节的 HMAC 密钥。
// 传入的密钥会被拷贝，调用方可以立即清零自己的副本。
func newRecordCodec(encKey, macKey []byte, rand io.Reader) (*recordCodec, error) {
	if len(encKey) != aes256KeySizeBytes {
		return nil, merr.WrapErrCryptoHandshake("encKey must be 32 bytes for AES-256-GCM")
	}
	if len(macKey) != aes256KeySizeBytes {
		return nil, merr.WrapErrCryptoHandshake("macKey must be 32 bytes for HMAC-SHA256")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &recordCodec{
		aead:   aead,
		encKey: append([]byte(nil), encKey...),
		macKey: append([]byte(nil), macKey...),
		rand:   rand,
	}, nil
}

// seal 将明文封装为一条记录体。
func (c *recordCodec) seal(seq uint64, plaintext []byte) ([]byte, error) {
	out := make([]byte, seqSize+NonceSize, recordOverhead+len(plaintext)+c.aead.Overhead())
	binary.BigEndian.PutUint64(out[:seqSize], seq)

	nonce := out[seqSize : seqSize+NonceSize]
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, err
	}

	out = c.aead.Seal(out, nonce, plaintext, out[:seqSize])

	m := hmac.New(sha256.New, c.macKey)
	_, _ = m.Write(out)
	return m.Sum(out), nil
}

// open 验证并解开一条记录体，返回其序号与明文。
//
// 任何结构、签名或解密失败均返回 merr.ErrCryptoIntegrity；
// 序号校验由调用方（Session）负责。
func (c *recordCodec) open(body []byte) (uint64, []byte, error) {
	if len(body) < recordOverhead+c.aead.Overhead() {
		return 0, nil, merr.WrapErrCryptoIntegrity("record too short")
	}

	macOffset := len(body) - macSize
	m := hmac.New(sha256.New, c.macKey)
	_, _ = m.Write(body[:macOffset])
	if !hmac.Equal(m.Sum(nil), body[macOffset:]) {
		return 0, nil, merr.WrapErrCryptoIntegrity("mac mismatch")
	}

	seq := binary.BigEndian.Uint64(body[:seqSize])
	nonce := body[seqSize : seqSize+NonceSize]
	ciphertext := body[seqSize+NonceSize : macOffset]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, body[:seqSize])
	if err != nil {
		return 0, nil, merr.WrapErrCryptoIntegrity("aead open failed")
	}
	return seq, plaintext, nil
}

// zero 清除密钥材料。
//
// AES 轮密钥等派生状态由运行时管理，无法显式覆盖；
// 此处保证原始密钥字节在释放前全部归零。
func (c *recordCodec) zero() {
	zeroBytes(c.encKey)
	zeroBytes(c.macKey)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

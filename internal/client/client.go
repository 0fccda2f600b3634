// Package client 实现线上协议的最小参考客户端。
//
// 供端到端测试、示例程序与运维排查使用；
// 桌面客户端等完整实现不属于本仓库。
package client

import (
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/chat-garden-go/internal/network/crypto"
	"github.com/lk2023060901/chat-garden-go/internal/network/framer"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
)

// Client 为实现了完整线上协议的最小客户端。
//
// 串行使用：所有方法都必须在同一个测试协程中调用。
type Client struct {
	Conn   net.Conn
	Crypto *crypto.Session

	fr      *framer.Framer
	buf     []byte
	pending [][]byte
}

// Dial 连接到指定地址并返回客户端。
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient 在已有连接上创建客户端。
func NewClient(conn net.Conn) *Client {
	return &Client{
		Conn:   conn,
		Crypto: crypto.New(crypto.Options{}),
		fr:     framer.New(0),
	}
}

// Close 关闭底层连接并销毁密钥。
func (c *Client) Close() {
	_ = c.Conn.Close()
	c.Crypto.Close()
}

// WriteRecord 将一条记录载荷组帧发出。
func (c *Client) WriteRecord(payload []byte) error {
	return c.fr.WriteFrame(c.Conn, payload)
}

// WriteKeepalive 发出一个零长保活帧。
func (c *Client) WriteKeepalive() error {
	return c.fr.WriteFrame(c.Conn, nil)
}

// ReadRecord 读取下一条记录；零长帧返回 TagKeepalive。
func (c *Client) ReadRecord(timeout time.Duration) (protocol.Tag, []byte, error) {
	payload, err := c.readFrame(timeout)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) == 0 {
		return protocol.TagKeepalive, nil, nil
	}
	return protocol.DecodeRecord(payload)
}

// readFrame 返回下一帧载荷，必要时从连接补充数据。
func (c *Client) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 32*1024)

	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			return payload, nil
		}

		if err := c.Conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.Conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			payloads, consumed, serr := c.fr.Split(c.buf)
			if serr != nil {
				return nil, serr
			}
			for _, p := range payloads {
				c.pending = append(c.pending, append([]byte(nil), p...))
			}
			c.buf = append(c.buf[:0], c.buf[consumed:]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// Handshake 执行客户端侧握手：
// 接收服务器 Hello，回送客户端 Hello，校验完成标记。
func (c *Client) Handshake() error {
	tag, body, err := c.ReadRecord(5 * time.Second)
	if err != nil {
		return err
	}
	if tag != protocol.TagHandshakeHello {
		return errors.Newf("expected handshake hello, got %s", tag)
	}

	serverHello, err := protocol.DecodeHello(body)
	if err != nil {
		return err
	}
	clientHello, err := c.Crypto.ClientHello(serverHello)
	if err != nil {
		return err
	}
	if err := c.WriteRecord(protocol.EncodeRecord(protocol.TagHandshakeHello, protocol.EncodeHello(clientHello))); err != nil {
		return err
	}

	tag, body, err = c.ReadRecord(5 * time.Second)
	if err != nil {
		return err
	}
	if tag != protocol.TagHandshakeFinish {
		return errors.Newf("expected handshake finish, got %s", tag)
	}
	return c.Crypto.VerifyFinish(body)
}

// Authenticate 发送认证请求并返回服务器响应。
func (c *Client) Authenticate(req protocol.AuthRequest) (protocol.AuthResponse, error) {
	payload, err := protocol.EncodeAuthRequest(req)
	if err != nil {
		return protocol.AuthResponse{}, err
	}
	if err := c.WriteRecord(payload); err != nil {
		return protocol.AuthResponse{}, err
	}

	tag, body, err := c.ReadRecord(5 * time.Second)
	if err != nil {
		return protocol.AuthResponse{}, err
	}
	if tag != protocol.TagAuthResponse {
		return protocol.AuthResponse{}, errors.Newf("expected auth response, got %s", tag)
	}
	return protocol.DecodeAuthResponse(body)
}

// Login 为握手 + 认证的快捷方式，认证失败时返回错误。
func (c *Client) Login(req protocol.AuthRequest) (protocol.AuthResponse, error) {
	if err := c.Handshake(); err != nil {
		return protocol.AuthResponse{}, err
	}
	resp, err := c.Authenticate(req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, errors.Newf("authentication rejected: %s", resp.Error)
	}
	return resp, nil
}

// SendSubframe 加密并发出一条聊天子帧。
func (c *Client) SendSubframe(f protocol.Subframe) error {
	plaintext, err := protocol.EncodeSubframe(f)
	if err != nil {
		return err
	}
	body, err := c.Crypto.EncryptRecord(plaintext)
	if err != nil {
		return err
	}
	return c.WriteRecord(protocol.EncodeRecord(protocol.TagCipherFrame, body))
}

// SendCipherBody 原样发出一条 CipherFrame 记录体（用于重放/篡改测试）。
func (c *Client) SendCipherBody(body []byte) error {
	return c.WriteRecord(protocol.EncodeRecord(protocol.TagCipherFrame, body))
}

// ReadSubframe 读取并解开下一条聊天子帧。
//
// 途中遇到服务器发起的换钥记录会自动完成响应；
// 收到 Close 记录时返回错误，错误信息携带原因类别。
func (c *Client) ReadSubframe(timeout time.Duration) (protocol.Subframe, error) {
	deadline := time.Now().Add(timeout)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return protocol.Subframe{}, errors.New("timed out waiting for subframe")
		}

		tag, body, err := c.ReadRecord(remain)
		if err != nil {
			return protocol.Subframe{}, err
		}

		switch tag {
		case protocol.TagCipherFrame:
			plaintext, err := c.Crypto.DecryptRecord(body)
			if err != nil {
				return protocol.Subframe{}, err
			}
			return protocol.DecodeSubframe(plaintext)

		case protocol.TagRekey:
			if err := c.HandleRekey(body); err != nil {
				return protocol.Subframe{}, err
			}

		case protocol.TagKeepalive:

		case protocol.TagClose:
			reason, detail, _ := protocol.DecodeClose(body)
			return protocol.Subframe{}, errors.Newf("connection closed: %s (%s)", reason, detail)

		default:
			return protocol.Subframe{}, errors.Newf("unexpected record %s", tag)
		}
	}
}

// ReadClose 等待服务器的 Close 记录并返回原因。
func (c *Client) ReadClose(timeout time.Duration) (protocol.CloseReason, error) {
	deadline := time.Now().Add(timeout)

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, errors.New("timed out waiting for close record")
		}

		tag, body, err := c.ReadRecord(remain)
		if err != nil {
			return 0, err
		}
		if tag != protocol.TagClose {
			continue
		}
		reason, _, err := protocol.DecodeClose(body)
		return reason, err
	}
}

// HandleRekey 响应服务器发起的换钥子交换。
func (c *Client) HandleRekey(body []byte) error {
	hello, err := protocol.DecodeHello(body)
	if err != nil {
		return err
	}
	resp, err := c.Crypto.RespondRekey(hello)
	if err != nil {
		return err
	}
	return c.WriteRecord(protocol.EncodeRecord(protocol.TagRekey, protocol.EncodeHello(resp)))
}

// SendClose 发出一条 Close 记录（登出）。
func (c *Client) SendClose(reason protocol.CloseReason, detail string) error {
	return c.WriteRecord(protocol.EncodeClose(reason, detail))
}

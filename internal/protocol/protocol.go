// Package protocol 定义聊天服务的应用层线上格式。
//
// 约定：
//   - Framer 负责帧边界（4 字节大端长度前缀），本包只处理帧内载荷；
//   - 一条记录的格式为：1 字节类型标签 + 类型相关的记录体；
//   - 长度为 0 的帧是保活 NOOP，没有标签，不经过本包。
package protocol

import (
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chat-garden-go/pkg/util/typeutil"
)

// Tag 表示一条记录的类型标签。
type Tag byte

const (
	// TagHandshakeHello 承载握手公钥材料（DER 编码），
	// 客户端的 Hello 还携带密封的密钥贡献。
	TagHandshakeHello Tag = 0x01

	// TagHandshakeFinish 为 MAC 覆盖的握手完成标记。
	TagHandshakeFinish Tag = 0x02

	// TagAuthRequest 承载 JSON 凭证（密码或 bearer token）。
	TagAuthRequest Tag = 0x03

	// TagAuthResponse 承载认证结果（主体信息或错误码）。
	TagAuthResponse Tag = 0x04

	// TagCipherFrame 为加密记录：seq(8B BE) + nonce(12B) + 密文 + mac(32B)。
	TagCipherFrame Tag = 0x10

	// TagKeepalive 为显式保活记录（记录体为空）。
	TagKeepalive Tag = 0x20

	// TagRekey 为换钥子交换记录，记录体与 HandshakeHello 相同。
	TagRekey Tag = 0x30

	// TagClose 为关闭通知：1 字节原因码 + 可选 UTF-8 描述。
	TagClose Tag = 0xFF
)

// String 返回标签的可读名称，用于日志与错误信息。
func (t Tag) String() string {
	switch t {
	case TagHandshakeHello:
		return "handshake_hello"
	case TagHandshakeFinish:
		return "handshake_finish"
	case TagAuthRequest:
		return "auth_request"
	case TagAuthResponse:
		return "auth_response"
	case TagCipherFrame:
		return "cipher_frame"
	case TagKeepalive:
		return "keepalive"
	case TagRekey:
		return "rekey"
	case TagClose:
		return "close"
	default:
		return "unknown"
	}
}

// validTags 为当前协议识别的全部标签集合。
var validTags = typeutil.NewSet(
	TagHandshakeHello,
	TagHandshakeFinish,
	TagAuthRequest,
	TagAuthResponse,
	TagCipherFrame,
	TagKeepalive,
	TagRekey,
	TagClose,
)

// EncodeRecord 将标签与记录体拼装为一条完整记录。
func EncodeRecord(tag Tag, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(tag))
	out = append(out, body...)
	return out
}

// DecodeRecord 解析一条记录，返回标签与记录体。
//
// 未知标签返回 merr.ErrProtocolBadTag；空载荷返回 merr.ErrProtocolTruncated。
func DecodeRecord(payload []byte) (Tag, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, merr.WrapErrProtocolTruncated(0, 1, "decode record")
	}
	tag := Tag(payload[0])
	if !validTags.Contain(tag) {
		return 0, nil, merr.WrapErrProtocolBadTag(payload[0], "decode record")
	}
	return tag, payload[1:], nil
}

// CloseReason 为 Close 记录携带的原因码。
//
// 对端只会看到粗粒度的类别，不暴露具体的检测细节。
type CloseReason byte

const (
	CloseReasonProtocol     CloseReason = 1
	CloseReasonAuth         CloseReason = 2
	CloseReasonRate         CloseReason = 3
	CloseReasonIntegrity    CloseReason = 4
	CloseReasonIdle         CloseReason = 5
	CloseReasonServer       CloseReason = 6
	CloseReasonBackpressure CloseReason = 7
)

// String 返回原因码对应的类别名称。
func (r CloseReason) String() string {
	switch r {
	case CloseReasonProtocol:
		return "protocol"
	case CloseReasonAuth:
		return "auth"
	case CloseReasonRate:
		return "rate"
	case CloseReasonIntegrity:
		return "integrity"
	case CloseReasonIdle:
		return "idle"
	case CloseReasonServer:
		return "server"
	case CloseReasonBackpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// EncodeClose 构造一条 Close 记录。
func EncodeClose(reason CloseReason, detail string) []byte {
	body := make([]byte, 0, 1+len(detail))
	body = append(body, byte(reason))
	body = append(body, detail...)
	return EncodeRecord(TagClose, body)
}

// DecodeClose 解析 Close 记录体。
func DecodeClose(body []byte) (CloseReason, string, error) {
	if len(body) < 1 {
		return 0, "", merr.WrapErrProtocolTruncated(len(body), 1, "decode close")
	}
	return CloseReason(body[0]), string(body[1:]), nil
}

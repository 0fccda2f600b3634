package protocol

import (
	"encoding/binary"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Hello 为 HandshakeHello / Rekey 记录体的解析结果。
//
// 记录体布局：2 字节大端公钥长度 + DER 编码公钥 + 密封的密钥贡献。
// 服务器发出的 Hello 不携带贡献（Sealed 为空）；
// 客户端的 Hello 必须携带贡献，贡献由 crypto 包负责密封与解封。
type Hello struct {
	PublicKeyDER []byte
	Sealed       []byte
}

// maxHelloKeySize 限制 DER 公钥的最大长度，防御异常输入。
const maxHelloKeySize = 2048

// EncodeHello 将公钥与密封贡献编码为 Hello 记录体（不含标签）。
func EncodeHello(h Hello) []byte {
	body := make([]byte, 2, 2+len(h.PublicKeyDER)+len(h.Sealed))
	binary.BigEndian.PutUint16(body, uint16(len(h.PublicKeyDER)))
	body = append(body, h.PublicKeyDER...)
	body = append(body, h.Sealed...)
	return body
}

// DecodeHello 解析 Hello 记录体。
func DecodeHello(body []byte) (Hello, error) {
	if len(body) < 2 {
		return Hello{}, merr.WrapErrProtocolTruncated(len(body), 2, "decode hello")
	}
	keyLen := int(binary.BigEndian.Uint16(body))
	if keyLen == 0 || keyLen > maxHelloKeySize {
		return Hello{}, merr.WrapErrProtocol("invalid public key length", "decode hello")
	}
	if len(body) < 2+keyLen {
		return Hello{}, merr.WrapErrProtocolTruncated(len(body), 2+keyLen, "decode hello")
	}

	h := Hello{
		PublicKeyDER: body[2 : 2+keyLen],
	}
	if rest := body[2+keyLen:]; len(rest) > 0 {
		h.Sealed = rest
	}
	return h, nil
}

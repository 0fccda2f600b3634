// Package framer 实现基于长度前缀的帧编解码。
//
// 约定：
//   - 一帧数据的格式为：4 字节大端无符号整型（表示后续载荷长度）+ 载荷字节；
//   - 长度为 0 的帧是合法的保活 NOOP；
//   - 载荷内容由上层协议（internal/protocol）负责解释。
package framer

import (
	"encoding/binary"
	"io"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// headerSize 为长度前缀的字节数。
const headerSize = 4

// defaultMaxFrameSize 为默认的最大帧载荷长度（1MiB）。
const defaultMaxFrameSize uint32 = 1 << 20

// Framer 使用长度前缀（4 字节大端）作为帧边界。
//
// Framer 本身无状态：拼包进度完全保存在调用方的接收缓冲区中，
// 同一个实例可以安全地被多个连接共享。
type Framer struct {
	// MaxFrameSize 为允许的最大帧载荷长度，单位字节。
	// 为 0 时使用默认值 defaultMaxFrameSize。
	MaxFrameSize uint32
}

// New 创建一个长度前缀帧编解码器。
// maxFrameSize 为 0 时使用默认值。
func New(maxFrameSize uint32) *Framer {
	return &Framer{
		MaxFrameSize: maxFrameSize,
	}
}

// Split 从调用方的接收缓冲区中拆出所有完整帧。
//
// 参数：
//   - buf：追加写入的接收缓冲区，可能包含零个或多个完整帧以及一个不完整的尾部。
//
// 返回：
//   - payloads：每个完整帧的载荷切片（保活帧为长度 0 的切片），
//     均为 buf 的子切片，调用方消费完才可复用缓冲区；
//   - consumed：已消费的字节数，调用方应将缓冲区前移该长度；
//   - err     ：声明长度超限时返回 merr.ErrProtocolOversize，连接应立即终止。
func (f *Framer) Split(buf []byte) (payloads [][]byte, consumed int, err error) {
	limit := f.effectiveMaxSize()

	for {
		rest := buf[consumed:]
		if len(rest) < headerSize {
			return payloads, consumed, nil
		}

		length := binary.BigEndian.Uint32(rest)
		if length > limit {
			return payloads, consumed, merr.WrapErrProtocolOversize(length, limit, "split frame")
		}
		if len(rest) < headerSize+int(length) {
			// 尾部不完整，留待下次继续拼包。
			return payloads, consumed, nil
		}

		payloads = append(payloads, rest[headerSize:headerSize+int(length)])
		consumed += headerSize + int(length)
	}
}

// WriteFrame 将载荷编码为长度前缀帧并写入 w。
//
// payload 为 nil 或长度为 0 时写出一个保活 NOOP 帧。
func (f *Framer) WriteFrame(w io.Writer, payload []byte) error {
	length := uint32(len(payload))
	if length > f.effectiveMaxSize() {
		return merr.WrapErrProtocolOversize(length, f.effectiveMaxSize(), "write frame")
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], length)

	if _, err := w.Write(header[:]); err != nil {
		return merr.Combine(merr.ErrIoFailed, err)
	}
	if length == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return merr.Combine(merr.ErrIoFailed, err)
	}

	return nil
}

// AppendFrame 将载荷编码为长度前缀帧并追加到 dst，返回新的切片。
//
// 用于在发送缓冲区中就地组帧，减少一次拷贝。
func (f *Framer) AppendFrame(dst, payload []byte) ([]byte, error) {
	length := uint32(len(payload))
	if length > f.effectiveMaxSize() {
		return dst, merr.WrapErrProtocolOversize(length, f.effectiveMaxSize(), "append frame")
	}

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], length)
	dst = append(dst, header[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

func (f *Framer) effectiveMaxSize() uint32 {
	if f == nil || f.MaxFrameSize == 0 {
		return defaultMaxFrameSize
	}
	return f.MaxFrameSize
}

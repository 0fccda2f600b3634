package protocol

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// Subtype 为聊天子帧的类型。
//
// 子帧只存在于 CipherFrame 的明文内部，永远不会以明文形式上线。
type Subtype byte

const (
	SubtypeText         Subtype = 1
	SubtypeBinary       Subtype = 2
	SubtypeTyping       Subtype = 3
	SubtypeReadReceipt  Subtype = 4
	SubtypeUserListReq  Subtype = 5
	SubtypeUserListResp Subtype = 6
	SubtypeError        Subtype = 7
)

// subtypeCompressedFlag 标记子帧体经过 zstd 压缩。
const subtypeCompressedFlag = 0x80

// subframeHeaderSize 为子帧头部的固定长度：
// 1 字节类型 + 8 字节时间戳 + 16 字节消息 ID + 2 字节体长度。
const subframeHeaderSize = 1 + 8 + 16 + 2

// MaxSubframeBodySize 为子帧体的最大长度（2 字节长度字段决定）。
const MaxSubframeBodySize = 1<<16 - 1

// Subframe 为 CipherFrame 明文内的一条聊天/控制子帧。
//
// 说明：
//   - Timestamp 为发送方本地的 Unix 毫秒时间戳；
//   - MessageID 仅用于客户端回执（已读回执按 ID 关联），
//     服务器不以其做任何去重或重放判断；
//   - Compressed 表示 Body 为 zstd 压缩后的数据，由调用方负责解压。
type Subframe struct {
	Subtype    Subtype
	Compressed bool
	Timestamp  int64
	MessageID  uuid.UUID
	Body       []byte
}

// NewSubframe 构造一条携带新消息 ID 的子帧。
func NewSubframe(subtype Subtype, ts int64, body []byte) Subframe {
	return Subframe{
		Subtype:   subtype,
		Timestamp: ts,
		MessageID: uuid.New(),
		Body:      body,
	}
}

// EncodeSubframe 将子帧编码为 CipherFrame 明文字节。
func EncodeSubframe(f Subframe) ([]byte, error) {
	if len(f.Body) > MaxSubframeBodySize {
		return nil, merr.WrapErrProtocolOversize(uint32(len(f.Body)), MaxSubframeBodySize, "encode subframe")
	}

	st := byte(f.Subtype)
	if f.Compressed {
		st |= subtypeCompressedFlag
	}

	out := make([]byte, subframeHeaderSize+len(f.Body))
	out[0] = st
	binary.BigEndian.PutUint64(out[1:9], uint64(f.Timestamp))
	copy(out[9:25], f.MessageID[:])
	binary.BigEndian.PutUint16(out[25:27], uint16(len(f.Body)))
	copy(out[subframeHeaderSize:], f.Body)
	return out, nil
}

// DecodeSubframe 解析 CipherFrame 明文中的子帧。
func DecodeSubframe(data []byte) (Subframe, error) {
	if len(data) < subframeHeaderSize {
		return Subframe{}, merr.WrapErrProtocolTruncated(len(data), subframeHeaderSize, "decode subframe")
	}

	st := data[0]
	f := Subframe{
		Subtype:    Subtype(st &^ subtypeCompressedFlag),
		Compressed: st&subtypeCompressedFlag != 0,
		Timestamp:  int64(binary.BigEndian.Uint64(data[1:9])),
	}
	copy(f.MessageID[:], data[9:25])

	bodyLen := int(binary.BigEndian.Uint16(data[25:27]))
	if len(data) != subframeHeaderSize+bodyLen {
		return Subframe{}, merr.WrapErrProtocolTruncated(len(data), subframeHeaderSize+bodyLen, "decode subframe")
	}

	switch f.Subtype {
	case SubtypeText, SubtypeBinary, SubtypeTyping, SubtypeReadReceipt,
		SubtypeUserListReq, SubtypeUserListResp, SubtypeError:
	default:
		return Subframe{}, merr.WrapErrProtocolBadTag(byte(f.Subtype), "decode subframe")
	}

	if bodyLen > 0 {
		f.Body = data[subframeHeaderSize:]
	}
	return f, nil
}

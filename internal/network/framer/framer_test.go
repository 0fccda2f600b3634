package framer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

func frame(payload []byte) []byte {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	return append(header[:], payload...)
}

func TestSplitSingleFrame(t *testing.T) {
	f := New(0)
	buf := frame([]byte("hello"))

	payloads, consumed, err := f.Split(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("hello"), payloads[0])
}

func TestSplitMultipleFramesAndTail(t *testing.T) {
	f := New(0)

	buf := frame([]byte("one"))
	buf = append(buf, frame([]byte("two"))...)
	full := len(buf)
	// 追加半个帧，模拟一次 Read 收到多条加半条消息。
	buf = append(buf, frame([]byte("three"))[:6]...)

	payloads, consumed, err := f.Split(buf)
	require.NoError(t, err)
	assert.Equal(t, full, consumed)
	require.Len(t, payloads, 2)
	assert.Equal(t, []byte("one"), payloads[0])
	assert.Equal(t, []byte("two"), payloads[1])

	// 剩余字节补齐后应能拆出第三帧。
	rest := append(append([]byte{}, buf[consumed:]...), frame([]byte("three"))[6:]...)
	payloads, consumed, err = f.Split(rest)
	require.NoError(t, err)
	assert.Equal(t, len(rest), consumed)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("three"), payloads[0])
}

func TestSplitKeepalive(t *testing.T) {
	f := New(0)

	payloads, consumed, err := f.Split(frame(nil))
	require.NoError(t, err)
	assert.Equal(t, 4, consumed)
	require.Len(t, payloads, 1)
	assert.Empty(t, payloads[0])
}

func TestSplitPartialHeader(t *testing.T) {
	f := New(0)

	payloads, consumed, err := f.Split([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Zero(t, consumed)
	assert.Empty(t, payloads)
}

func TestSplitOversize(t *testing.T) {
	f := New(16)

	// 刚好等于上限的帧可以通过。
	payloads, _, err := f.Split(frame(make([]byte, 16)))
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	// 超过上限一个字节立即失败。
	_, _, err = f.Split(frame(make([]byte, 17)))
	assert.ErrorIs(t, err, merr.ErrProtocolOversize)

	// 仅凭头部声明即可判定超限，不需要等载荷到齐。
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	_, _, err = f.Split(header[:])
	assert.ErrorIs(t, err, merr.ErrProtocolOversize)
}

func TestWriteFrameRoundTrip(t *testing.T) {
	f := New(0)
	var w bytes.Buffer

	require.NoError(t, f.WriteFrame(&w, []byte("payload")))
	require.NoError(t, f.WriteFrame(&w, nil)) // keepalive

	payloads, consumed, err := f.Split(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, w.Len(), consumed)
	require.Len(t, payloads, 2)
	assert.Equal(t, []byte("payload"), payloads[0])
	assert.Empty(t, payloads[1])
}

func TestWriteFrameOversize(t *testing.T) {
	f := New(8)
	var w bytes.Buffer

	err := f.WriteFrame(&w, make([]byte, 9))
	assert.ErrorIs(t, err, merr.ErrProtocolOversize)
	assert.Zero(t, w.Len())
}

func TestAppendFrame(t *testing.T) {
	f := New(0)

	out, err := f.AppendFrame(nil, []byte("abc"))
	require.NoError(t, err)
	out, err = f.AppendFrame(out, []byte("de"))
	require.NoError(t, err)

	payloads, consumed, err := f.Split(out)
	require.NoError(t, err)
	assert.Equal(t, len(out), consumed)
	require.Len(t, payloads, 2)
	assert.Equal(t, []byte("abc"), payloads[0])
	assert.Equal(t, []byte("de"), payloads[1])
}

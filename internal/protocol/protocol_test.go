package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

func TestRecordRoundTrip(t *testing.T) {
	payload := EncodeRecord(TagAuthRequest, []byte(`{"username":"alice"}`))

	tag, body, err := DecodeRecord(payload)
	require.NoError(t, err)
	assert.Equal(t, TagAuthRequest, tag)
	assert.Equal(t, []byte(`{"username":"alice"}`), body)
}

func TestRecordEmptyBody(t *testing.T) {
	tag, body, err := DecodeRecord(EncodeRecord(TagKeepalive, nil))
	require.NoError(t, err)
	assert.Equal(t, TagKeepalive, tag)
	assert.Empty(t, body)
}

func TestRecordBadTag(t *testing.T) {
	_, _, err := DecodeRecord([]byte{0x77, 0x01})
	assert.ErrorIs(t, err, merr.ErrProtocolBadTag)

	_, _, err = DecodeRecord(nil)
	assert.ErrorIs(t, err, merr.ErrProtocolTruncated)
}

func TestCloseRoundTrip(t *testing.T) {
	payload := EncodeClose(CloseReasonIntegrity, "record rejected")

	tag, body, err := DecodeRecord(payload)
	require.NoError(t, err)
	require.Equal(t, TagClose, tag)

	reason, detail, err := DecodeClose(body)
	require.NoError(t, err)
	assert.Equal(t, CloseReasonIntegrity, reason)
	assert.Equal(t, "integrity", reason.String())
	assert.Equal(t, "record rejected", detail)
}

func TestHelloRoundTrip(t *testing.T) {
	der := make([]byte, 44)
	for i := range der {
		der[i] = byte(i)
	}
	sealed := []byte("sealed contribution")

	h, err := DecodeHello(EncodeHello(Hello{PublicKeyDER: der, Sealed: sealed}))
	require.NoError(t, err)
	assert.Equal(t, der, h.PublicKeyDER)
	assert.Equal(t, sealed, h.Sealed)

	// 服务器 Hello 不携带贡献。
	h, err = DecodeHello(EncodeHello(Hello{PublicKeyDER: der}))
	require.NoError(t, err)
	assert.Equal(t, der, h.PublicKeyDER)
	assert.Nil(t, h.Sealed)
}

func TestHelloTruncated(t *testing.T) {
	_, err := DecodeHello([]byte{0x00})
	assert.ErrorIs(t, err, merr.ErrProtocolTruncated)

	// 声明的公钥长度超过实际数据。
	_, err = DecodeHello([]byte{0x00, 0x20, 0x01, 0x02})
	assert.ErrorIs(t, err, merr.ErrProtocolTruncated)

	// 公钥长度为 0 非法。
	_, err = DecodeHello([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, merr.ErrProtocol)
}

func TestAuthRequestRoundTrip(t *testing.T) {
	payload, err := EncodeAuthRequest(AuthRequest{Username: "alice", Token: "T1"})
	require.NoError(t, err)

	tag, body, err := DecodeRecord(payload)
	require.NoError(t, err)
	require.Equal(t, TagAuthRequest, tag)

	req, err := DecodeAuthRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, "T1", req.Token)
	assert.Empty(t, req.Password)
}

func TestAuthRequestInvalid(t *testing.T) {
	_, err := DecodeAuthRequest([]byte(`{"username":""}`))
	assert.ErrorIs(t, err, merr.ErrProtocol)

	_, err = DecodeAuthRequest([]byte(`{"username":"alice"}`))
	assert.ErrorIs(t, err, merr.ErrProtocol)

	_, err = DecodeAuthRequest([]byte(`not json`))
	assert.ErrorIs(t, err, merr.ErrProtocol)
}

func TestAuthResponseRoundTrip(t *testing.T) {
	payload, err := EncodeAuthResponse(AuthResponse{
		OK:          true,
		UserID:      1,
		DisplayName: "alice",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		Token:       "T1",
	})
	require.NoError(t, err)

	_, body, err := DecodeRecord(payload)
	require.NoError(t, err)

	resp, err := DecodeAuthResponse(body)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int64(1), resp.UserID)
	assert.Equal(t, "T1", resp.Token)
}

func TestSubframeRoundTrip(t *testing.T) {
	now := time.Now().UnixMilli()
	in := NewSubframe(SubtypeText, now, []byte("hello"))

	data, err := EncodeSubframe(in)
	require.NoError(t, err)

	out, err := DecodeSubframe(data)
	require.NoError(t, err)
	assert.Equal(t, SubtypeText, out.Subtype)
	assert.False(t, out.Compressed)
	assert.Equal(t, now, out.Timestamp)
	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, []byte("hello"), out.Body)
}

func TestSubframeCompressedFlag(t *testing.T) {
	in := Subframe{
		Subtype:    SubtypeBinary,
		Compressed: true,
		Timestamp:  42,
		MessageID:  uuid.New(),
		Body:       []byte{0xde, 0xad},
	}

	data, err := EncodeSubframe(in)
	require.NoError(t, err)

	out, err := DecodeSubframe(data)
	require.NoError(t, err)
	assert.Equal(t, SubtypeBinary, out.Subtype)
	assert.True(t, out.Compressed)
}

func TestSubframeInvalid(t *testing.T) {
	// 头部不完整。
	_, err := DecodeSubframe(make([]byte, subframeHeaderSize-1))
	assert.ErrorIs(t, err, merr.ErrProtocolTruncated)

	// 体长度字段与实际数据不一致。
	in := NewSubframe(SubtypeText, 1, []byte("abc"))
	data, err := EncodeSubframe(in)
	require.NoError(t, err)
	_, err = DecodeSubframe(data[:len(data)-1])
	assert.ErrorIs(t, err, merr.ErrProtocolTruncated)

	// 未知子帧类型。
	data, err = EncodeSubframe(Subframe{Subtype: Subtype(0x7D), Timestamp: 1})
	require.NoError(t, err)
	_, err = DecodeSubframe(data)
	assert.ErrorIs(t, err, merr.ErrProtocolBadTag)

	// 超过最大体长度。
	_, err = EncodeSubframe(Subframe{Subtype: SubtypeText, Body: make([]byte, MaxSubframeBodySize+1)})
	assert.ErrorIs(t, err, merr.ErrProtocolOversize)
}

func TestUserListRoundTrip(t *testing.T) {
	body, err := EncodeUserList(UserList{Users: []UserEntry{
		{UserID: 1, DisplayName: "alice"},
		{UserID: 2, DisplayName: "bob"},
	}})
	require.NoError(t, err)

	list, err := DecodeUserList(body)
	require.NoError(t, err)
	require.Len(t, list.Users, 2)
	assert.Equal(t, "alice", list.Users[0].DisplayName)
}

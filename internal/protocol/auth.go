package protocol

import (
	"github.com/lk2023060901/chat-garden-go/internal/json"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// AuthRequest 为 AuthRequest 记录体的 JSON 形式。
//
// 两种用法：
//   - Password 非空：以密码换取短期 bearer token；
//   - Token 非空：校验已持有的 bearer token。
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// AuthResponse 为 AuthResponse 记录体的 JSON 形式。
//
// OK 为 true 时携带主体信息与（密码登录时签发的）token；
// 为 false 时 Error 携带错误类别，细节不下发。
type AuthResponse struct {
	OK          bool   `json:"ok"`
	UserID      int64  `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	Token       string `json:"token,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EncodeAuthRequest 将认证请求编码为完整记录。
func EncodeAuthRequest(req AuthRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, merr.WrapErrProtocol(err.Error(), "encode auth request")
	}
	return EncodeRecord(TagAuthRequest, body), nil
}

// DecodeAuthRequest 解析 AuthRequest 记录体。
func DecodeAuthRequest(body []byte) (AuthRequest, error) {
	var req AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return AuthRequest{}, merr.WrapErrProtocol(err.Error(), "decode auth request")
	}
	if req.Username == "" {
		return AuthRequest{}, merr.WrapErrProtocol("username is empty", "decode auth request")
	}
	if req.Password == "" && req.Token == "" {
		return AuthRequest{}, merr.WrapErrProtocol("neither password nor token present", "decode auth request")
	}
	return req, nil
}

// EncodeAuthResponse 将认证响应编码为完整记录。
func EncodeAuthResponse(resp AuthResponse) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, merr.WrapErrProtocol(err.Error(), "encode auth response")
	}
	return EncodeRecord(TagAuthResponse, body), nil
}

// DecodeAuthResponse 解析 AuthResponse 记录体。
func DecodeAuthResponse(body []byte) (AuthResponse, error) {
	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return AuthResponse{}, merr.WrapErrProtocol(err.Error(), "decode auth response")
	}
	return resp, nil
}

// UserEntry 为用户列表响应中的一条记录。
type UserEntry struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// UserList 为 user-list-response 子帧体的 JSON 形式。
type UserList struct {
	Users []UserEntry `json:"users"`
}

// EncodeUserList 将用户列表编码为 JSON 字节。
func EncodeUserList(list UserList) ([]byte, error) {
	body, err := json.Marshal(list)
	if err != nil {
		return nil, merr.WrapErrProtocol(err.Error(), "encode user list")
	}
	return body, nil
}

// DecodeUserList 解析用户列表 JSON 字节。
func DecodeUserList(body []byte) (UserList, error) {
	var list UserList
	if err := json.Unmarshal(body, &list); err != nil {
		return UserList{}, merr.WrapErrProtocol(err.Error(), "decode user list")
	}
	return list, nil
}

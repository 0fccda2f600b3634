// Package auth 实现认证闸口与认证存储端口。
//
// 存储本身（数据库、缓存等）不属于服务器核心，
// 核心只依赖 Store 接口，由外部适配器提供实现。
package auth

import (
	"context"
	"time"
)

// Principal 为通过认证的主体。
type Principal struct {
	UserID      int64
	DisplayName string
	ExpiresAt   time.Time
}

// Credentials 为客户端提交的凭证。
//
// 两种用法：
//   - Password 非空：以密码换取短期 bearer token；
//   - Token 非空：校验已持有的 bearer token。
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Store 为认证存储端口。
//
// 实现必须支持并发调用；错误约定：
//   - merr.ErrAuthInvalidCredentials：用户不存在或凭证不匹配；
//   - merr.ErrAuthExpired            ：token 已过期；
//   - merr.ErrAuthStoreUnavailable   ：存储暂不可用，可在认证窗口内重试。
type Store interface {
	// Verify 校验凭证并返回主体。
	Verify(ctx context.Context, creds Credentials) (Principal, error)

	// CreateToken 为主体签发一个短期 bearer token。
	CreateToken(ctx context.Context, p Principal) (string, error)

	// Revoke 吊销一个 token；token 不存在时不报错。
	Revoke(ctx context.Context, token string) error
}

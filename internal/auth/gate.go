package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/ratelimit"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chat-garden-go/pkg/util/retry"
)

// Gate 为认证闸口：在凭证校验前消耗登录配额，
// 校验期间吸收存储的短暂不可用。
type Gate struct {
	store  Store
	logins *ratelimit.LoginLimiter
	clock  func() time.Time
}

// NewGate 创建认证闸口。
//
// logins 可为 nil（不做登录限流，仅用于测试）；clock 为 nil 时使用 time.Now。
func NewGate(store Store, logins *ratelimit.LoginLimiter, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		store:  store,
		logins: logins,
		clock:  clock,
	}
}

// Verify 校验一次认证请求。
//
// 参数：
//   - addr ：对端源地址（仅主机部分），用于登录限流；
//   - creds：客户端提交的凭证。
//
// 返回：
//   - principal：通过认证的主体；
//   - token    ：密码登录时新签发的 bearer token，token 登录时为空；
//   - err      ：认证失败原因；其中 merr.ErrAuthStoreUnavailable
//     已在内部做过有限次重试，返回时表示在 ctx 期限内仍未恢复。
func (g *Gate) Verify(ctx context.Context, addr string, creds Credentials) (Principal, string, error) {
	if g.logins != nil {
		if err := g.logins.Acquire(addr); err != nil {
			log.Ctx(ctx).Warn("login attempt rejected by limiter",
				zap.String("addr", addr),
				zap.String("username", creds.Username))
			return Principal{}, "", err
		}
	}

	var principal Principal
	err := retry.Do(ctx, func() error {
		var verr error
		principal, verr = g.store.Verify(ctx, creds)
		if verr != nil && !merr.IsRetryableErr(verr) {
			return retry.Unrecoverable(verr)
		}
		return verr
	}, retry.Attempts(3), retry.Sleep(200*time.Millisecond))
	if err != nil {
		return Principal{}, "", err
	}

	if !principal.ExpiresAt.IsZero() && !g.clock().Before(principal.ExpiresAt) {
		return Principal{}, "", merr.WrapErrAuthExpired(creds.Username)
	}

	// 密码登录换取短期 token，供客户端后续重连使用。
	var token string
	if creds.Password != "" {
		token, err = g.store.CreateToken(ctx, principal)
		if err != nil {
			return Principal{}, "", err
		}
	}

	return principal, token, nil
}

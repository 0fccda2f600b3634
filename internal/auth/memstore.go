package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// MemStore 为基于内存的 Store 实现。
//
// 适用于测试与单机开箱体验；生产部署应通过外部适配器
// 接入真正的用户存储。
type MemStore struct {
	mu sync.RWMutex

	users  map[string]memUser
	tokens map[string]memToken

	tokenTTL time.Duration
	clock    func() time.Time
	nextID   int64

	// unavailable 模拟存储不可用，仅测试使用。
	unavailable bool
}

type memUser struct {
	id          int64
	displayName string
	password    string
}

type memToken struct {
	principal Principal
	expiresAt time.Time
}

// 确保 MemStore 实现了 Store 接口。
var _ Store = (*MemStore)(nil)

// NewMemStore 创建一个空的内存认证存储。
//
// tokenTTL <= 0 时默认 24 小时；clock 为 nil 时使用 time.Now。
func NewMemStore(tokenTTL time.Duration, clock func() time.Time) *MemStore {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemStore{
		users:    make(map[string]memUser),
		tokens:   make(map[string]memToken),
		tokenTTL: tokenTTL,
		clock:    clock,
	}
}

// AddUser 注册一个用户并返回其 ID。
func (s *MemStore) AddUser(username, displayName, password string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.users[username] = memUser{
		id:          s.nextID,
		displayName: displayName,
		password:    password,
	}
	return s.nextID
}

// SetUnavailable 切换存储不可用状态，仅测试使用。
func (s *MemStore) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// Verify 实现 Store.Verify。
func (s *MemStore) Verify(_ context.Context, creds Credentials) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return Principal{}, merr.WrapErrAuthStoreUnavailable("store marked unavailable")
	}

	if creds.Token != "" {
		tok, ok := s.tokens[creds.Token]
		if !ok {
			return Principal{}, merr.WrapErrAuthInvalidCredentials(creds.Username)
		}
		if !s.clock().Before(tok.expiresAt) {
			return Principal{}, merr.WrapErrAuthExpired(creds.Username)
		}
		return tok.principal, nil
	}

	user, ok := s.users[creds.Username]
	if !ok || user.password != creds.Password {
		return Principal{}, merr.WrapErrAuthInvalidCredentials(creds.Username)
	}
	return Principal{
		UserID:      user.id,
		DisplayName: user.displayName,
		ExpiresAt:   s.clock().Add(s.tokenTTL),
	}, nil
}

// CreateToken 实现 Store.CreateToken。
func (s *MemStore) CreateToken(_ context.Context, p Principal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return "", merr.WrapErrAuthStoreUnavailable("store marked unavailable")
	}

	token := uuid.NewString()
	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.clock().Add(s.tokenTTL)
	}
	s.tokens[token] = memToken{
		principal: p,
		expiresAt: expiresAt,
	}
	return token, nil
}

// Revoke 实现 Store.Revoke。
func (s *MemStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, token)
	return nil
}

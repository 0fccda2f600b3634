package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/history"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/internal/session"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// 编译期断言：确保 Server 实现了 session.Handler 接口。
var _ session.Handler = (*Server)(nil)

// Authenticate 实现 session.Handler.Authenticate。
//
// 存储访问可能阻塞，任务提交到专用协程池执行；
// 当前调用方（会话读泵）在认证窗口内等待结果。
func (s *Server) Authenticate(ctx context.Context, addr string, creds auth.Credentials) (auth.Principal, string, error) {
	future := s.authPool.Submit(func() (authResult, error) {
		principal, token, err := s.gate.Verify(ctx, addr, creds)
		if err != nil {
			return authResult{}, err
		}
		return authResult{principal: principal, token: token}, nil
	})

	select {
	case <-future.Done():
	case <-ctx.Done():
		return auth.Principal{}, "", ctx.Err()
	}

	res, err := future.Await()
	if err != nil {
		return auth.Principal{}, "", err
	}
	return res.principal, res.token, nil
}

// OnReady 实现 session.Handler.OnReady：将通过认证的会话注册到路由器。
func (s *Server) OnReady(sess *session.Session) {
	if err := s.rt.Register(sess); err != nil {
		log.Ctx(sess.Context()).Error("register session failed",
			zap.Uint64("session", sess.ID()),
			zap.Error(err))
		sess.Close()
		return
	}

	principal := sess.Principal()
	log.Ctx(sess.Context()).Info("session ready",
		zap.Uint64("session", sess.ID()),
		zap.Int64("user", principal.UserID),
		zap.String("displayName", principal.DisplayName))
}

// OnSubframe 实现 session.Handler.OnSubframe：聊天子帧的路由与历史写入。
func (s *Server) OnSubframe(sess *session.Session, f protocol.Subframe) {
	principal := sess.Principal()
	if principal == nil {
		return
	}

	switch f.Subtype {
	case protocol.SubtypeText, protocol.SubtypeBinary:
		history.Append(sess.Context(), s.hist, principal.UserID, f)
		s.rt.Broadcast(f, sess.ID())

	case protocol.SubtypeTyping, protocol.SubtypeReadReceipt:
		// 状态类子帧只做转发，不记历史。
		s.rt.Broadcast(f, sess.ID())

	case protocol.SubtypeUserListReq:
		s.sendUserList(sess)

	default:
		// 客户端不应发送响应类子帧，忽略并记录。
		log.Ctx(sess.Context()).WithRateGroup("server.subframe", 1, 60).
			RatedWarn(10, "unexpected subframe from client",
				zap.Uint64("session", sess.ID()),
				zap.Uint8("subtype", uint8(f.Subtype)))
	}
}

// sendUserList 将当前在线主体列表回送给请求方。
func (s *Server) sendUserList(sess *session.Session) {
	peers := s.rt.Snapshot()
	list := protocol.UserList{Users: make([]protocol.UserEntry, 0, len(peers))}
	for _, p := range peers {
		principal := p.Principal()
		if principal == nil {
			continue
		}
		list.Users = append(list.Users, protocol.UserEntry{
			UserID:      principal.UserID,
			DisplayName: principal.DisplayName,
		})
	}

	body, err := protocol.EncodeUserList(list)
	if err != nil {
		log.Ctx(sess.Context()).Warn("encode user list failed", zap.Error(err))
		return
	}

	resp := protocol.NewSubframe(protocol.SubtypeUserListResp, s.clock().UnixMilli(), body)
	if err := sess.SendChat(resp); err != nil && !merr.IsRetryableErr(err) {
		log.Ctx(sess.Context()).Debug("send user list failed",
			zap.Uint64("session", sess.ID()),
			zap.Error(err))
	}
}

// OnClosed 实现 session.Handler.OnClosed：从路由器与会话表摘除。
func (s *Server) OnClosed(sess *session.Session, reason protocol.CloseReason, err error) {
	s.rt.Unregister(sess.ID())

	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()

	stats := sess.Stats()
	log.Ctx(context.Background()).Info("session closed",
		zap.Uint64("session", sess.ID()),
		zap.String("reason", reason.String()),
		zap.Uint64("framesRx", stats.FramesRx),
		zap.Uint64("framesTx", stats.FramesTx),
		zap.Error(err))
}

package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/chat-garden-go/internal/auth"
	"github.com/lk2023060901/chat-garden-go/internal/pool/bytebuffer"
	"github.com/lk2023060901/chat-garden-go/internal/pool/ringbuffer"
	"github.com/lk2023060901/chat-garden-go/internal/protocol"
	"github.com/lk2023060901/chat-garden-go/pkg/log"
	"github.com/lk2023060901/chat-garden-go/pkg/metrics"
	"github.com/lk2023060901/chat-garden-go/pkg/util/merr"
)

// readChunkSize 为单次 conn.Read 的临时缓冲大小。
const readChunkSize = 32 * 1024

// Run 启动会话：发出服务器 Hello，随后驱动读泵直至会话结束。
//
// 在接入层为每条连接分配的协程中调用，返回时会话已关闭。
func (s *Session) Run() {
	logger := log.Ctx(s.ctx).With(
		zap.Uint64("session", s.id),
		zap.String("remote", s.conn.RemoteAddr().String()),
	)

	defer func() {
		// 泵内任何未预期的 panic 都转换为 InternalError 并关闭会话，
		// 不得击穿进程。
		if x := recover(); x != nil {
			logger.Error("session pump panicked", zap.Any("panic", x))
			s.closeMu.Lock()
			s.closeErr = merr.WrapErrServiceInternal("session pump panicked")
			s.closeMu.Unlock()
			s.forceClose(nil)
		}
	}()

	// 握手第一步：服务器生成临时密钥对并发出公钥。
	hello, err := s.crypto.Hello()
	if err != nil {
		logger.Error("generate handshake hello failed", zap.Error(err))
		s.forceClose(err)
		return
	}
	if err := s.enqueueCtrl(protocol.EncodeRecord(protocol.TagHandshakeHello, protocol.EncodeHello(hello)), false); err != nil {
		s.forceClose(err)
		return
	}

	go s.writeLoop()

	s.readLoop(logger)

	// 读泵退出后等待写泵冲刷或超时，再确保会话关闭。
	select {
	case <-s.writeDone:
	case <-time.After(s.cfg.DrainTimeout):
	case <-s.ctx.Done():
	}
	s.forceClose(nil)
}

// readLoop 持续从连接读取字节流，经 Framer 拆帧后逐条处理。
//
// 接收缓冲区取自对象池：未拼完整的尾部字节保留到下一轮，
// 会话结束时整体归还。
func (s *Session) readLoop(logger *log.MLogger) {
	recvBuf := bytebuffer.Get()
	defer bytebuffer.Put(recvBuf)
	if cap(recvBuf.B) < s.cfg.RecvBufferSize {
		recvBuf.B = make([]byte, 0, s.cfg.RecvBufferSize)
	}

	chunk := make([]byte, readChunkSize)

	for {
		if s.State() >= StateDraining {
			return
		}

		_ = s.conn.SetReadDeadline(s.readDeadline())

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.touch()
			s.bytesRx.Add(uint64(n))
			metrics.Bytes.WithLabelValues(metrics.DirectionIn).Add(float64(n))
			recvBuf.B = append(recvBuf.B, chunk[:n]...)

			payloads, consumed, ferr := s.framer.Split(recvBuf.B)
			for _, payload := range payloads {
				s.framesRx.Add(1)
				metrics.Frames.WithLabelValues(metrics.DirectionIn).Inc()
				if herr := s.handleRecord(payload); herr != nil {
					s.fatal(herr, logger)
					return
				}
				if s.State() >= StateDraining {
					return
				}
			}
			recvBuf.B = append(recvBuf.B[:0], recvBuf.B[consumed:]...)

			if ferr != nil {
				s.fatal(ferr, logger)
				return
			}
		}

		if err != nil {
			if s.handleReadErr(err, logger) {
				return
			}
		}
	}
}

// handleReadErr 处理读错误；返回 true 表示读泵应当退出。
func (s *Session) handleReadErr(err error, logger *log.MLogger) bool {
	// 对端正常关闭或会话已被取消。
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.forceClose(nil)
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		switch s.State() {
		case StateHandshake:
			s.Drain(protocol.CloseReasonProtocol, "handshake timeout", false)
		case StateAwaitingAuth:
			s.Drain(protocol.CloseReasonAuth, "authentication timeout", true)
		case StateReady:
			s.closeMu.Lock()
			s.closeErr = merr.ErrSessionIdle
			s.closeMu.Unlock()
			s.Drain(protocol.CloseReasonIdle, "idle timeout", true)
		}
		return true
	}

	// 其他 IO 错误视为连接损坏，不再尝试发送 Close 记录。
	logger.Debug("session read failed", zap.Error(err))
	s.forceClose(merr.Combine(merr.ErrIoFailed, err))
	return true
}

// readDeadline 依据状态计算下一次读取的截止时间：
// 握手与认证阶段使用绝对的认证窗口，Ready 阶段使用滚动的空闲窗口。
func (s *Session) readDeadline() time.Time {
	switch s.State() {
	case StateHandshake, StateAwaitingAuth:
		return s.createdAt.Add(s.cfg.AuthTimeout)
	default:
		return s.cfg.Clock().Add(s.cfg.IdleTimeout)
	}
}

// handleRecord 处理一条完整帧。返回非 nil 错误时会话终止。
func (s *Session) handleRecord(payload []byte) error {
	// 零长帧为保活 NOOP。
	if len(payload) == 0 {
		return nil
	}

	if err := s.rate.AllowInbound(len(payload)); err != nil {
		return err
	}

	tag, body, err := protocol.DecodeRecord(payload)
	if err != nil {
		return err
	}

	switch s.State() {
	case StateHandshake:
		return s.handleHandshakeRecord(tag, body)
	case StateAwaitingAuth:
		return s.handleAuthRecord(tag, body)
	case StateReady:
		return s.handleReadyRecord(tag, body)
	default:
		// Draining/Closed 不再接受入站数据；读泵随即退出。
		return nil
	}
}

// handleHandshakeRecord 处理 Handshake 状态下的记录。
func (s *Session) handleHandshakeRecord(tag protocol.Tag, body []byte) error {
	if tag != protocol.TagHandshakeHello {
		return merr.WrapErrProtocolBadState(byte(tag), s.State().String())
	}

	hello, err := protocol.DecodeHello(body)
	if err != nil {
		return err
	}
	if err := s.crypto.AcceptHello(hello); err != nil {
		return err
	}

	finish, err := s.crypto.Finish()
	if err != nil {
		return err
	}
	if err := s.enqueueCtrl(protocol.EncodeRecord(protocol.TagHandshakeFinish, finish), false); err != nil {
		return err
	}

	s.advance(StateAwaitingAuth)
	return nil
}

// handleAuthRecord 处理 AwaitingAuth 状态下的记录。
func (s *Session) handleAuthRecord(tag protocol.Tag, body []byte) error {
	if tag == protocol.TagKeepalive {
		return nil
	}
	if tag != protocol.TagAuthRequest {
		return merr.WrapErrProtocolBadState(byte(tag), s.State().String())
	}

	req, err := protocol.DecodeAuthRequest(body)
	if err != nil {
		return err
	}

	host := remoteHost(s.conn.RemoteAddr())
	ctx, cancel := context.WithDeadline(s.ctx, s.createdAt.Add(s.cfg.AuthTimeout))
	defer cancel()

	principal, token, err := s.handler.Authenticate(ctx, host, auth.Credentials{
		Username: req.Username,
		Password: req.Password,
		Token:    req.Token,
	})
	if err != nil {
		category := authErrorCategory(err)
		metrics.AuthFailures.WithLabelValues(category).Inc()

		resp, rerr := protocol.EncodeAuthResponse(protocol.AuthResponse{Error: category})
		if rerr == nil {
			_ = s.enqueueCtrl(resp, false)
		}

		// 存储暂不可用：认证窗口内允许客户端重试。
		if merr.IsRetryableErr(err) {
			return nil
		}
		return err
	}

	s.principal.Store(&principal)

	resp, err := protocol.EncodeAuthResponse(protocol.AuthResponse{
		OK:          true,
		UserID:      principal.UserID,
		DisplayName: principal.DisplayName,
		ExpiresAt:   principal.ExpiresAt.Unix(),
		Token:       token,
	})
	if err != nil {
		return err
	}
	if err := s.enqueueCtrl(resp, false); err != nil {
		return err
	}

	s.advance(StateReady)
	if s.handler != nil {
		s.handler.OnReady(s)
	}
	return nil
}

// handleReadyRecord 处理 Ready 状态下的记录。
func (s *Session) handleReadyRecord(tag protocol.Tag, body []byte) error {
	switch tag {
	case protocol.TagKeepalive:
		return nil

	case protocol.TagCipherFrame:
		plaintext, err := s.crypto.DecryptRecord(body)
		if err != nil {
			if errors.Is(err, merr.ErrCryptoReplay) {
				metrics.ReplayRejections.Inc()
			}
			return err
		}

		f, err := protocol.DecodeSubframe(plaintext)
		if err != nil {
			return err
		}
		if f.Compressed {
			if s.cfg.Compressor == nil {
				return merr.WrapErrProtocol("compressed subframe but compression disabled")
			}
			body, derr := s.cfg.Compressor.Decompress(nil, f.Body)
			if derr != nil {
				return merr.WrapErrProtocol("decompress subframe: " + derr.Error())
			}
			f.Body = body
			f.Compressed = false
		}

		metrics.ChatSubframes.WithLabelValues(subtypeLabel(f.Subtype)).Inc()
		if s.handler != nil {
			s.handler.OnSubframe(s, f)
		}
		return nil

	case protocol.TagRekey:
		return s.handleRekey(body)

	case protocol.TagClose:
		// 对端登出：进入 Draining 并回送最终确认。
		s.Drain(protocol.CloseReasonServer, "logout acknowledged", true)
		return nil

	default:
		return merr.WrapErrProtocolBadState(byte(tag), s.State().String())
	}
}

// handleRekey 处理换钥记录。
//
// 携带密封贡献的记录是对端对我方发起的响应（CompleteRekey）；
// 不携带贡献的记录是对端主动发起（RespondRekey）。
func (s *Session) handleRekey(body []byte) error {
	hello, err := protocol.DecodeHello(body)
	if err != nil {
		return err
	}

	if len(hello.Sealed) > 0 {
		if err := s.crypto.CompleteRekey(hello); err != nil {
			return err
		}
		metrics.Rekeys.Inc()
		return nil
	}

	resp, err := s.crypto.RespondRekey(hello)
	if err != nil {
		return err
	}
	if err := s.enqueueCtrl(protocol.EncodeRecord(protocol.TagRekey, protocol.EncodeHello(resp)), false); err != nil {
		return err
	}
	metrics.Rekeys.Inc()
	return nil
}

// fatal 将一个致命错误映射为关闭原因并终止会话。
func (s *Session) fatal(err error, logger *log.MLogger) {
	s.closeMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeMu.Unlock()

	reason, flush := closeDisposition(err)
	logger.Warn("session fatal error",
		zap.String("reason", reason.String()),
		zap.Error(err))
	s.Drain(reason, reason.String(), flush)
}

// closeDisposition 将错误映射为 Close 原因与是否冲刷出站队列。
//
// 完整性与重放错误意味着密钥材料可疑，跳过冲刷立即关闭。
func closeDisposition(err error) (protocol.CloseReason, bool) {
	switch {
	case errors.Is(err, merr.ErrCryptoIntegrity), errors.Is(err, merr.ErrCryptoReplay):
		return protocol.CloseReasonIntegrity, false
	case errors.Is(err, merr.ErrCryptoHandshake), errors.Is(err, merr.ErrCryptoNotReady):
		return protocol.CloseReasonProtocol, false
	case errors.Is(err, merr.ErrRateExceeded):
		return protocol.CloseReasonRate, true
	case errors.Is(err, merr.ErrAuthInvalidCredentials),
		errors.Is(err, merr.ErrAuthExpired),
		errors.Is(err, merr.ErrAuthLockedOut):
		return protocol.CloseReasonAuth, true
	case errors.Is(err, merr.ErrSessionIdle):
		return protocol.CloseReasonIdle, true
	case errors.Is(err, merr.ErrSessionStalled), errors.Is(err, merr.ErrSessionBackpressured):
		return protocol.CloseReasonBackpressure, false
	case errors.Is(err, merr.ErrProtocol), errors.Is(err, merr.ErrProtocolOversize),
		errors.Is(err, merr.ErrProtocolBadTag), errors.Is(err, merr.ErrProtocolBadState),
		errors.Is(err, merr.ErrProtocolTruncated):
		return protocol.CloseReasonProtocol, true
	default:
		return protocol.CloseReasonServer, true
	}
}

// writeLoop 为会话的专职写泵。
//
// 控制帧优先于聊天帧；Draining 阶段反转优先级以先冲刷聊天帧，
// 最后写出 Close 记录。发送路径仅在此协程中执行。
func (s *Session) writeLoop() {
	defer close(s.writeDone)
	defer func() {
		if x := recover(); x != nil {
			log.Ctx(s.ctx).Error("session write pump panicked", zap.Any("panic", x))
			s.fail(merr.WrapErrServiceInternal("session write pump panicked"))
		}
	}()

	sendBuf := ringbuffer.Get()
	defer ringbuffer.Put(sendBuf)

	for {
		var m outbound
		draining := s.State() >= StateDraining

		if !draining {
			select {
			case m = <-s.ctrlQ:
			default:
				select {
				case m = <-s.ctrlQ:
				case m = <-s.chatQ:
				case <-s.ctx.Done():
					return
				}
			}
		} else {
			select {
			case m = <-s.chatQ:
			default:
				select {
				case m = <-s.chatQ:
				case m = <-s.ctrlQ:
				case <-s.ctx.Done():
					return
				}
			}
		}

		if err := s.writeOut(sendBuf, m); err != nil {
			s.closeMu.Lock()
			if s.closeErr == nil {
				s.closeErr = err
			}
			s.closeMu.Unlock()
			s.fail(err)
			return
		}

		if m.closeAfter {
			s.forceClose(nil)
			return
		}
	}
}

// writeOut 将一条出站帧加密（如需）、限速、组帧并写入连接。
func (s *Session) writeOut(sendBuf *ringbuffer.RingBuffer, m outbound) error {
	payload := m.payload
	if m.encrypt {
		body, err := s.crypto.EncryptRecord(payload)
		if err != nil {
			return err
		}
		payload = protocol.EncodeRecord(protocol.TagCipherFrame, body)
	}

	// 控制帧不参与限速；聊天帧在桶耗尽时挂起，
	// 超过 stall 窗口仍无法取得令牌则按背压关闭。
	if !m.critical {
		wctx, cancel := context.WithTimeout(s.ctx, s.cfg.StallTimeout)
		err := s.rate.WaitOutbound(wctx, len(payload))
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			return merr.ErrSessionStalled
		}
	}

	if err := s.framer.WriteFrame(sendBuf, payload); err != nil {
		return err
	}

	_ = s.conn.SetWriteDeadline(s.cfg.Clock().Add(s.cfg.StallTimeout))
	if err := s.flushSendBuf(sendBuf); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return merr.ErrSessionStalled
		}
		return merr.Combine(merr.ErrIoFailed, err)
	}

	s.framesTx.Add(1)
	s.bytesTx.Add(uint64(len(payload)))
	metrics.Frames.WithLabelValues(metrics.DirectionOut).Inc()
	metrics.Bytes.WithLabelValues(metrics.DirectionOut).Add(float64(len(payload)))
	return nil
}

// flushSendBuf 将发送缓冲区中的所有字节尽可能写入到底层连接。
//
// 使用固定大小的临时缓冲区分批写出，并显式处理单次 Write 的短写。
func (s *Session) flushSendBuf(sendBuf *ringbuffer.RingBuffer) error {
	var tmp [4096]byte

	for sendBuf.Buffered() > 0 {
		n, _ := sendBuf.Read(tmp[:])
		if n <= 0 {
			break
		}

		written := 0
		for written < n {
			m, err := s.conn.Write(tmp[written:n])
			if err != nil {
				return err
			}
			if m <= 0 {
				return nil
			}
			written += m
		}
	}

	return nil
}

// remoteHost 提取对端地址的主机部分。
func remoteHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// authErrorCategory 将认证错误映射为下发给客户端的类别。
func authErrorCategory(err error) string {
	switch {
	case errors.Is(err, merr.ErrAuthInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, merr.ErrAuthExpired):
		return "expired"
	case errors.Is(err, merr.ErrAuthLockedOut):
		return "locked_out"
	case errors.Is(err, merr.ErrAuthStoreUnavailable):
		return "store_unavailable"
	default:
		return "auth_failed"
	}
}

// subtypeLabel 返回子帧类型的指标标签。
func subtypeLabel(st protocol.Subtype) string {
	switch st {
	case protocol.SubtypeText:
		return "text"
	case protocol.SubtypeBinary:
		return "binary"
	case protocol.SubtypeTyping:
		return "typing"
	case protocol.SubtypeReadReceipt:
		return "read_receipt"
	case protocol.SubtypeUserListReq:
		return "user_list_request"
	case protocol.SubtypeUserListResp:
		return "user_list_response"
	case protocol.SubtypeError:
		return "error"
	default:
		return "unknown"
	}
}

package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/buddychat/pkg/protocol"
)

// malformedFrameCmd is echoed in receipts for input whose command code is
// unknown because the frame itself could not be read.
const malformedFrameCmd = protocol.Command(0xFF)

// serveConn runs one session over conn until it terminates. It is the common
// entry point for every transport.
func (s *Server) serveConn(transport string, conn net.Conn) {
	sess := s.sessions.CreateSession(s, transport, conn)
	logger := sessionLogger(sess)
	logger.WithField("remote", sess.RemoteAddr).Debug("connection opened")

	defer s.endSession(sess)
	s.messageLoop(sess, logger)
}

func sessionLogger(sess *Session) *logrus.Entry {
	return log.WithFields(logrus.Fields{"session": sess.ID, "transport": sess.Transport})
}

// messageLoop handles messages for an established connection
func (s *Server) messageLoop(sess *Session, logger *logrus.Entry) {
	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			if recoverableFrameError(err) {
				err = s.handleFormatError(sess, &protocol.FormatError{Cmd: malformedFrameCmd, Reason: err.Error(), Err: err})
				if err == nil {
					continue
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("client disconnected")
			} else {
				logger.WithError(err).Debug("message loop read error")
			}
			return
		}

		logger.Debugf("recv type=%d flags=0x%02X len=%d", frame.Type, frame.Flags, len(frame.Payload))
		if s.metrics != nil {
			s.metrics.RecordEnvelopeReceived(protocol.Command(frame.Type))
		}

		if err := s.handleFrame(sess, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				logger.WithField("reason", err.Error()).Debug("session ending")
				return
			}
			logger.WithError(err).Warn("session failed")
			return
		}
	}
}

// recoverableFrameError reports read errors after which the stream is still
// aligned on a frame boundary.
func recoverableFrameError(err error) bool {
	return errors.Is(err, protocol.ErrInvalidVersion) ||
		errors.Is(err, protocol.ErrDecompressionFailed) ||
		errors.Is(err, protocol.ErrInvalidCompressedLen)
}

func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) error {
	env, err := sess.Conn.Decode(frame)
	if err != nil {
		return s.handleFormatError(sess, err)
	}
	return s.handleMessage(sess, env)
}

// handleFormatError answers a malformed envelope and spends one retry. An
// exhausted budget ends the session.
func (s *Server) handleFormatError(sess *Session, err error) error {
	cmd := malformedFrameCmd
	reason := err.Error()
	var fe *protocol.FormatError
	if errors.As(err, &fe) {
		cmd = fe.Cmd
		reason = fe.Reason
	}
	if s.metrics != nil {
		s.metrics.RecordFormatError()
	}

	if err := s.sendReceipt(sess, cmd, false, "message format error: "+reason); err != nil {
		return err
	}
	if left := sess.spendRetry(); left <= 0 {
		return fmt.Errorf("%w: retry budget exhausted", ErrClientDisconnecting)
	}
	return nil
}

// handleMessage dispatches a decoded envelope according to the session state.
func (s *Server) handleMessage(sess *Session, env protocol.Envelope) error {
	cmd := env.Command()
	if env.Head().Cmd != cmd {
		return s.replyError(sess, cmd, &ReceiptError{Kind: ErrProtocolCorruption, Reason: reasonCommandCorrupted})
	}

	state, userID, _ := sess.snapshot()

	var err error
	switch state {
	case stateUnauthenticated:
		switch m := env.(type) {
		case *protocol.Login:
			err = s.handleLogin(sess, m)
		case *protocol.Register:
			err = s.handleRegister(sess, m)
		default:
			err = authError(reasonPleaseLogIn)
		}

	case stateAuthenticated:
		switch m := env.(type) {
		case *protocol.Logout:
			err = s.handleLogout(sess, m)
		case *protocol.ReqUserInfo:
			err = s.sendUserInfo(sess, userID, protocol.CmdReqUserInfo)
		case *protocol.Chat:
			err = s.handleChat(sess, m)
		case *protocol.AddDelFriend:
			err = s.handleAddDelFriend(sess, m)
		case *protocol.AddDelGroup:
			err = s.handleAddDelGroup(sess, m)
		case *protocol.AcceptDenyReq:
			err = s.handleAcceptDenyReq(sess, m)
		case *protocol.QueryFriendInfo:
			err = s.handleQueryFriendInfo(sess, m)
		case *protocol.FindFriend:
			err = s.handleFindFriend(sess, m)
		case *protocol.SetInfo:
			err = s.handleSetInfo(sess, m)
		case *protocol.ModifyPassword:
			err = s.handleModifyPassword(sess, m)
		default:
			err = businessError(reasonUnknownCommand)
		}

	default:
		return fmt.Errorf("%w: session %s", ErrClientDisconnecting, state)
	}

	return s.replyError(sess, cmd, err)
}

// replyError converts a handler error into the reply the client sees.
// Transport errors and ErrClientDisconnecting pass through.
func (s *Server) replyError(sess *Session, cmd protocol.Command, err error) error {
	if err == nil || errors.Is(err, ErrClientDisconnecting) {
		return err
	}

	if errors.Is(err, errWriteFailed) {
		return err
	}

	var re *ReceiptError
	if !errors.As(err, &re) {
		sessionLogger(sess).WithError(err).WithField("cmd", cmd).Error("handler failed")
		re = &ReceiptError{Kind: ErrBusinessRule, Reason: reasonInternal}
	}

	var sendErr error
	if cmd == protocol.CmdLogin {
		sendErr = s.sendLoginFailure(sess, re.Reason)
	} else {
		sendErr = s.sendReceipt(sess, cmd, false, re.Reason)
	}
	if sendErr != nil {
		return sendErr
	}

	if re.Kind == ErrProtocolCorruption {
		return fmt.Errorf("%w: %s", ErrClientDisconnecting, re.Reason)
	}
	return nil
}

// endSession unregisters the user before the transport is closed, so nothing
// routed afterwards can reach a connection that is going away.
func (s *Server) endSession(sess *Session) {
	state, userID, _ := sess.snapshot()

	if state == stateAuthenticated {
		s.registry.Disconnect(userID)
	}
	sess.mu.Lock()
	sess.state = stateTerminated
	sess.mu.Unlock()

	if state == stateAuthenticated {
		if user, ok := s.store.Lookup(userID); ok {
			s.notifyFriends(user.ID, user.Nickname, user.FriendIDs(), false)
		}
		sessionLogger(sess).WithField("user", userID).Info("user offline")
	}

	s.sessions.RemoveSession(sess.ID)
}

// Deliver implements presence.Endpoint. Friend-request pushes update the
// session's pending caches, and an accepted request adds the friend to this
// user's groups before the push is forwarded to the client. The store update
// happens under the registry lane for this user; see presence.Endpoint for
// the lock order.
func (sess *Session) Deliver(env protocol.Envelope) bool {
	sess.mu.Lock()
	if sess.state != stateAuthenticated {
		sess.mu.Unlock()
		return false
	}
	userID := sess.userID

	var befriend string
	var group string
	switch m := env.(type) {
	case *protocol.AddDelFriend:
		if m.Add {
			sess.received.put(m.FriendID, "")
		}
	case *protocol.AcceptDenyReq:
		if m.Accept {
			befriend = m.FriendID
			group, _ = sess.sent.get(m.FriendID)
		}
		sess.sent.remove(m.FriendID)
		sess.received.remove(m.FriendID)
	}
	sess.mu.Unlock()

	if befriend != "" {
		if err := sess.server.addFriend(userID, befriend, group, true); err != nil {
			sessionLogger(sess).WithError(err).WithField("friend", befriend).Warn("applying accepted request")
		}
	}

	if err := sess.server.send(sess, env); err != nil {
		sessionLogger(sess).WithError(err).Debug("push delivery failed")
		return false
	}
	return true
}

// Terminate implements presence.Endpoint. The blocked read is interrupted and
// the session's own goroutine finishes the teardown.
func (sess *Session) Terminate() {
	sess.Conn.CloseRead()
}

// send writes env to the session's connection.
func (s *Server) send(sess *Session, env protocol.Envelope) error {
	if err := sess.Conn.Send(env); err != nil {
		return fmt.Errorf("%w: %s: %v", errWriteFailed, env.Command(), err)
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(env.Command())
	}
	return nil
}

func (s *Server) sendReceipt(sess *Session, exeCmd protocol.Command, success bool, reason string) error {
	return s.send(sess, protocol.NewReceipt(receiptID(sess), exeCmd, success, reason))
}

func (s *Server) sendSuccess(sess *Session, exeCmd protocol.Command) error {
	return s.sendReceipt(sess, exeCmd, true, "success")
}

// receiptID addresses a receipt to the logged in user, or "0" before login.
func receiptID(sess *Session) string {
	if id := sess.UserID(); id != "" {
		return id
	}
	return "0"
}

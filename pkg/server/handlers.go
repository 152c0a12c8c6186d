package server

import (
	"errors"
	"fmt"

	"github.com/aeolun/buddychat/pkg/database"
	"github.com/aeolun/buddychat/pkg/presence"
	"github.com/aeolun/buddychat/pkg/protocol"
)

// handleLogin authenticates the session. A user that is already online gets
// a failure reply and this connection is closed.
func (s *Server) handleLogin(sess *Session, msg *protocol.Login) error {
	logger := sessionLogger(sess).WithField("user", msg.ID)

	if s.registry.IsOnline(msg.ID) {
		logger.Info("login rejected: already logged in")
		if err := s.sendLoginFailure(sess, reasonAlreadyLoggedIn); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrClientDisconnecting, reasonAlreadyLoggedIn)
	}

	if !s.store.VerifyCredential(msg.ID, msg.Pwd) {
		logger.Info("login rejected: bad credentials")
		return authError(reasonBadCredentials)
	}
	user, ok := s.store.Lookup(msg.ID)
	if !ok {
		return authError(reasonBadCredentials)
	}

	sess.mu.Lock()
	sess.state = stateAuthenticated
	sess.userID = user.ID
	sess.nickname = user.Nickname
	sess.mu.Unlock()

	if err := s.registry.Connect(user.ID, sess); err != nil {
		sess.mu.Lock()
		sess.state = stateUnauthenticated
		sess.userID = ""
		sess.nickname = ""
		sess.mu.Unlock()

		if errors.Is(err, presence.ErrAlreadyOnline) {
			if err := s.sendLoginFailure(sess, reasonAlreadyLoggedIn); err != nil {
				return err
			}
		}
		return fmt.Errorf("%w: %v", ErrClientDisconnecting, err)
	}

	logger.Info("user online")
	s.notifyFriends(user.ID, user.Nickname, user.FriendIDs(), true)
	return s.sendUserInfo(sess, user.ID, protocol.CmdLogin)
}

// handleRegister creates an account. The session stays unauthenticated.
func (s *Server) handleRegister(sess *Session, msg *protocol.Register) error {
	if err := validateNickname(msg.Nickname); err != nil {
		return err
	}
	if err := validatePassword(msg.Pwd); err != nil {
		return err
	}

	id, err := s.store.NextID()
	if err != nil {
		return fmt.Errorf("allocate user ID: %w", err)
	}
	if err := s.store.CreateUser(database.NewUser(id, msg.Nickname), msg.Pwd); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	sessionLogger(sess).WithField("user", id).Info("registered")
	return s.send(sess, protocol.NewReceipt(id, protocol.CmdRegister, true, id))
}

func (s *Server) handleLogout(sess *Session, msg *protocol.Logout) error {
	if err := s.sendSuccess(sess, protocol.CmdLogout); err != nil {
		return err
	}
	return fmt.Errorf("%w: logout", ErrClientDisconnecting)
}

func (s *Server) handleChat(sess *Session, msg *protocol.Chat) error {
	_, userID, nickname := sess.snapshot()
	if msg.FriendID == userID {
		return businessError(reasonSelf)
	}
	user, ok := s.store.Lookup(userID)
	if !ok {
		return businessError(reasonUserNotFound)
	}
	if !user.HasFriend(msg.FriendID) {
		return businessError(reasonNotFriend)
	}

	relay := &protocol.Chat{
		Header:   protocol.Header{ID: msg.FriendID, Cmd: protocol.CmdChat, MsgID: msg.MsgID},
		Chat:     msg.Chat,
		FriendID: userID,
		Nickname: nickname,
	}
	if !s.registry.Route(msg.FriendID, relay) {
		return businessError(reasonDeliveryFailed)
	}
	return s.sendSuccess(sess, protocol.CmdChat)
}

func (s *Server) handleAddDelFriend(sess *Session, msg *protocol.AddDelFriend) error {
	_, userID, nickname := sess.snapshot()

	if !msg.Add {
		_, err := s.store.Update(userID, func(u *database.User) error {
			if !u.RemoveFriend(msg.FriendID) {
				return database.ErrFriendNotFound
			}
			return nil
		})
		if err != nil {
			return storeError(err)
		}
		return s.sendSuccess(sess, protocol.CmdAddDelFriend)
	}

	if msg.FriendID == userID {
		return businessError(reasonSelf)
	}
	if !s.store.Exists(msg.FriendID) {
		return businessError(reasonUserNotFound)
	}
	if msg.Group != "" {
		user, ok := s.store.Lookup(userID)
		if !ok || !user.Groups.Has(msg.Group) {
			return businessError(reasonGroupNotFound)
		}
	}

	sess.mu.Lock()
	sess.sent.put(msg.FriendID, msg.Group)
	sess.mu.Unlock()

	request := &protocol.AddDelFriend{
		Header:   protocol.Header{ID: msg.FriendID, Cmd: protocol.CmdAddDelFriend, MsgID: msg.MsgID},
		FriendID: userID,
		Nickname: nickname,
		Add:      true,
	}
	if !s.registry.Route(msg.FriendID, request) {
		return businessError(reasonDeliveryFailed)
	}
	return s.sendSuccess(sess, protocol.CmdAddDelFriend)
}

func (s *Server) handleAcceptDenyReq(sess *Session, msg *protocol.AcceptDenyReq) error {
	_, userID, nickname := sess.snapshot()

	sess.mu.Lock()
	_, pending := sess.received.get(msg.FriendID)
	sess.mu.Unlock()

	if msg.Accept {
		if !pending {
			return businessError(reasonRequestNotFound)
		}
		if err := s.addFriend(userID, msg.FriendID, msg.Group, false); err != nil {
			return storeError(err)
		}
	}

	sess.mu.Lock()
	sess.received.remove(msg.FriendID)
	sess.sent.remove(msg.FriendID)
	sess.mu.Unlock()

	answer := &protocol.AcceptDenyReq{
		Header:   protocol.Header{ID: msg.FriendID, Cmd: protocol.CmdAcceptDenyReq, MsgID: msg.MsgID},
		FriendID: userID,
		Nickname: nickname,
		Accept:   msg.Accept,
	}
	s.registry.Route(msg.FriendID, answer)
	return s.sendSuccess(sess, protocol.CmdAcceptDenyReq)
}

// addFriend puts friendID into one of userID's groups. With fallback set, a
// group that no longer exists means the default group.
func (s *Server) addFriend(userID, friendID, group string, fallback bool) error {
	_, err := s.store.Update(userID, func(u *database.User) error {
		err := u.AddFriend(friendID, group)
		if fallback && errors.Is(err, database.ErrGroupNotFound) {
			return u.AddFriend(friendID, protocol.DefaultGroup)
		}
		return err
	})
	return err
}

func (s *Server) handleQueryFriendInfo(sess *Session, msg *protocol.QueryFriendInfo) error {
	userID := sess.UserID()
	user, ok := s.store.Lookup(userID)
	if !ok {
		return businessError(reasonUserNotFound)
	}
	group, ok := user.FriendGroup(msg.FriendID)
	if !ok {
		return businessError(reasonNotFriend)
	}
	friend, ok := s.store.Lookup(msg.FriendID)
	if !ok {
		return businessError(reasonUserNotFound)
	}

	return s.send(sess, &protocol.RetFriendInfo{
		Header: protocol.Header{ID: userID, Cmd: protocol.CmdRetFriendInfo, MsgID: msg.MsgID},
		Group:  group,
		Result: friend.PublicInfo(s.registry.IsOnline(friend.ID)),
	})
}

// handleFindFriend searches by ID when one is given, else by nickname. Users
// that opted out of discovery are left out.
func (s *Server) handleFindFriend(sess *Session, msg *protocol.FindFriend) error {
	var users []*database.User
	switch {
	case msg.FriendID != "":
		users = s.store.SearchByID(msg.FriendID, msg.Fuzzy)
	case msg.Nickname != "":
		users = s.store.SearchByNickname(msg.Nickname, msg.Fuzzy)
	}

	result := make([]protocol.Summary, 0, len(users))
	for _, u := range users {
		if u.AllowFind {
			result = append(result, u.Summary(s.registry.IsOnline(u.ID)))
		}
	}

	return s.send(sess, &protocol.RetFindResult{
		Header: protocol.Header{ID: sess.UserID(), Cmd: protocol.CmdRetFindResult, MsgID: msg.MsgID},
		Result: result,
	})
}

func (s *Server) handleSetInfo(sess *Session, msg *protocol.SetInfo) error {
	if err := validateNickname(msg.Nickname); err != nil {
		return err
	}
	if err := validateSex(msg.Sex); err != nil {
		return err
	}
	if err := validateBirthday(msg.Birthday); err != nil {
		return err
	}

	_, err := s.store.Update(sess.UserID(), func(u *database.User) error {
		u.Nickname = msg.Nickname
		u.Sex = msg.Sex
		u.Birthday = msg.Birthday
		u.Description = msg.Desc
		u.ExtInfo = msg.ExtInfo
		u.AllowFind = msg.AllowFind
		return nil
	})
	if err != nil {
		return storeError(err)
	}
	sess.setNickname(msg.Nickname)
	return s.sendSuccess(sess, protocol.CmdSetInfo)
}

func (s *Server) handleModifyPassword(sess *Session, msg *protocol.ModifyPassword) error {
	if err := validatePassword(msg.NewPwd); err != nil {
		return err
	}
	if !s.store.ChangePassword(sess.UserID(), msg.OldPwd, msg.NewPwd) {
		return businessError(reasonWrongPassword)
	}
	return s.sendSuccess(sess, protocol.CmdModifyPassword)
}

func (s *Server) handleAddDelGroup(sess *Session, msg *protocol.AddDelGroup) error {
	if msg.Add {
		if err := validateNickname(msg.Group); err != nil {
			return businessError("invalid group name")
		}
	}

	_, err := s.store.Update(sess.UserID(), func(u *database.User) error {
		if msg.Add {
			return u.AddGroup(msg.Group)
		}
		return u.DeleteGroup(msg.Group, msg.MoveTo)
	})
	if err != nil {
		return storeError(err)
	}
	return s.sendSuccess(sess, protocol.CmdAddDelGroup)
}

// sendUserInfo replies with the full profile of userID. Friends are listed
// with their current nickname and online status.
func (s *Server) sendUserInfo(sess *Session, userID string, exeCmd protocol.Command) error {
	user, ok := s.store.Lookup(userID)
	if !ok {
		return businessError(reasonUserNotFound)
	}

	groups := make(protocol.Groups[protocol.Summary], 0, len(user.Groups))
	for _, g := range user.Groups {
		members := make([]protocol.Summary, 0, len(g.Members))
		for _, fid := range g.Members {
			online := s.registry.IsOnline(fid)
			if friend, ok := s.store.Lookup(fid); ok {
				members = append(members, friend.Summary(online))
			} else {
				members = append(members, protocol.Summary{ID: fid, Online: online})
			}
		}
		groups = append(groups, protocol.Group[protocol.Summary]{Name: g.Name, Members: members})
	}

	return s.send(sess, &protocol.RetUserInfo{
		Header:  protocol.Header{ID: user.ID, Cmd: protocol.CmdRetUserInfo},
		Success: true,
		User: protocol.Profile{
			PublicInfo: user.PublicInfo(s.registry.IsOnline(user.ID)),
			AllowFind:  user.AllowFind,
			Groups:     groups,
		},
		Reason: "success",
		ExeCmd: exeCmd,
	})
}

// sendLoginFailure answers a failed login. Login is the one request answered
// with RetUserInfo on failure as well as success.
func (s *Server) sendLoginFailure(sess *Session, reason string) error {
	return s.send(sess, &protocol.RetUserInfo{
		Header: protocol.Header{ID: receiptID(sess), Cmd: protocol.CmdRetUserInfo},
		Reason: reason,
		ExeCmd: protocol.CmdLogin,
	})
}

// notifyFriends tells every friend that userID came online or went offline.
// Friends that are offline are skipped by the registry.
func (s *Server) notifyFriends(userID, nickname string, friends []string, online bool) {
	for _, fid := range friends {
		s.registry.Route(fid, protocol.NewOnlineNotify(fid, userID, nickname, online))
	}
}

// storeError maps store sentinel errors onto client-facing reasons.
func storeError(err error) error {
	switch {
	case errors.Is(err, database.ErrFriendNotFound):
		return businessError(reasonFriendNotFound)
	case errors.Is(err, database.ErrGroupExists):
		return businessError(reasonGroupExists)
	case errors.Is(err, database.ErrGroupNotFound):
		return businessError(reasonGroupNotFound)
	case errors.Is(err, database.ErrDefaultGroup):
		return businessError(reasonDefaultGroup)
	case errors.Is(err, database.ErrUserNotFound):
		return businessError(reasonUserNotFound)
	}
	return err
}

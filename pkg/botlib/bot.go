package botlib

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/buddychat/pkg/protocol"
)

var log = logrus.WithField("component", "botlib")

// MessageHandler is called when a chat message is received.
type MessageHandler func(ctx *Context, msg *Message)

// FriendRequestHandler decides whether to accept a friend request.
type FriendRequestHandler func(req *FriendRequest) bool

// FriendAnswerHandler is called when a friend request the bot sent is answered.
type FriendAnswerHandler func(answer *FriendAnswer)

// PresenceHandler is called when a friend comes online or goes offline.
type PresenceHandler func(change *PresenceChange)

// Config holds the bot configuration.
type Config struct {
	// Server address (host:port)
	Server string

	// Transport is "tcp" (default) or "ws"
	Transport string

	// SharedSecret must match the server's when envelopes are encrypted
	SharedSecret string

	// UserID to log in as. Empty registers a new account with Nickname.
	UserID   string
	Password string
	Nickname string

	// AutoAccept accepts every friend request no handler decided on
	AutoAccept bool

	// Logger for bot output (optional)
	Logger *logrus.Entry

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration
}

// Bot represents a BuddyChat bot instance.
type Bot struct {
	config Config
	conn   *connection
	logger *logrus.Entry

	mu       sync.RWMutex
	id       string
	nickname string
	msgSeq   atomic.Int64

	// Handlers
	onMessage       MessageHandler
	onFriendRequest FriendRequestHandler
	onFriendAnswer  FriendAnswerHandler
	onPresence      PresenceHandler

	// Lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}

	return &Bot{
		config:   config,
		logger:   config.Logger,
		id:       config.UserID,
		nickname: config.Nickname,
		stopCh:   make(chan struct{}),
	}
}

// OnMessage registers a handler for chat messages.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnFriendRequest registers a handler deciding on friend requests.
func (b *Bot) OnFriendRequest(handler FriendRequestHandler) {
	b.onFriendRequest = handler
}

// OnFriendAnswer registers a handler for answers to the bot's requests.
func (b *Bot) OnFriendAnswer(handler FriendAnswerHandler) {
	b.onFriendAnswer = handler
}

// OnPresence registers a handler for friends' presence changes.
func (b *Bot) OnPresence(handler PresenceHandler) {
	b.onPresence = handler
}

// ID returns the bot's user ID, empty before registration or login.
func (b *Bot) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// Nickname returns the bot's nickname as last reported by the server.
func (b *Bot) Nickname() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nickname
}

// Connect opens the connection and starts dispatching pushes. Handlers must
// be registered before Connect.
func (b *Bot) Connect() error {
	cipher, err := protocol.NewCipher(b.config.SharedSecret)
	if err != nil {
		return fmt.Errorf("cipher: %w", err)
	}

	b.conn = newConnection(b.config.Server, b.config.Transport, protocol.NewCodec(cipher))
	b.logger.Infof("Connecting to %s...", b.config.Server)
	if err := b.conn.connect(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.conn.receiveLoop()
	}()
	go b.dispatchLoop()
	return nil
}

// Run connects, registers when no UserID is configured, logs in and handles
// pushes until ctx is done, Stop is called or the server hangs up.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Connect(); err != nil {
		return err
	}

	if b.ID() == "" {
		id, err := b.Register(b.config.Nickname, b.config.Password)
		if err != nil {
			b.conn.close()
			b.wg.Wait()
			return fmt.Errorf("register: %w", err)
		}
		b.logger.Infof("Registered as %s", id)
	}

	if _, err := b.Login(b.ID(), b.config.Password); err != nil {
		b.conn.close()
		b.wg.Wait()
		return fmt.Errorf("login: %w", err)
	}
	b.logger.Infof("Bot %s (%s) is running", b.ID(), b.Nickname())

	select {
	case <-ctx.Done():
		b.logger.Info("Shutdown requested")
	case <-b.stopCh:
		b.logger.Info("Stop requested")
	case <-b.conn.done:
		b.logger.Warn("Connection lost")
		b.conn.close()
		b.wg.Wait()
		return ErrConnectionClosed
	}

	return b.shutdown()
}

// Stop makes Run return.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Close logs out and closes the connection.
func (b *Bot) Close() error {
	b.Stop()
	return b.shutdown()
}

func (b *Bot) shutdown() error {
	if b.conn == nil {
		return nil
	}
	if id := b.ID(); id != "" && !b.conn.isClosed() {
		// the server answers and hangs up
		if _, err := b.conn.sendAndWait(&protocol.Logout{Header: b.header(protocol.CmdLogout)}, time.Second); err != nil {
			b.logger.WithError(err).Debug("logout")
		}
	}
	b.conn.close()
	b.Stop()
	b.wg.Wait()

	b.logger.Info("Bot stopped")
	return nil
}

func (b *Bot) header(cmd protocol.Command) protocol.Header {
	id := b.ID()
	if id == "" {
		id = "0"
	}
	return protocol.Header{ID: id, Cmd: cmd}
}

// Register creates an account and returns its ID.
func (b *Bot) Register(nickname, password string) (string, error) {
	msg := &protocol.Register{
		Header:   protocol.Header{ID: "0", Cmd: protocol.CmdRegister},
		Pwd:      password,
		Nickname: nickname,
	}
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return "", err
	}
	receipt, err := expectReceipt(resp, protocol.CmdRegister)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.id = receipt.Reason
	b.mu.Unlock()
	return receipt.Reason, nil
}

// Login authenticates as id and returns the user's profile.
func (b *Bot) Login(id, password string) (*protocol.Profile, error) {
	msg := &protocol.Login{Header: protocol.Header{ID: id, Cmd: protocol.CmdLogin}, Pwd: password}
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	profile, err := b.userInfo(resp, protocol.CmdLogin)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.id = id
	b.mu.Unlock()
	return profile, nil
}

// Profile fetches the bot's own profile.
func (b *Bot) Profile() (*protocol.Profile, error) {
	resp, err := b.conn.sendAndWait(&protocol.ReqUserInfo{Header: b.header(protocol.CmdReqUserInfo)}, b.config.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	return b.userInfo(resp, protocol.CmdReqUserInfo)
}

func (b *Bot) userInfo(resp protocol.Envelope, cmd protocol.Command) (*protocol.Profile, error) {
	switch r := resp.(type) {
	case *protocol.RetUserInfo:
		if !r.Success {
			return nil, &RefusedError{Cmd: cmd, Reason: r.Reason}
		}
		b.mu.Lock()
		b.nickname = r.User.Nickname
		b.mu.Unlock()
		return &r.User, nil
	case *protocol.Receipt:
		if r.Success {
			return nil, fmt.Errorf("unexpected receipt for %s", r.ExeCmd)
		}
		return nil, &RefusedError{Cmd: cmd, Reason: r.Reason}
	default:
		return nil, fmt.Errorf("unexpected response %s", resp.Command())
	}
}

// SendChat sends text to a friend.
func (b *Bot) SendChat(friendID, text string) error {
	msg := &protocol.Chat{
		Header:   b.header(protocol.CmdChat),
		Chat:     text,
		FriendID: friendID,
	}
	msg.MsgID = b.msgSeq.Add(1)
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return err
	}
	_, err = expectReceipt(resp, protocol.CmdChat)
	return err
}

// AddFriend asks friendID to become a friend, filed under group once
// accepted. An empty group means the default one.
func (b *Bot) AddFriend(friendID, group string) error {
	return b.friendRequest(&protocol.AddDelFriend{
		Header:   b.header(protocol.CmdAddDelFriend),
		FriendID: friendID,
		Group:    group,
		Add:      true,
	})
}

// RemoveFriend deletes friendID from the bot's friend list.
func (b *Bot) RemoveFriend(friendID string) error {
	return b.friendRequest(&protocol.AddDelFriend{
		Header:   b.header(protocol.CmdAddDelFriend),
		FriendID: friendID,
	})
}

func (b *Bot) friendRequest(msg *protocol.AddDelFriend) error {
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return err
	}
	_, err = expectReceipt(resp, protocol.CmdAddDelFriend)
	return err
}

// Answer accepts or denies a pending friend request from friendID.
func (b *Bot) Answer(friendID, group string, accept bool) error {
	msg := &protocol.AcceptDenyReq{
		Header:   b.header(protocol.CmdAcceptDenyReq),
		Group:    group,
		FriendID: friendID,
		Accept:   accept,
	}
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return err
	}
	_, err = expectReceipt(resp, protocol.CmdAcceptDenyReq)
	return err
}

// Find searches for users by ID, or by nickname when id is empty.
func (b *Bot) Find(id, nickname string, fuzzy bool) ([]protocol.Summary, error) {
	msg := &protocol.FindFriend{
		Header:   b.header(protocol.CmdFindFriend),
		FriendID: id,
		Nickname: nickname,
		Fuzzy:    fuzzy,
	}
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case *protocol.RetFindResult:
		return r.Result, nil
	case *protocol.Receipt:
		return nil, &RefusedError{Cmd: protocol.CmdFindFriend, Reason: r.Reason}
	default:
		return nil, fmt.Errorf("unexpected response %s", resp.Command())
	}
}

// FriendInfo returns a friend's public info and the group it is filed in.
func (b *Bot) FriendInfo(friendID string) (*protocol.PublicInfo, string, error) {
	msg := &protocol.QueryFriendInfo{Header: b.header(protocol.CmdQueryFriendInfo), FriendID: friendID}
	resp, err := b.conn.sendAndWait(msg, b.config.ResponseTimeout)
	if err != nil {
		return nil, "", err
	}
	switch r := resp.(type) {
	case *protocol.RetFriendInfo:
		return &r.Result, r.Group, nil
	case *protocol.Receipt:
		return nil, "", &RefusedError{Cmd: protocol.CmdQueryFriendInfo, Reason: r.Reason}
	default:
		return nil, "", fmt.Errorf("unexpected response %s", resp.Command())
	}
}

// dispatchLoop runs handlers for pushes. Handlers may issue requests since
// responses are read by the receive loop.
func (b *Bot) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case env := <-b.conn.pushCh:
			b.handlePush(env)
		case <-b.conn.done:
			return
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handlePush(env protocol.Envelope) {
	switch msg := env.(type) {
	case *protocol.Chat:
		b.handleChat(msg)
	case *protocol.AddDelFriend:
		if msg.Add {
			b.handleFriendRequest(msg)
		}
	case *protocol.AcceptDenyReq:
		b.logger.WithField("friend", msg.FriendID).Infof("Friend request answered: accepted=%t", msg.Accept)
		if b.onFriendAnswer != nil {
			b.onFriendAnswer(&FriendAnswer{FromID: msg.FriendID, Nickname: msg.Nickname, Accepted: msg.Accept})
		}
	case *protocol.RetOnlineNotify:
		if b.onPresence != nil {
			b.onPresence(&PresenceChange{FriendID: msg.FriendID, Nickname: msg.Nickname, Online: msg.Online})
		}
	default:
		b.logger.Debugf("Received push %s", env.Command())
	}
}

func (b *Bot) handleChat(chat *protocol.Chat) {
	if chat.FriendID == b.ID() {
		return
	}

	msg := &Message{
		MsgID:        chat.MsgID,
		FromID:       chat.FriendID,
		FromNickname: chat.Nickname,
		Text:         chat.Chat,
		ReceivedAt:   time.Now(),
	}
	if b.onMessage != nil {
		b.onMessage(&Context{bot: b, message: msg}, msg)
	}
}

func (b *Bot) handleFriendRequest(msg *protocol.AddDelFriend) {
	req := &FriendRequest{MsgID: msg.MsgID, FromID: msg.FriendID, Nickname: msg.Nickname}

	var accept bool
	switch {
	case b.onFriendRequest != nil:
		accept = b.onFriendRequest(req)
	case b.config.AutoAccept:
		accept = true
	default:
		b.logger.WithField("from", req.FromID).Info("Friend request left pending")
		return
	}

	if err := b.Answer(req.FromID, "", accept); err != nil {
		b.logger.WithError(err).WithField("from", req.FromID).Warn("Failed to answer friend request")
		return
	}
	b.logger.WithField("from", req.FromID).Infof("Friend request from %s: accepted=%t", req.Nickname, accept)
}

// Package botlib provides a simple library for building BuddyChat bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat message received by the bot.
type Message struct {
	MsgID        int64
	FromID       string
	FromNickname string
	Text         string
	ReceivedAt   time.Time
}

// IsCommand returns true if the message starts with "!".
func (m *Message) IsCommand() bool {
	return strings.HasPrefix(strings.TrimSpace(m.Text), "!")
}

// Command splits a "!name args" message into its lowercased name and the
// remaining text. Both are empty for messages that are not commands.
func (m *Message) Command() (name, args string) {
	if !m.IsCommand() {
		return "", ""
	}
	text := strings.TrimPrefix(strings.TrimSpace(m.Text), "!")
	name, args, _ = strings.Cut(text, " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}

// FriendRequest is an incoming request to be added as someone's friend.
type FriendRequest struct {
	MsgID    int64
	FromID   string
	Nickname string
}

// FriendAnswer is the answer to a friend request the bot sent.
type FriendAnswer struct {
	FromID   string
	Nickname string
	Accepted bool
}

// PresenceChange reports a friend coming online or going offline.
type PresenceChange struct {
	FriendID string
	Nickname string
	Online   bool
}

package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply sends text back to the message's author.
func (c *Context) Reply(text string) error {
	return c.bot.SendChat(c.message.FromID, text)
}

// Author returns the nickname of the message author.
func (c *Context) Author() string {
	return c.message.FromNickname
}

// AuthorID returns the user ID of the message author.
func (c *Context) AuthorID() string {
	return c.message.FromID
}

// Bot returns the bot that received the message.
func (c *Context) Bot() *Bot {
	return c.bot
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	c.bot.logger.Infof(format, args...)
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{from=%s, msgid=%d, author=%s}",
		c.message.FromID, c.message.MsgID, c.message.FromNickname)
}

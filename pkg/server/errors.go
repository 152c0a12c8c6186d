package server

import (
	"errors"
	"fmt"
)

// ErrClientDisconnecting ends a session's message loop without an error
// reply. Logout, forced termination and an exhausted retry budget wrap it.
var ErrClientDisconnecting = errors.New("client disconnecting")

// errWriteFailed marks transport write failures, which end the session.
var errWriteFailed = errors.New("write failed")

// ErrorKind classifies failures that are answered with a receipt.
type ErrorKind uint8

const (
	// ErrAuth covers bad credentials and duplicate logins.
	ErrAuth ErrorKind = iota + 1
	// ErrBusinessRule covers requests that are well formed but not allowed.
	ErrBusinessRule
	// ErrProtocolCorruption means a decoded envelope's type disagrees with
	// its command code. The session is terminated after the receipt.
	ErrProtocolCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case ErrAuth:
		return "auth"
	case ErrBusinessRule:
		return "business rule"
	case ErrProtocolCorruption:
		return "protocol corruption"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ReceiptError is returned by handlers. Reason is sent to the client verbatim.
type ReceiptError struct {
	Kind   ErrorKind
	Reason string
}

func (e *ReceiptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func businessError(reason string) error {
	return &ReceiptError{Kind: ErrBusinessRule, Reason: reason}
}

func authError(reason string) error {
	return &ReceiptError{Kind: ErrAuth, Reason: reason}
}

// Reasons sent to clients.
const (
	reasonPleaseLogIn      = "please log in"
	reasonUnknownCommand   = "unknown command"
	reasonAlreadyLoggedIn  = "already logged in"
	reasonBadCredentials   = "wrong ID or password"
	reasonNotFriend        = "not your friend"
	reasonSelf             = "cannot target yourself"
	reasonUserNotFound     = "user not found"
	reasonFriendNotFound   = "friend or group not found"
	reasonGroupExists      = "group exists"
	reasonGroupNotFound    = "group not found"
	reasonDefaultGroup     = "default group cannot be deleted"
	reasonRequestNotFound  = "request not found or expired"
	reasonWrongPassword    = "wrong password"
	reasonDeliveryFailed   = "delivery failed"
	reasonInternal         = "internal error"
	reasonCommandCorrupted = "command does not match envelope"
)

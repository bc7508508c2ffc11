package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrAuth                = errors.New("chatsync: authentication failed")
	ErrConnection          = errors.New("chatsync: connection failed")
	ErrReconnectExhausted  = errors.New("chatsync: reconnect attempts exhausted")
	ErrNotConnected        = errors.New("chatsync: not connected")
	ErrClosed              = errors.New("chatsync: client closed")
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
)

// AuthError is returned when the gateway or the local credential check
// refuses the session. It is never retried.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "chatsync: authentication failed: " + e.Reason }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// ConnectionError reports a transport failure. Attempt is the reconnect
// attempt that failed, 0 for the initial connect.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt == 0 {
		return fmt.Sprintf("chatsync: connection failed: %v", e.Err)
	}
	return fmt.Sprintf("chatsync: connection failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// SubscriptionError is returned by Subscribe when the gateway refuses a
// channel. The session itself is unaffected.
type SubscriptionError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chatsync: subscribe %s: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("chatsync: subscribe %s: %s", e.Channel, e.Reason)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

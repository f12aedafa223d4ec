package connection

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed reports that the connection was shut down locally while an
// operation was waiting on it.
var ErrClosed = errors.New("connection closed")

// AuthenticationError means the service rejected the supplied credential.
// It is terminal: no retry will succeed with the same credential.
type AuthenticationError struct {
	Message string
	Code    string
}

func (e *AuthenticationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authentication failed: %s (code %s)", e.Message, e.Code)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// TimeoutError means an operation did not complete within its window.
type TimeoutError struct {
	Op     string
	Window time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Window)
}

// NotConnectedError means an operation needs an established connection and
// there is none.
type NotConnectedError struct {
	Op string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("cannot %s: not connected", e.Op)
}

// DisconnectError reports an unexpected connection loss. It is delivered on
// the manager's error channel while reconnection runs in the background.
type DisconnectError struct {
	Code   int
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("connection lost (close code %d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection lost: %s", e.Reason)
}

// ReconnectFailedError reports that every reconnection attempt failed. It is
// terminal; the manager returns to the disconnected state.
type ReconnectFailedError struct {
	Attempts int
	LastErr  error
}

func (e *ReconnectFailedError) Error() string {
	return fmt.Sprintf("reconnection failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ReconnectFailedError) Unwrap() error {
	return e.LastErr
}

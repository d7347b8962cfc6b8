package transport

import (
	"errors"
	"fmt"
	"time"
)

// DefaultCommandTimeout bounds a single remote command when the caller does
// not supply a timeout. Applies to both the synchronous and streaming paths.
const DefaultCommandTimeout = 300 * time.Second

// ConnectError is returned when a session could not be opened or was lost.
// It is terminal for the node it names and must never affect other nodes.
type ConnectError struct {
	Node string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Node, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommandTimeoutError is returned when a command exceeded its bounded
// timeout. Distinct from a command that legitimately exits non-zero.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// IsTimeout reports whether err is a command timeout.
func IsTimeout(err error) bool {
	var te *CommandTimeoutError
	return errors.As(err, &te)
}

// IsConnect reports whether err is a connect/transport failure.
func IsConnect(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// Package errdefs defines the error classes shared across the manager.
// Every user-facing failure wraps exactly one of these sentinels so the
// CLI can map it to a distinct exit code with errors.Is.
package errdefs

import "errors"

var (
	// ErrProtocol indicates malformed or out-of-spec RCON packet framing.
	ErrProtocol = errors.New("protocol error")

	// ErrConnection indicates a transport-level failure to establish a
	// session (refused, unreachable, DNS failure).
	ErrConnection = errors.New("connection error")

	// ErrAuthentication indicates a rejected credential or a
	// desynchronized protocol state during the auth handshake.
	ErrAuthentication = errors.New("authentication error")

	// ErrTimeout indicates no response arrived within the configured
	// bound. Applies to auth and command execution.
	ErrTimeout = errors.New("timeout")

	// ErrAlreadyRunning indicates a start was requested for an instance
	// whose session is already alive.
	ErrAlreadyRunning = errors.New("server is already running")

	// ErrNotRunning indicates a stop or command was requested for an
	// instance with no live session.
	ErrNotRunning = errors.New("server is not running")

	// ErrInconsistentState indicates the supervisor and the lifecycle
	// state disagree on process existence.
	ErrInconsistentState = errors.New("inconsistent server state")
)

// Exit codes for the gsm binary. Zero is success; anything not covered
// by a sentinel maps to ExitFailure.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitAlreadyRunning    = 10
	ExitNotRunning        = 11
	ExitAuthentication    = 12
	ExitConnection        = 13
	ExitProtocol          = 14
	ExitInconsistentState = 15
)

// ExitCode maps an error to the process exit code for the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, ErrNotRunning):
		return ExitNotRunning
	case errors.Is(err, ErrAuthentication):
		return ExitAuthentication
	case errors.Is(err, ErrConnection), errors.Is(err, ErrTimeout):
		return ExitConnection
	case errors.Is(err, ErrProtocol):
		return ExitProtocol
	case errors.Is(err, ErrInconsistentState):
		return ExitInconsistentState
	default:
		return ExitFailure
	}
}

// Package supervisor controls the named background session hosting a
// game-server process: starting it, stopping it with bounded
// escalation, and answering "is it alive". Two implementations exist,
// one over GNU screen sessions and one over systemd units.
package supervisor

import "time"

// ProcessState is the observable state of a supervised process.
// Unknown is a first-class answer, not an error: the operator must be
// able to tell "I can't check" apart from "it is stopped".
type ProcessState int

const (
	StateUnknown ProcessState = iota
	StateStopped
	StateRunning
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handle is the runtime identity of a supervised process. Created on
// Start, invalidated when the process is found absent.
type Handle struct {
	SessionName string
	PID         int
}

// Supervisor starts, stops and inspects one instance's background
// process. Start and Stop treat their status check-then-act sequence as
// best effort; callers wanting mutual exclusion across concurrent
// invocations hold a Lock around them.
type Supervisor interface {
	// Start spawns the launch command inside a named background
	// session. Returns errdefs.ErrAlreadyRunning when a live session
	// already exists.
	Start(command string) (*Handle, error)

	// Stop terminates the session, waiting up to grace before
	// escalating to forced termination. Returns errdefs.ErrNotRunning
	// when no session exists.
	Stop(grace time.Duration) error

	// Status inspects the session. A failed check reports
	// StateUnknown with a nil error.
	Status() (ProcessState, *Handle, error)

	// SendCommand injects a console command into the session's stdin.
	SendCommand(command string) error
}

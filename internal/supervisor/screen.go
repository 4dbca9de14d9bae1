package supervisor

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/game-server-manager/internal/errdefs"
)

// Screen supervises a process inside a detached GNU screen session.
type Screen struct {
	executor    Executor
	sessionName string
	logFile     string
	runAsUser   string
	useSudo     bool
	history     int
	log         *slog.Logger

	// pollInterval is shortened in tests.
	pollInterval time.Duration
}

// ScreenOptions configure a screen supervisor for one instance.
type ScreenOptions struct {
	SessionName string
	LogFile     string
	RunAsUser   string
	UseSudo     bool
	History     int
}

// NewScreen builds a screen supervisor driving commands through
// executor.
func NewScreen(executor Executor, opts ScreenOptions, log *slog.Logger) *Screen {
	history := opts.History
	if history <= 0 {
		history = 1024
	}
	return &Screen{
		executor:     executor,
		sessionName:  opts.SessionName,
		logFile:      opts.LogFile,
		runAsUser:    opts.RunAsUser,
		useSudo:      opts.UseSudo,
		history:      history,
		log:          log,
		pollInterval: time.Second,
	}
}

// screenListPattern matches one line of `screen -list` output:
//
//	12345.session-name	(01/16/2026 12:00:00 PM)	(Detached)
var screenListPattern = regexp.MustCompile(`^\s*(\d+)\.(\S+)\s+\([^)]+\)\s+\((\w+)\)`)

// Start spawns command inside a fresh detached session, teeing output
// to the configured log file.
func (s *Screen) Start(command string) (*Handle, error) {
	state, handle, err := s.Status()
	if err != nil {
		return nil, err
	}
	if state == StateRunning {
		return nil, fmt.Errorf("%w: session %s is alive (pid %d)", errdefs.ErrAlreadyRunning, s.sessionName, handle.PID)
	}

	// Clear dead session sockets left over from a crash so the new
	// session name is free.
	s.executor.Run("screen -wipe")

	inner := command
	if s.logFile != "" {
		inner = fmt.Sprintf("%s 2>&1 | tee -a %s", command, bashDoubleQuote(s.logFile))
	}
	screenCmd := fmt.Sprintf("screen -h %d -dmS %s bash -lc %s",
		s.history, s.sessionName, bashDoubleQuote(inner))

	if output, err := s.executor.Run(s.wrapForUser(screenCmd)); err != nil {
		return nil, fmt.Errorf("failed to create screen session: %w (output: %s)", err, output)
	}

	state, handle, err = s.Status()
	if err != nil {
		return nil, err
	}
	if state != StateRunning {
		return nil, fmt.Errorf("screen session %s created but not found in session list", s.sessionName)
	}

	s.log.Info("screen session created", "session", s.sessionName, "pid", handle.PID)
	return handle, nil
}

// Status checks whether the session is alive. screen -ls exits nonzero
// in several benign cases (no sessions at all, and some builds even
// when sessions exist), so the exit code proves nothing on its own:
// only output that reads as a screen listing is trusted. A check whose
// output is unrecognizable (sudo refusing, screen missing) reports
// StateUnknown with a nil error, never StateStopped.
func (s *Screen) Status() (ProcessState, *Handle, error) {
	output, err := s.executor.Run(s.wrapForUser("screen -list"))

	for _, line := range strings.Split(output, "\n") {
		matches := screenListPattern.FindStringSubmatch(line)
		if len(matches) < 4 || matches[2] != s.sessionName {
			continue
		}
		pid, _ := strconv.Atoi(matches[1])
		return StateRunning, &Handle{SessionName: s.sessionName, PID: pid}, nil
	}

	if isScreenListing(output) {
		return StateStopped, nil, nil
	}
	if err != nil {
		s.log.Warn("screen session check failed", "session", s.sessionName, "error", err)
		return StateUnknown, nil, nil
	}
	return StateStopped, nil, nil
}

// isScreenListing reports whether output came from screen -list: the
// no-sessions message or a socket summary line.
func isScreenListing(output string) bool {
	return strings.Contains(output, "No Sockets found") ||
		strings.Contains(output, "Socket in") ||
		strings.Contains(output, "Sockets in")
}

// Stop tears the session down: interrupt first, wait up to grace, then
// quit the session, then kill the owning process outright.
func (s *Screen) Stop(grace time.Duration) error {
	state, handle, err := s.Status()
	if err != nil {
		return err
	}
	if state == StateStopped {
		return fmt.Errorf("%w: no session named %s", errdefs.ErrNotRunning, s.sessionName)
	}
	if state == StateUnknown {
		return fmt.Errorf("%w: cannot determine state of session %s", errdefs.ErrInconsistentState, s.sessionName)
	}

	// Ctrl+C gives the process a chance to exit on its own terms.
	interrupt := fmt.Sprintf("screen -S %s -X stuff $'\\003'", s.sessionName)
	if _, err := s.executor.Run(s.wrapForUser(interrupt)); err != nil {
		s.log.Warn("failed to interrupt session", "session", s.sessionName, "error", err)
	}
	if s.waitForExit(grace) {
		s.log.Info("screen session stopped", "session", s.sessionName)
		return nil
	}

	s.log.Warn("grace period expired, quitting session", "session", s.sessionName)
	quit := fmt.Sprintf("screen -S %s -X quit", s.sessionName)
	if _, err := s.executor.Run(s.wrapForUser(quit)); err != nil {
		s.log.Warn("failed to quit session", "session", s.sessionName, "error", err)
	}
	if s.waitForExit(5 * time.Second) {
		return nil
	}

	// Last resort.
	if handle != nil && handle.PID > 0 {
		kill := fmt.Sprintf("kill -9 %d", handle.PID)
		if output, err := s.executor.Run(s.wrapForUser(kill)); err != nil {
			return fmt.Errorf("failed to kill session %s: %w (output: %s)", s.sessionName, err, output)
		}
	}

	if !s.waitForExit(5 * time.Second) {
		return fmt.Errorf("session %s still alive after forced kill", s.sessionName)
	}
	return nil
}

// SendCommand injects a console command into the session's stdin.
func (s *Screen) SendCommand(command string) error {
	state, _, err := s.Status()
	if err != nil {
		return err
	}
	if state != StateRunning {
		return fmt.Errorf("%w: no session named %s", errdefs.ErrNotRunning, s.sessionName)
	}

	stuff := fmt.Sprintf("screen -p 0 -S %s -X stuff '%s\n'", s.sessionName, escapeSingleQuotes(command))
	if output, err := s.executor.Run(s.wrapForUser(stuff)); err != nil {
		return fmt.Errorf("failed to send command to session: %w (output: %s)", err, output)
	}
	s.log.Debug("sent console command", "session", s.sessionName, "command", command)
	return nil
}

func (s *Screen) waitForExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		state, _, _ := s.Status()
		if state == StateStopped {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(s.pollInterval)
	}
}

func (s *Screen) wrapForUser(cmd string) string {
	if s.runAsUser == "" || !s.useSudo {
		return cmd
	}
	return fmt.Sprintf("sudo -n -i -u %s bash -lc %s", bashQuote(s.runAsUser), bashDoubleQuote(cmd))
}

func escapeSingleQuotes(value string) string {
	return strings.ReplaceAll(value, "'", "'\\''")
}

func bashQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}

func bashDoubleQuote(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return "\"" + value + "\""
}

package supervisor

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/yourusername/game-server-manager/internal/ssh"
)

// Executor abstracts shell command execution so the same supervisor
// drives a local host or a remote one over SSH, and so tests never touch
// a real process tree.
type Executor interface {
	Run(command string) (string, error)
}

// LocalExecutor runs commands through the local shell.
type LocalExecutor struct{}

func (LocalExecutor) Run(command string) (string, error) {
	cmd := exec.Command("bash", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// NewExecutor picks the executor for an SSH configuration: remote when
// one is given, local otherwise.
func NewExecutor(sshCfg *ssh.ClientConfig) (Executor, func() error, error) {
	if sshCfg == nil {
		return LocalExecutor{}, func() error { return nil }, nil
	}

	client, err := ssh.NewClient(sshCfg)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// MockExecutor records commands and serves canned responses in tests.
type MockExecutor struct {
	Commands []string
	Output   string
	Err      error

	// Handlers match on command prefix and take precedence over the
	// canned Output/Err pair.
	Handlers map[string]func(command string) (string, error)
}

func (m *MockExecutor) Run(command string) (string, error) {
	m.Commands = append(m.Commands, command)
	for prefix, handler := range m.Handlers {
		if strings.HasPrefix(command, prefix) {
			return handler(command)
		}
	}
	return m.Output, m.Err
}

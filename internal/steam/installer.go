// Package steam installs and validates game-server content through
// steamcmd. Game-specific setup beyond the steamcmd invocation is out
// of scope; the lifecycle treats this package as its installer
// collaborator for Steam-installable types.
package steam

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/yourusername/game-server-manager/internal/supervisor"
)

// Installer drives steamcmd through an Executor so installs work both
// locally and over SSH.
type Installer struct {
	executor supervisor.Executor
	cmdPath  string
	log      *slog.Logger
}

// Credentials are the optional Steam login; anonymous is used when
// empty, which suffices for most dedicated-server apps.
type Credentials struct {
	Username string
	Password string
}

// NewInstaller builds an installer. cmdPath defaults to "steamcmd" on
// PATH.
func NewInstaller(executor supervisor.Executor, cmdPath string, log *slog.Logger) *Installer {
	if cmdPath == "" {
		cmdPath = "steamcmd"
	}
	return &Installer{executor: executor, cmdPath: cmdPath, log: log}
}

// Install downloads or updates appID into installDir. A non-empty beta
// selects that branch of the app.
func (i *Installer) Install(installDir string, appID int, beta string, creds Credentials) error {
	return i.run(installDir, appID, beta, creds, false)
}

// Validate re-verifies installed content against Steam's manifests,
// re-fetching anything missing or corrupt.
func (i *Installer) Validate(installDir string, appID int, beta string, creds Credentials) error {
	return i.run(installDir, appID, beta, creds, true)
}

func (i *Installer) run(installDir string, appID int, beta string, creds Credentials, validate bool) error {
	if appID == 0 {
		return fmt.Errorf("no steam app id configured")
	}

	login := "+login anonymous"
	if creds.Username != "" {
		login = fmt.Sprintf("+login %s %s", creds.Username, creds.Password)
	}

	update := fmt.Sprintf("+app_update %d", appID)
	if beta != "" {
		update += " -beta " + beta
	}
	if validate {
		update += " validate"
	}

	cmd := fmt.Sprintf("%s +force_install_dir %q %s %s +quit", i.cmdPath, installDir, login, update)

	verb := "installing"
	if validate {
		verb = "validating"
	}
	i.log.Info("running steamcmd", "action", verb, "app_id", appID, "dir", installDir)

	output, err := i.executor.Run(cmd)
	if err != nil {
		return fmt.Errorf("steamcmd failed: %w", err)
	}
	if strings.Contains(output, "ERROR!") {
		return fmt.Errorf("steamcmd reported an error: %s", lastLine(output))
	}

	i.log.Info("steamcmd finished", "app_id", appID)
	return nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

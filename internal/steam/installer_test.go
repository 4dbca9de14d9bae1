package steam

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/yourusername/game-server-manager/internal/supervisor"
)

func testInstaller(exec *supervisor.MockExecutor) *Installer {
	return NewInstaller(exec, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInstallBuildsAnonymousCommand(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success! App '376030' fully installed."}
	installer := testInstaller(exec)

	if err := installer.Install("/srv/ark", 376030, "", Credentials{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(exec.Commands) != 1 {
		t.Fatalf("commands = %v", exec.Commands)
	}

	cmd := exec.Commands[0]
	for _, want := range []string{
		"steamcmd",
		`+force_install_dir "/srv/ark"`,
		"+login anonymous",
		"+app_update 376030",
		"+quit",
	} {
		if !strings.Contains(cmd, want) {
			t.Fatalf("command %q missing %q", cmd, want)
		}
	}
	if strings.Contains(cmd, "validate") {
		t.Fatalf("install command requested validation: %q", cmd)
	}
}

func TestValidateAddsValidateFlag(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success!"}
	installer := testInstaller(exec)

	if err := installer.Validate("/srv/ark", 376030, "", Credentials{}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.Contains(exec.Commands[0], "+app_update 376030 validate") {
		t.Fatalf("command = %q", exec.Commands[0])
	}
}

func TestInstallSelectsBetaBranch(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success!"}
	installer := testInstaller(exec)

	if err := installer.Install("/srv/ark", 376030, "experimental", Credentials{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !strings.Contains(exec.Commands[0], "+app_update 376030 -beta experimental") {
		t.Fatalf("command = %q", exec.Commands[0])
	}
}

func TestValidateKeepsBetaBranch(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success!"}
	installer := testInstaller(exec)

	if err := installer.Validate("/srv/ark", 376030, "experimental", Credentials{}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.Contains(exec.Commands[0], "-beta experimental validate") {
		t.Fatalf("command = %q", exec.Commands[0])
	}
}

func TestInstallUsesCredentials(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success!"}
	installer := testInstaller(exec)

	if err := installer.Install("/srv/ark", 376030, "", Credentials{Username: "steamuser", Password: "pw"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !strings.Contains(exec.Commands[0], "+login steamuser pw") {
		t.Fatalf("command = %q", exec.Commands[0])
	}
}

func TestInstallRequiresAppID(t *testing.T) {
	exec := &supervisor.MockExecutor{}
	installer := testInstaller(exec)

	if err := installer.Install("/srv/ark", 0, "", Credentials{}); err == nil {
		t.Fatal("install without app id succeeded")
	}
	if len(exec.Commands) != 0 {
		t.Fatalf("steamcmd was run: %v", exec.Commands)
	}
}

func TestInstallSurfacesSteamcmdError(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Update state (0x61)\nERROR! Failed to install app '376030' (No subscription)"}
	installer := testInstaller(exec)

	err := installer.Install("/srv/ark", 376030, "", Credentials{})
	if err == nil {
		t.Fatal("steamcmd ERROR! output was accepted")
	}
	if !strings.Contains(err.Error(), "No subscription") {
		t.Fatalf("err = %v", err)
	}
}

func TestCustomCmdPath(t *testing.T) {
	exec := &supervisor.MockExecutor{Output: "Success!"}
	installer := NewInstaller(exec, "/opt/steamcmd/steamcmd.sh", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := installer.Install("/srv/ark", 376030, "", Credentials{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if !strings.HasPrefix(exec.Commands[0], "/opt/steamcmd/steamcmd.sh ") {
		t.Fatalf("command = %q", exec.Commands[0])
	}
}

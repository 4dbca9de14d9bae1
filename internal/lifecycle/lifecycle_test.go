package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/game-server-manager/internal/config"
	"github.com/yourusername/game-server-manager/internal/errdefs"
	"github.com/yourusername/game-server-manager/internal/registry"
	"github.com/yourusername/game-server-manager/internal/state"
	"github.com/yourusername/game-server-manager/internal/steam"
	"github.com/yourusername/game-server-manager/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSupervisor simulates a process tree in memory.
type fakeSupervisor struct {
	running  bool
	unknown  bool
	pid      int
	starts   int
	stops    int
	commands []string
	startErr error
	stopErr  error
	stopHook func()

	// diesOnStart makes the spawned process exit immediately, as a
	// server with a broken config would.
	diesOnStart bool
}

func (f *fakeSupervisor) Start(command string) (*supervisor.Handle, error) {
	f.starts++
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.running {
		return nil, fmt.Errorf("%w: session alive", errdefs.ErrAlreadyRunning)
	}
	f.running = !f.diesOnStart
	f.pid = 4242
	return &supervisor.Handle{SessionName: "gsm-test", PID: f.pid}, nil
}

func (f *fakeSupervisor) Stop(grace time.Duration) error {
	f.stops++
	if f.stopHook != nil {
		f.stopHook()
	}
	if f.stopErr != nil {
		return f.stopErr
	}
	if !f.running {
		return fmt.Errorf("%w: no session", errdefs.ErrNotRunning)
	}
	f.running = false
	f.pid = 0
	return nil
}

func (f *fakeSupervisor) Status() (supervisor.ProcessState, *supervisor.Handle, error) {
	if f.unknown {
		return supervisor.StateUnknown, nil, nil
	}
	if f.running {
		return supervisor.StateRunning, &supervisor.Handle{SessionName: "gsm-test", PID: f.pid}, nil
	}
	return supervisor.StateStopped, nil, nil
}

func (f *fakeSupervisor) SendCommand(command string) error {
	if !f.running {
		return fmt.Errorf("%w: no session", errdefs.ErrNotRunning)
	}
	f.commands = append(f.commands, command)
	return nil
}

// fakeInstaller records install/validate calls.
type fakeInstaller struct {
	installs  int
	validates int
	beta      string
	err       error
}

func (f *fakeInstaller) Install(dir string, appID int, beta string, creds steam.Credentials) error {
	f.installs++
	f.beta = beta
	return f.err
}

func (f *fakeInstaller) Validate(dir string, appID int, beta string, creds steam.Credentials) error {
	f.validates++
	f.beta = beta
	return f.err
}

// fakeConsole is an in-memory RCON session.
type fakeConsole struct {
	commands []string
	execErr  error
	closed   bool
	onExec   func(command string)
}

func (f *fakeConsole) Execute(command string, timeout time.Duration) (string, error) {
	if f.execErr != nil {
		return "", f.execErr
	}
	f.commands = append(f.commands, command)
	if f.onExec != nil {
		f.onExec(command)
	}
	return "ok", nil
}

func (f *fakeConsole) Close() error {
	f.closed = true
	return nil
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening state store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testManager(t *testing.T, desc registry.Descriptor, inst *config.Instance) (*Manager, *fakeSupervisor, *fakeInstaller) {
	t.Helper()
	sup := &fakeSupervisor{}
	installer := &fakeInstaller{}
	m := NewManager(desc, inst, sup, testStore(t), installer, testLogger())
	return m, sup, installer
}

func customInstance() *config.Instance {
	return &config.Instance{
		ID:      "test-instance",
		Name:    "test",
		Type:    "custom",
		Path:    "/srv/test",
		Command: "./start_server.sh",
	}
}

func arkDescriptor(t *testing.T) registry.Descriptor {
	t.Helper()
	desc, err := registry.Builtin().Get("ark")
	if err != nil {
		t.Fatalf("ark descriptor: %v", err)
	}
	return desc
}

func customDescriptor(t *testing.T) registry.Descriptor {
	t.Helper()
	desc, err := registry.Builtin().Get("custom")
	if err != nil {
		t.Fatalf("custom descriptor: %v", err)
	}
	return desc
}

func TestStartRejectedWhenUninstalled(t *testing.T) {
	m, sup, _ := testManager(t, customDescriptor(t), customInstance())

	if err := m.Start(); err == nil {
		t.Fatal("start succeeded on an uninstalled instance")
	}
	if sup.starts != 0 {
		t.Fatalf("supervisor was started %d times before install", sup.starts)
	}
}

func TestInstallThenStart(t *testing.T) {
	m, sup, installer := testManager(t, customDescriptor(t), customInstance())

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	// The custom type has nothing to download.
	if installer.installs != 0 {
		t.Fatalf("steam installer ran %d times for a non-steam type", installer.installs)
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sup.running {
		t.Fatal("supervisor not running after start")
	}

	report, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Lifecycle != StateRunning || report.Process != supervisor.StateRunning {
		t.Fatalf("report = %+v", report)
	}
	if report.PID != 4242 {
		t.Fatalf("report pid = %d, want 4242", report.PID)
	}
}

func TestStartFailsWhenProcessDiesDuringStartup(t *testing.T) {
	m, sup, _ := testManager(t, customDescriptor(t), customInstance())
	sup.diesOnStart = true

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}

	err := m.Start()
	if err == nil {
		t.Fatal("start succeeded although the process exited immediately")
	}

	report, _ := m.Status()
	if report.Lifecycle == StateRunning {
		t.Fatalf("lifecycle = %s after failed start, must not be running", report.Lifecycle)
	}
}

func TestInstallRejectedWhenAlreadyInstalled(t *testing.T) {
	m, _, _ := testManager(t, customDescriptor(t), customInstance())

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Install(); err == nil {
		t.Fatal("second install succeeded")
	}
}

func TestSteamInstallRunsInstaller(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Steam.InstallBeta = "experimental"
	m, _, installer := testManager(t, arkDescriptor(t), inst)

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if installer.installs != 1 {
		t.Fatalf("installer ran %d times, want 1", installer.installs)
	}
	if installer.beta != "experimental" {
		t.Fatalf("beta branch = %q, want experimental", installer.beta)
	}
}

func TestValidateRestoresState(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	m, _, installer := testManager(t, arkDescriptor(t), inst)

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if installer.validates != 1 {
		t.Fatalf("validate ran %d times, want 1", installer.validates)
	}

	report, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Lifecycle != StateInstalled {
		t.Fatalf("lifecycle = %s, want installed after validate", report.Lifecycle)
	}
}

func TestValidateRejectedWhileRunning(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	m, _, _ := testManager(t, arkDescriptor(t), inst)

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Validate(); err == nil {
		t.Fatal("validate succeeded on a running instance")
	}
}

func TestStopGracefulViaConsole(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Rcon = config.RconConfig{Host: "127.0.0.1", Port: 27020, Password: "sekrit"}
	m, sup, _ := testManager(t, arkDescriptor(t), inst)

	fake := &fakeConsole{}
	m.dial = func(cfg config.RconConfig) (console, error) {
		return fake, nil
	}

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(fake.commands) != 1 || fake.commands[0] != "DoExit" {
		t.Fatalf("console commands = %v, want [DoExit]", fake.commands)
	}
	if !fake.closed {
		t.Fatal("console session was not closed")
	}
	if sup.stops != 1 {
		t.Fatalf("supervisor stops = %d, want 1", sup.stops)
	}
}

func TestStopDegradesWhenConsoleFails(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Rcon = config.RconConfig{Host: "127.0.0.1", Port: 27020, Password: "sekrit"}
	m, sup, _ := testManager(t, arkDescriptor(t), inst)

	m.dial = func(cfg config.RconConfig) (console, error) {
		return nil, fmt.Errorf("%w: password rejected", errdefs.ErrAuthentication)
	}

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The operator's intent to stop is honored despite the RCON
	// failure.
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.running {
		t.Fatal("process still running after degraded stop")
	}
}

func TestStopTreatsConsoleShutdownRaceAsClean(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Rcon = config.RconConfig{Host: "127.0.0.1", Port: 27020, Password: "sekrit"}
	m, sup, _ := testManager(t, arkDescriptor(t), inst)

	// The console shutdown takes the process down before the
	// supervisor's own stop runs.
	fake := &fakeConsole{}
	fake.onExec = func(string) { sup.running = false }
	m.dial = func(cfg config.RconConfig) (console, error) {
		return fake, nil
	}

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	m, _, _ := testManager(t, customDescriptor(t), customInstance())

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}

	err := m.Stop()
	if !errors.Is(err, errdefs.ErrNotRunning) {
		t.Fatalf("second Stop: got err %v, want ErrNotRunning", err)
	}
}

func TestStatusDetectsInconsistency(t *testing.T) {
	m, sup, _ := testManager(t, customDescriptor(t), customInstance())

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The process dies behind the manager's back.
	sup.running = false

	report, err := m.Status()
	if !errors.Is(err, errdefs.ErrInconsistentState) {
		t.Fatalf("got err %v, want ErrInconsistentState", err)
	}
	if report.Lifecycle != StateUnknown {
		t.Fatalf("lifecycle = %s, want unknown", report.Lifecycle)
	}

	// The forced unknown state persists for the next invocation.
	report, _ = m.Status()
	if report.Lifecycle != StateUnknown {
		t.Fatalf("lifecycle = %s after re-check, want unknown", report.Lifecycle)
	}
}

func TestStatusReportsUnknownCheck(t *testing.T) {
	m, sup, _ := testManager(t, customDescriptor(t), customInstance())
	sup.unknown = true

	report, err := m.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.Process != supervisor.StateUnknown {
		t.Fatalf("process = %s, want unknown", report.Process)
	}
}

func TestCommandOverConsole(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Rcon = config.RconConfig{Host: "127.0.0.1", Port: 27020, Password: "sekrit"}
	m, _, _ := testManager(t, arkDescriptor(t), inst)

	fake := &fakeConsole{}
	m.dial = func(cfg config.RconConfig) (console, error) {
		return fake, nil
	}

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	output, err := m.Command("ListPlayers")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if output != "ok" {
		t.Fatalf("output = %q", output)
	}
	if !fake.closed {
		t.Fatal("console session leaked")
	}
}

func TestCommandRequiresRunningServer(t *testing.T) {
	m, _, _ := testManager(t, customDescriptor(t), customInstance())

	_, err := m.Command("status")
	if !errors.Is(err, errdefs.ErrNotRunning) {
		t.Fatalf("got err %v, want ErrNotRunning", err)
	}
}

func TestSayUsesDescriptorFormat(t *testing.T) {
	inst := customInstance()
	inst.Type = "ark"
	inst.Rcon = config.RconConfig{Host: "127.0.0.1", Port: 27020, Password: "sekrit"}
	m, _, _ := testManager(t, arkDescriptor(t), inst)

	fake := &fakeConsole{}
	m.dial = func(cfg config.RconConfig) (console, error) {
		return fake, nil
	}

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Say("restarting soon"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if len(fake.commands) != 1 || fake.commands[0] != "Broadcast restarting soon" {
		t.Fatalf("console commands = %v", fake.commands)
	}
}

func TestCommandFallsBackToSessionInjection(t *testing.T) {
	m, sup, _ := testManager(t, customDescriptor(t), customInstance())

	if err := m.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.Command("stop"); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if len(sup.commands) != 1 || sup.commands[0] != "stop" {
		t.Fatalf("supervisor commands = %v", sup.commands)
	}
}

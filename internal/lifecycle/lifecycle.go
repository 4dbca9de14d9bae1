// Package lifecycle orchestrates a configured server instance: driving
// the process supervisor through install/start/stop/status/validate
// transitions and, for RCON-capable types, issuing console commands to
// the running server around those transitions.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/yourusername/game-server-manager/internal/config"
	"github.com/yourusername/game-server-manager/internal/errdefs"
	"github.com/yourusername/game-server-manager/internal/rcon"
	"github.com/yourusername/game-server-manager/internal/registry"
	"github.com/yourusername/game-server-manager/internal/state"
	"github.com/yourusername/game-server-manager/internal/steam"
	"github.com/yourusername/game-server-manager/internal/supervisor"
)

// State is the persistent lifecycle state of an instance. Installed and
// Stopped are the same resting point ("content present, process down");
// both names are kept so status output reads naturally after an
// install.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalled   State = "installed"
	StateStopped     State = "stopped"
	StateRunning     State = "running"
	StateValidating  State = "validating"
	StateUnknown     State = "unknown"
)

// atRest reports whether the state permits a start.
func (s State) atRest() bool {
	return s == StateInstalled || s == StateStopped
}

// Installer is the external collaborator performing installs. The steam
// package provides the production implementation.
type Installer interface {
	Install(installDir string, appID int, beta string, creds steam.Credentials) error
	Validate(installDir string, appID int, beta string, creds steam.Credentials) error
}

// console is one authenticated remote-console session.
type console interface {
	Execute(command string, timeout time.Duration) (string, error)
	Close() error
}

// dialConsole opens and authenticates an RCON session. Swapped out in
// tests.
type dialConsole func(cfg config.RconConfig) (console, error)

// Report is the combined answer to a status query: what the lifecycle
// believes and what the supervisor observed, side by side.
type Report struct {
	Name      string
	Type      string
	Lifecycle State
	Process   supervisor.ProcessState
	PID       int
}

// Manager runs lifecycle operations for one instance. Operations are
// invoked sequentially by a single caller per invocation; cross-process
// exclusion is handled by the supervisor lock around start and stop.
type Manager struct {
	desc      registry.Descriptor
	inst      *config.Instance
	sup       supervisor.Supervisor
	store     *state.Store
	installer Installer
	log       *slog.Logger

	dial dialConsole
}

const (
	defaultStopTimeout  = 60 * time.Second
	defaultRconTimeout  = 10 * time.Second
	defaultStartTimeout = 60 * time.Second
)

// NewManager wires a lifecycle manager. store and installer may be nil
// for types that need neither persistence nor installs, though a nil
// store downgrades every instance to Uninstalled.
func NewManager(desc registry.Descriptor, inst *config.Instance, sup supervisor.Supervisor, store *state.Store, installer Installer, log *slog.Logger) *Manager {
	return &Manager{
		desc:      desc,
		inst:      inst,
		sup:       sup,
		store:     store,
		installer: installer,
		log:       log,
		dial:      dialRcon,
	}
}

func dialRcon(cfg config.RconConfig) (console, error) {
	timeout := cfg.Timeout.Duration(defaultRconTimeout)
	session, err := rcon.Dial(cfg.Host, cfg.Port, timeout)
	if err != nil {
		return nil, err
	}
	if err := session.Authenticate(cfg.Password, timeout); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// Install brings an Uninstalled instance to rest. Steam-installable
// types run steamcmd; other types just register their pre-existing
// content so the state machine permits a start.
func (m *Manager) Install() error {
	current, err := m.persistedState()
	if err != nil {
		return err
	}
	if current != StateUninstalled {
		return fmt.Errorf("install is only valid for an uninstalled instance (currently %s)", current)
	}

	if m.desc.SupportsSteamInstall {
		if m.installer == nil {
			return fmt.Errorf("no installer configured for type %s", m.desc.Type)
		}
		appID := m.inst.Steam.AppID
		if appID == 0 {
			appID = m.desc.SteamAppID
		}
		creds := steam.Credentials{Username: m.inst.Steam.Username, Password: m.inst.Steam.Password}
		if err := m.installer.Install(m.inst.Path, appID, m.inst.Steam.InstallBeta, creds); err != nil {
			m.journal("install", "failed", err.Error())
			return fmt.Errorf("install failed: %w", err)
		}
	} else {
		m.log.Info("type has no installer, registering existing content", "type", m.desc.Type, "path", m.inst.Path)
	}

	m.journal("install", "ok", "")
	return m.setState(StateInstalled, 0)
}

// Validate re-verifies installed content. Re-entrant: it runs from any
// resting state and restores that state afterwards.
func (m *Manager) Validate() error {
	current, err := m.persistedState()
	if err != nil {
		return err
	}
	if !current.atRest() {
		return fmt.Errorf("validate requires a stopped, installed instance (currently %s)", current)
	}
	if !m.desc.SupportsSteamInstall {
		return fmt.Errorf("type %s has no installable content to validate", m.desc.Type)
	}
	if m.installer == nil {
		return fmt.Errorf("no installer configured for type %s", m.desc.Type)
	}

	if err := m.setState(StateValidating, 0); err != nil {
		return err
	}

	appID := m.inst.Steam.AppID
	if appID == 0 {
		appID = m.desc.SteamAppID
	}
	creds := steam.Credentials{Username: m.inst.Steam.Username, Password: m.inst.Steam.Password}
	verr := m.installer.Validate(m.inst.Path, appID, m.inst.Steam.InstallBeta, creds)

	// Validation never changes the resting state, even on failure.
	if err := m.setState(current, 0); err != nil {
		return err
	}
	if verr != nil {
		m.journal("validate", "failed", verr.Error())
		return fmt.Errorf("validate failed: %w", verr)
	}
	m.journal("validate", "ok", "")
	return nil
}

// Start launches the instance's process. Rejected before the supervisor
// is touched when the instance was never installed.
func (m *Manager) Start() error {
	current, err := m.persistedState()
	if err != nil {
		return err
	}
	if current == StateUninstalled {
		return fmt.Errorf("instance %s is not installed; run install first", m.inst.Name)
	}
	if !current.atRest() && current != StateUnknown {
		return fmt.Errorf("%w: instance is %s", errdefs.ErrAlreadyRunning, current)
	}

	handle, err := m.sup.Start(m.launchCommand())
	if err != nil {
		m.journal("start", "failed", err.Error())
		return err
	}

	if err := m.waitStarted(); err != nil {
		m.journal("start", "failed", err.Error())
		return err
	}

	m.log.Info("server started", "name", m.inst.Name, "session", handle.SessionName, "pid", handle.PID)
	m.journal("start", "ok", "")
	return m.setStateStarted(handle.PID)
}

// waitStarted confirms the freshly spawned process survives its startup
// window. Servers that crash on a bad config die within seconds of the
// spawn; reporting that here beats a start that claims success and a
// status that immediately contradicts it.
func (m *Manager) waitStarted() error {
	deadline := time.Now().Add(m.inst.StartTimeout.Duration(defaultStartTimeout))
	for {
		procState, _, err := m.sup.Status()
		if err != nil {
			return err
		}
		switch procState {
		case supervisor.StateRunning:
			return nil
		case supervisor.StateStopped:
			return fmt.Errorf("server exited during startup")
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: server state still unknown after startup window", errdefs.ErrTimeout)
		}
		time.Sleep(time.Second)
	}
}

// Stop brings a running instance down. RCON-capable types get a
// graceful console shutdown first; any RCON failure degrades to a
// forced supervisor stop with a warning, because the operator's intent
// to stop must still be honored.
func (m *Manager) Stop() error {
	procState, _, err := m.sup.Status()
	if err != nil {
		return err
	}
	if procState == supervisor.StateUnknown {
		return fmt.Errorf("%w: cannot determine whether %s is running", errdefs.ErrInconsistentState, m.inst.Name)
	}
	if procState == supervisor.StateStopped {
		return fmt.Errorf("%w: %s", errdefs.ErrNotRunning, m.inst.Name)
	}

	graceful := false
	if m.desc.SupportsRcon && m.inst.Rcon.Enabled() {
		if err := m.rconShutdown(); err != nil {
			m.log.Warn("graceful console shutdown failed, forcing stop", "name", m.inst.Name, "error", err)
		} else {
			graceful = true
		}
	}

	grace := m.inst.StopTimeout.Duration(defaultStopTimeout)
	if err := m.sup.Stop(grace); err != nil {
		// The console shutdown may have torn the session down before
		// the supervisor got to it. That is a clean stop.
		if graceful && errors.Is(err, errdefs.ErrNotRunning) {
			m.journal("stop", "ok", "stopped via console shutdown")
			return m.setStateStopped()
		}
		m.journal("stop", "failed", err.Error())
		return err
	}

	m.journal("stop", "ok", "")
	return m.setStateStopped()
}

// rconShutdown opens a session, sends the configured stop warnings and
// the shutdown command, and closes the session on every path.
func (m *Manager) rconShutdown() error {
	command := m.inst.ShutdownCommand
	if command == "" {
		command = m.desc.ShutdownCommand
	}
	if command == "" {
		return fmt.Errorf("no shutdown command configured for type %s", m.desc.Type)
	}

	session, err := m.dial(m.inst.Rcon)
	if err != nil {
		return err
	}
	defer session.Close()

	timeout := m.inst.Rcon.Timeout.Duration(defaultRconTimeout)

	sayFormat := m.inst.SayCommand
	if sayFormat == "" {
		sayFormat = m.desc.SayCommand
	}
	for _, warning := range m.inst.StopWarnings {
		if warning.Delay > 0 {
			time.Sleep(warning.Delay.Duration(0))
		}
		if warning.Message == "" || sayFormat == "" {
			continue
		}
		if _, err := session.Execute(fmt.Sprintf(sayFormat, warning.Message), timeout); err != nil {
			m.log.Warn("failed to broadcast stop warning", "name", m.inst.Name, "error", err)
		}
	}

	if _, err := session.Execute(command, timeout); err != nil {
		return err
	}
	m.log.Info("console shutdown issued", "name", m.inst.Name, "command", command)
	return nil
}

// Status reports lifecycle and process state together. A disagreement
// between the two is an InconsistentStateError; the lifecycle state is
// forced to Unknown pending operator intervention. A process check that
// cannot be performed reports Unknown, never Stopped.
func (m *Manager) Status() (*Report, error) {
	lifecycleState, err := m.persistedState()
	if err != nil {
		return nil, err
	}

	procState, handle, err := m.sup.Status()
	if err != nil {
		return nil, err
	}

	report := &Report{
		Name:      m.inst.Name,
		Type:      m.desc.Type,
		Lifecycle: lifecycleState,
		Process:   procState,
	}
	if handle != nil {
		report.PID = handle.PID
	}

	if procState == supervisor.StateUnknown {
		return report, nil
	}

	running := procState == supervisor.StateRunning
	if lifecycleState == StateRunning && !running {
		if err := m.setState(StateUnknown, 0); err != nil {
			m.log.Warn("failed to persist unknown state", "name", m.inst.Name, "error", err)
		}
		report.Lifecycle = StateUnknown
		return report, fmt.Errorf("%w: lifecycle says running but no process exists", errdefs.ErrInconsistentState)
	}
	if lifecycleState != StateRunning && lifecycleState != StateUninstalled && running {
		if err := m.setState(StateUnknown, report.PID); err != nil {
			m.log.Warn("failed to persist unknown state", "name", m.inst.Name, "error", err)
		}
		report.Lifecycle = StateUnknown
		return report, fmt.Errorf("%w: process %d is alive but lifecycle says %s", errdefs.ErrInconsistentState, report.PID, lifecycleState)
	}

	return report, nil
}

// Command runs an arbitrary console command against the running server,
// preferring RCON and falling back to session stdin injection (which
// returns no output).
func (m *Manager) Command(command string) (string, error) {
	procState, _, err := m.sup.Status()
	if err != nil {
		return "", err
	}
	if procState != supervisor.StateRunning {
		return "", fmt.Errorf("%w: %s", errdefs.ErrNotRunning, m.inst.Name)
	}

	if m.desc.SupportsRcon && m.inst.Rcon.Enabled() {
		session, err := m.dial(m.inst.Rcon)
		if err != nil {
			return "", err
		}
		defer session.Close()
		return session.Execute(command, m.inst.Rcon.Timeout.Duration(defaultRconTimeout))
	}

	if m.desc.SupportsScreen {
		return "", m.sup.SendCommand(command)
	}

	return "", fmt.Errorf("type %s has no console channel", m.desc.Type)
}

// Say broadcasts a message using the type's say-command format.
func (m *Manager) Say(message string) error {
	format := m.inst.SayCommand
	if format == "" {
		format = m.desc.SayCommand
	}
	if format == "" {
		return fmt.Errorf("no say command configured for type %s", m.desc.Type)
	}
	_, err := m.Command(fmt.Sprintf(format, message))
	return err
}

// Save asks the server to persist its world.
func (m *Manager) Save() error {
	command := m.inst.SaveCommand
	if command == "" {
		command = m.desc.SaveCommand
	}
	if command == "" {
		return fmt.Errorf("no save command configured for type %s", m.desc.Type)
	}
	_, err := m.Command(command)
	return err
}

// launchCommand builds the shell command run inside the background
// session: the configured command, or the descriptor's executable,
// rooted in the instance directory.
func (m *Manager) launchCommand() string {
	command := strings.TrimSpace(m.inst.Command)
	if command == "" && m.desc.Executable != "" {
		command = "./" + m.desc.Executable
	}
	return fmt.Sprintf("cd %s && %s", shellquote.Join(m.inst.Path), command)
}

func (m *Manager) persistedState() (State, error) {
	if m.store == nil {
		return StateUninstalled, nil
	}
	rec, err := m.store.Get(m.inst.Key())
	if err != nil {
		return StateUnknown, err
	}
	if rec == nil || rec.State == "" {
		return StateUninstalled, nil
	}
	return State(rec.State), nil
}

func (m *Manager) setState(s State, pid int) error {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.Get(m.inst.Key())
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &state.Record{InstanceKey: m.inst.Key()}
	}
	rec.Name = m.inst.Name
	rec.Type = m.desc.Type
	rec.State = string(s)
	rec.PID = pid
	return m.store.Put(rec)
}

func (m *Manager) setStateStarted(pid int) error {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.Get(m.inst.Key())
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &state.Record{InstanceKey: m.inst.Key()}
	}
	rec.Name = m.inst.Name
	rec.Type = m.desc.Type
	rec.State = string(StateRunning)
	rec.PID = pid
	rec.LastStarted = time.Now()
	return m.store.Put(rec)
}

func (m *Manager) setStateStopped() error {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.Get(m.inst.Key())
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &state.Record{InstanceKey: m.inst.Key()}
	}
	rec.Name = m.inst.Name
	rec.Type = m.desc.Type
	rec.State = string(StateStopped)
	rec.PID = 0
	rec.LastStopped = time.Now()
	return m.store.Put(rec)
}

func (m *Manager) journal(operation, outcome, detail string) {
	if m.store == nil {
		return
	}
	if err := m.store.LogOperation(m.inst.Key(), operation, outcome, detail); err != nil {
		m.log.Warn("failed to journal operation", "operation", operation, "error", err)
	}
}

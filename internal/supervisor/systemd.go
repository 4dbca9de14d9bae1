package supervisor

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/yourusername/game-server-manager/internal/errdefs"
)

// Systemd supervises a process behind a systemd service unit, driven
// over the system D-Bus. The unit file itself is provisioned outside
// the manager; the unit's ExecStart is what runs, so Start ignores the
// instance launch command.
type Systemd struct {
	unit string
	log  *slog.Logger

	// connect is swapped out in tests.
	connect func() (systemdBus, error)
}

// systemdBus is the slice of the D-Bus API the supervisor needs.
type systemdBus interface {
	StartUnit(unit string) error
	StopUnit(unit string) error
	KillUnit(unit string) error
	ActiveState(unit string) (string, error)
	MainPID(unit string) (int, error)
	Close() error
}

// NewSystemd builds a supervisor for the given unit name. A bare name
// gets the ".service" suffix appended.
func NewSystemd(unit string, log *slog.Logger) *Systemd {
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return &Systemd{unit: unit, log: log, connect: dialSystemBus}
}

// Start activates the unit. The launch command is configured in the
// unit file, not here.
func (s *Systemd) Start(command string) (*Handle, error) {
	bus, err := s.connect()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	defer bus.Close()

	state, err := bus.ActiveState(s.unit)
	if err == nil && (state == "active" || state == "activating") {
		return nil, fmt.Errorf("%w: unit %s is %s", errdefs.ErrAlreadyRunning, s.unit, state)
	}

	if err := bus.StartUnit(s.unit); err != nil {
		return nil, fmt.Errorf("failed to start unit %s: %w", s.unit, err)
	}

	pid, err := bus.MainPID(s.unit)
	if err != nil {
		pid = 0
	}
	s.log.Info("systemd unit started", "unit", s.unit, "pid", pid)
	return &Handle{SessionName: s.unit, PID: pid}, nil
}

// Stop deactivates the unit, escalating to SIGKILL after grace.
func (s *Systemd) Stop(grace time.Duration) error {
	bus, err := s.connect()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	defer bus.Close()

	state, err := bus.ActiveState(s.unit)
	if err != nil {
		return fmt.Errorf("%w: cannot query unit %s: %v", errdefs.ErrInconsistentState, s.unit, err)
	}
	if state == "inactive" || state == "failed" || state == "dead" {
		return fmt.Errorf("%w: unit %s is %s", errdefs.ErrNotRunning, s.unit, state)
	}

	if err := bus.StopUnit(s.unit); err != nil {
		return fmt.Errorf("failed to stop unit %s: %w", s.unit, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		state, err := bus.ActiveState(s.unit)
		if err == nil && (state == "inactive" || state == "failed" || state == "dead") {
			return nil
		}
		time.Sleep(time.Second)
	}

	s.log.Warn("grace period expired, killing unit", "unit", s.unit)
	if err := bus.KillUnit(s.unit); err != nil {
		return fmt.Errorf("failed to kill unit %s: %w", s.unit, err)
	}
	return nil
}

// Status reads the unit's ActiveState. A bus or query failure reports
// StateUnknown with a nil error.
func (s *Systemd) Status() (ProcessState, *Handle, error) {
	bus, err := s.connect()
	if err != nil {
		s.log.Warn("system bus unavailable", "error", err)
		return StateUnknown, nil, nil
	}
	defer bus.Close()

	state, err := bus.ActiveState(s.unit)
	if err != nil {
		// GetUnit fails for units that were never loaded; systemd
		// treats those as inactive.
		if strings.Contains(err.Error(), "NoSuchUnit") {
			return StateStopped, nil, nil
		}
		s.log.Warn("unit state query failed", "unit", s.unit, "error", err)
		return StateUnknown, nil, nil
	}

	switch state {
	case "active", "activating", "deactivating":
		pid, err := bus.MainPID(s.unit)
		if err != nil {
			pid = 0
		}
		return StateRunning, &Handle{SessionName: s.unit, PID: pid}, nil
	default:
		return StateStopped, nil, nil
	}
}

// SendCommand is unsupported: a systemd unit exposes no console stdin.
// Types needing console injection use RCON or the screen supervisor.
func (s *Systemd) SendCommand(command string) error {
	return fmt.Errorf("systemd units have no console input; configure RCON for %s", s.unit)
}

type dbusConn struct {
	conn *dbus.Conn
}

func dialSystemBus() (systemdBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return &dbusConn{conn: conn}, nil
}

func (c *dbusConn) manager() dbus.BusObject {
	return c.conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")
}

func (c *dbusConn) StartUnit(unit string) error {
	return c.manager().Call("org.freedesktop.systemd1.Manager.StartUnit", 0, unit, "replace").Err
}

func (c *dbusConn) StopUnit(unit string) error {
	return c.manager().Call("org.freedesktop.systemd1.Manager.StopUnit", 0, unit, "replace").Err
}

func (c *dbusConn) KillUnit(unit string) error {
	return c.manager().Call("org.freedesktop.systemd1.Manager.KillUnit", 0, unit, "all", int32(9)).Err
}

func (c *dbusConn) unitPath(unit string) (dbus.ObjectPath, error) {
	call := c.manager().Call("org.freedesktop.systemd1.Manager.GetUnit", 0, unit)
	if call.Err != nil {
		return "", call.Err
	}
	path, ok := call.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", fmt.Errorf("unexpected unit path type")
	}
	return path, nil
}

func (c *dbusConn) ActiveState(unit string) (string, error) {
	path, err := c.unitPath(unit)
	if err != nil {
		return "", err
	}
	variant, err := c.conn.Object("org.freedesktop.systemd1", path).GetProperty("org.freedesktop.systemd1.Unit.ActiveState")
	if err != nil {
		return "", err
	}
	state, _ := variant.Value().(string)
	return state, nil
}

func (c *dbusConn) MainPID(unit string) (int, error) {
	path, err := c.unitPath(unit)
	if err != nil {
		return 0, err
	}
	variant, err := c.conn.Object("org.freedesktop.systemd1", path).GetProperty("org.freedesktop.systemd1.Service.MainPID")
	if err != nil {
		return 0, err
	}
	pid, _ := variant.Value().(uint32)
	return int(pid), nil
}

func (c *dbusConn) Close() error {
	return c.conn.Close()
}

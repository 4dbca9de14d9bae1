package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InstanceFileName is the per-instance configuration file, stored in the
// instance's working directory.
const InstanceFileName = ".gsm.json"

// Instance is the per-deployment configuration for one game server.
// Loaded once at startup and immutable for the duration of a single
// invocation; Save rewrites the file only when requested.
type Instance struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`

	// Path is the working directory of the server files, and the
	// directory the instance file itself lives in.
	Path string `json:"path"`

	// Command is the launch command run inside the background session.
	Command string `json:"command,omitempty"`

	// SessionName names the background screen session. Derived from
	// the instance name when empty.
	SessionName string `json:"session_name,omitempty"`

	// Supervisor selects the process control backend: "screen"
	// (default) or "systemd".
	Supervisor string `json:"supervisor,omitempty"`

	// SystemdUnit is the unit name when Supervisor is "systemd".
	SystemdUnit string `json:"systemd_unit,omitempty"`

	RunAsUser string `json:"run_as_user,omitempty"`
	UseSudo   bool   `json:"use_sudo,omitempty"`
	LogFile   string `json:"log_file,omitempty"`

	StartTimeout Seconds `json:"start_timeout,omitempty"`
	StopTimeout  Seconds `json:"stop_timeout,omitempty"`

	// StopWarnings are countdown broadcasts sent before a graceful
	// stop.
	StopWarnings []StopWarning `json:"stop_warnings,omitempty"`

	// Command templates. Empty values fall back to the server type's
	// descriptor defaults.
	ShutdownCommand string `json:"shutdown_command,omitempty"`
	SaveCommand     string `json:"save_command,omitempty"`
	SayCommand      string `json:"say_command,omitempty"`

	Rcon  RconConfig  `json:"rcon,omitempty"`
	Steam SteamConfig `json:"steam,omitempty"`
	SSH   *SSHConfig  `json:"ssh,omitempty"`
}

// StopWarning is one timed broadcast sent ahead of a shutdown.
type StopWarning struct {
	Delay   Seconds `json:"delay"`
	Message string  `json:"message"`
}

// RconConfig holds the remote-console endpoint for instances whose type
// supports it.
type RconConfig struct {
	Host     string  `json:"host,omitempty"`
	Port     int     `json:"port,omitempty"`
	Password string  `json:"password,omitempty"`
	Timeout  Seconds `json:"timeout,omitempty"`
}

// Enabled reports whether the endpoint is fully configured.
func (r RconConfig) Enabled() bool {
	return r.Host != "" && r.Port != 0 && r.Password != ""
}

// SteamConfig holds steamcmd settings for Steam-installable types.
type SteamConfig struct {
	AppID       int    `json:"app_id,omitempty"`
	CmdPath     string `json:"cmd_path,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	InstallBeta string `json:"install_beta,omitempty"`
}

// SSHConfig selects a remote host for process control. When nil all
// commands run locally.
type SSHConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port,omitempty"`
	Username        string `json:"username"`
	KeyPath         string `json:"key_path,omitempty"`
	Password        string `json:"password,omitempty"`
	KnownHostsPath  string `json:"known_hosts_path,omitempty"`
	TrustOnFirstUse bool   `json:"trust_on_first_use,omitempty"`
}

// Seconds marshals as a plain integer count of seconds in JSON.
type Seconds int

// Duration converts to a time.Duration, with fallback when unset.
func (s Seconds) Duration(fallback time.Duration) time.Duration {
	if s <= 0 {
		return fallback
	}
	return time.Duration(s) * time.Second
}

// LoadInstance reads the instance file from dir. A missing file yields a
// fresh instance rooted at dir so CLI flags alone can describe a new
// deployment.
func LoadInstance(dir string) (*Instance, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance path: %w", err)
	}

	inst := &Instance{Path: abs}
	data, err := os.ReadFile(filepath.Join(abs, InstanceFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return inst, nil
		}
		return nil, fmt.Errorf("failed to read instance config: %w", err)
	}

	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("invalid instance config: %w", err)
	}
	inst.Path = abs
	return inst, nil
}

// Save writes the resolved configuration back to the instance file,
// minting an instance ID on first save.
func (i *Instance) Save() error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}

	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode instance config: %w", err)
	}

	if err := os.MkdirAll(i.Path, 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	path := filepath.Join(i.Path, InstanceFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	return nil
}

// Session returns the background session name for the instance.
func (i *Instance) Session() string {
	if i.SessionName != "" {
		return i.SessionName
	}
	return SafeSessionName(i.Name)
}

// Key identifies the instance in the state store, preferring the minted
// ID over the name.
func (i *Instance) Key() string {
	if i.ID != "" {
		return i.ID
	}
	return i.Name
}

// SafeSessionName returns a screen-safe session name derived from the
// instance name.
func SafeSessionName(name string) string {
	base := "gsm-" + name
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "gsm-server"
	}
	return b.String()
}

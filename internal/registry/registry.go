// Package registry holds the declarative catalog of server types. A
// descriptor tells the lifecycle what a type can do (screen sessions,
// steamcmd installs, RCON) and which console commands drive it;
// per-type variation is data, not behavior.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor identifies a server type. Immutable after registration and
// shared read-only by every instance of that type.
type Descriptor struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`

	SupportsScreen       bool `yaml:"supports_screen"`
	SupportsSteamInstall bool `yaml:"supports_steam_install"`
	SupportsRcon         bool `yaml:"supports_rcon"`

	// Default network ports for the type. Zero means no default.
	DefaultPort     int `yaml:"default_port,omitempty"`
	DefaultRconPort int `yaml:"default_rcon_port,omitempty"`

	// SteamAppID is the steamcmd app to install for Steam types.
	SteamAppID int `yaml:"steam_app_id,omitempty"`

	// Executable is the launch target relative to the instance path.
	Executable string `yaml:"executable,omitempty"`

	// Console command templates. SayCommand carries one %s for the
	// message.
	ShutdownCommand string `yaml:"shutdown_command,omitempty"`
	SaveCommand     string `yaml:"save_command,omitempty"`
	SayCommand      string `yaml:"say_command,omitempty"`
}

// Registry maps type names to descriptors.
type Registry struct {
	types map[string]Descriptor
}

// Builtin returns the registry preloaded with the supported types.
func Builtin() *Registry {
	r := &Registry{types: make(map[string]Descriptor)}
	for _, d := range builtinTypes {
		r.types[d.Type] = d
	}
	return r
}

// Get looks up a descriptor by type name.
func (r *Registry) Get(name string) (Descriptor, error) {
	d, ok := r.types[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Descriptor{}, fmt.Errorf("server type %q does not exist (known: %s)", name, strings.Join(r.Types(), ", "))
	}
	return d, nil
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir overlays YAML descriptor files from dir onto the registry.
// Files define new types or replace built-ins wholesale. A missing
// directory is not an error.
func (r *Registry) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read descriptor directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read descriptor %s: %w", name, err)
		}

		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("invalid descriptor %s: %w", name, err)
		}
		if d.Type == "" {
			return fmt.Errorf("descriptor %s has no type name", name)
		}

		r.types[strings.ToLower(d.Type)] = d
	}

	return nil
}

var builtinTypes = []Descriptor{
	{
		Type:            "custom",
		Description:     "generic screen-managed server with a custom launch command",
		SupportsScreen:  true,
		ShutdownCommand: "stop",
	},
	{
		Type:            "minecraft",
		Description:     "Minecraft Java Edition server",
		SupportsScreen:  true,
		SupportsRcon:    true,
		DefaultPort:     25565,
		DefaultRconPort: 25575,
		Executable:      "server.jar",
		ShutdownCommand: "stop",
		SaveCommand:     "save-all",
		SayCommand:      "say %s",
	},
	{
		Type:                 "ark",
		Description:          "ARK: Survival Evolved dedicated server",
		SupportsScreen:       true,
		SupportsSteamInstall: true,
		SupportsRcon:         true,
		DefaultPort:          7777,
		DefaultRconPort:      27020,
		SteamAppID:           376030,
		Executable:           "ShooterGame/Binaries/Linux/ShooterGameServer",
		ShutdownCommand:      "DoExit",
		SaveCommand:          "SaveWorld",
		SayCommand:           "Broadcast %s",
	},
	{
		Type:                 "starbound",
		Description:          "Starbound dedicated server",
		SupportsScreen:       true,
		SupportsSteamInstall: true,
		SupportsRcon:         true,
		DefaultPort:          21025,
		DefaultRconPort:      21026,
		SteamAppID:           211820,
		Executable:           "linux/starbound_server",
		ShutdownCommand:      "stop",
		SayCommand:           "say %s",
	},
}

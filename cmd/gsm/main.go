// Command gsm manages the lifecycle of game-server processes: install,
// start, stop, status and validate, plus console commands over RCON.
// One invocation performs one operation and exits with a code that
// distinguishes the failure classes.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/yourusername/game-server-manager/internal/cli"
	"github.com/yourusername/game-server-manager/internal/config"
	"github.com/yourusername/game-server-manager/internal/errdefs"
	"github.com/yourusername/game-server-manager/internal/lifecycle"
	"github.com/yourusername/game-server-manager/internal/logging"
	"github.com/yourusername/game-server-manager/internal/registry"
	"github.com/yourusername/game-server-manager/internal/ssh"
	"github.com/yourusername/game-server-manager/internal/state"
	"github.com/yourusername/game-server-manager/internal/steam"
	"github.com/yourusername/game-server-manager/internal/supervisor"
)

func main() {
	app := &app{}
	root := app.rootCommand()

	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gsm: %v\n", err)
		logging.Close()
		os.Exit(errdefs.ExitCode(err))
	}
	logging.Close()
}

// app carries the global flag values shared by every subcommand.
type app struct {
	configPath string
	typeName   string
	name       string
	path       string
	saveConfig bool

	rconHost     string
	rconPort     int
	rconPassword string

	logLevel string
}

func (a *app) rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "gsm",
		Summary: "gsm manages game-server instances through screen or systemd, with RCON console access.",
		Subcommands: []*cli.Command{
			a.operation("install", "download or register server content", func(m *lifecycle.Manager) error {
				return m.Install()
			}),
			a.operation("validate", "verify installed content and re-fetch anything broken", func(m *lifecycle.Manager) error {
				return m.Validate()
			}),
			a.lockedOperation("start", "start the server in a background session", func(m *lifecycle.Manager) error {
				return m.Start()
			}),
			a.lockedOperation("stop", "stop the server, gracefully when the type supports it", func(m *lifecycle.Manager) error {
				return m.Stop()
			}),
			a.statusCommand(),
			a.consoleCommand(),
			a.sayCommand(),
			a.operation("save", "ask the server to persist its world", func(m *lifecycle.Manager) error {
				return m.Save()
			}),
		},
	}
}

func (a *app) globalFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("gsm", pflag.ContinueOnError)
	flags.StringVarP(&a.configPath, "config", "c", "", "manager config file")
	flags.StringVarP(&a.typeName, "type", "t", "", "server type (custom, minecraft, ark, starbound, ...)")
	flags.StringVarP(&a.name, "name", "n", "", "instance name")
	flags.StringVarP(&a.path, "path", "p", ".", "instance directory")
	flags.BoolVar(&a.saveConfig, "save-config", false, "persist the resolved configuration to the instance file")
	flags.StringVar(&a.rconHost, "rcon-host", "", "RCON host override")
	flags.IntVar(&a.rconPort, "rcon-port", 0, "RCON port override")
	flags.StringVar(&a.rconPassword, "rcon-password", "", "RCON password override")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	return flags
}

func (a *app) operation(name, summary string, run func(*lifecycle.Manager) error) *cli.Command {
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags:   a.globalFlags,
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%s takes no arguments", name)
			}
			return a.withManager(func(m *lifecycle.Manager, _ *config.Instance) error {
				return run(m)
			})
		},
	}
}

// lockedOperation wraps start and stop in the instance's advisory lock
// so concurrent invocations cannot interleave their check-then-act
// sequences.
func (a *app) lockedOperation(name, summary string, run func(*lifecycle.Manager) error) *cli.Command {
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags:   a.globalFlags,
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%s takes no arguments", name)
			}
			return a.withManager(func(m *lifecycle.Manager, inst *config.Instance) error {
				lock, err := supervisor.AcquireLock(filepath.Join(inst.Path, ".gsm.lock"))
				if err != nil {
					return err
				}
				defer lock.Release()
				return run(m)
			})
		},
	}
}

func (a *app) statusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Summary: "report lifecycle and process state",
		Flags:   a.globalFlags,
		Run: func(args []string) error {
			return a.withManager(func(m *lifecycle.Manager, _ *config.Instance) error {
				report, err := m.Status()
				if report != nil {
					fmt.Printf("%s (%s): lifecycle=%s process=%s", report.Name, report.Type, report.Lifecycle, report.Process)
					if report.PID > 0 {
						fmt.Printf(" pid=%d", report.PID)
					}
					fmt.Println()
				}
				return err
			})
		},
	}
}

func (a *app) consoleCommand() *cli.Command {
	return &cli.Command{
		Name:    "command",
		Summary: "run a console command against the running server",
		Usage:   "gsm command [flags] -- <command...>",
		Flags:   a.globalFlags,
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("command requires the console command to run")
			}
			return a.withManager(func(m *lifecycle.Manager, _ *config.Instance) error {
				output, err := m.Command(strings.Join(args, " "))
				if err != nil {
					return err
				}
				if output != "" {
					fmt.Println(output)
				}
				return nil
			})
		},
	}
}

func (a *app) sayCommand() *cli.Command {
	return &cli.Command{
		Name:    "say",
		Summary: "broadcast a message to players",
		Usage:   "gsm say [flags] <message...>",
		Flags:   a.globalFlags,
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("say requires a message")
			}
			return a.withManager(func(m *lifecycle.Manager, _ *config.Instance) error {
				return m.Say(strings.Join(args, " "))
			})
		},
	}
}

// withManager assembles the collaborators around one instance and runs
// fn. Everything opened here is released before returning.
func (a *app) withManager(fn func(*lifecycle.Manager, *config.Instance) error) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	log := logging.Init(cfg.Logging)

	inst, err := config.LoadInstance(a.path)
	if err != nil {
		return err
	}
	a.applyOverrides(inst)
	if inst.Name == "" {
		inst.Name = filepath.Base(inst.Path)
	}
	if inst.Type == "" {
		inst.Type = "custom"
	}

	reg := registry.Builtin()
	if err := reg.LoadDir(cfg.Storage.DescriptorDir); err != nil {
		return err
	}
	desc, err := reg.Get(inst.Type)
	if err != nil {
		return err
	}
	applyDescriptorDefaults(inst, desc)

	if a.saveConfig {
		if err := inst.Save(); err != nil {
			return err
		}
		log.Info("instance config saved", "path", filepath.Join(inst.Path, config.InstanceFileName))
	}

	store, err := state.Open(cfg.Storage.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	executor, closeExecutor, err := supervisor.NewExecutor(sshClientConfig(inst))
	if err != nil {
		return err
	}
	defer closeExecutor()

	sup, err := buildSupervisor(inst, executor, log)
	if err != nil {
		return err
	}

	installer := steam.NewInstaller(executor, inst.Steam.CmdPath, log)
	manager := lifecycle.NewManager(desc, inst, sup, store, installer, log)
	return fn(manager, inst)
}

func (a *app) applyOverrides(inst *config.Instance) {
	if a.typeName != "" {
		inst.Type = a.typeName
	}
	if a.name != "" {
		inst.Name = a.name
	}
	if a.rconHost != "" {
		inst.Rcon.Host = a.rconHost
	}
	if a.rconPort != 0 {
		inst.Rcon.Port = a.rconPort
	}
	if a.rconPassword != "" {
		inst.Rcon.Password = a.rconPassword
	}
}

// applyDescriptorDefaults fills instance gaps from the type descriptor.
func applyDescriptorDefaults(inst *config.Instance, desc registry.Descriptor) {
	if desc.SupportsRcon && inst.Rcon.Password != "" {
		if inst.Rcon.Host == "" {
			inst.Rcon.Host = "127.0.0.1"
		}
		if inst.Rcon.Port == 0 {
			inst.Rcon.Port = desc.DefaultRconPort
		}
	}
	if inst.Steam.AppID == 0 {
		inst.Steam.AppID = desc.SteamAppID
	}
}

func sshClientConfig(inst *config.Instance) *ssh.ClientConfig {
	if inst.SSH == nil {
		return nil
	}
	return &ssh.ClientConfig{
		Host:            inst.SSH.Host,
		Port:            inst.SSH.Port,
		Username:        inst.SSH.Username,
		KeyPath:         inst.SSH.KeyPath,
		Password:        inst.SSH.Password,
		KnownHostsPath:  inst.SSH.KnownHostsPath,
		TrustOnFirstUse: inst.SSH.TrustOnFirstUse,
	}
}

func buildSupervisor(inst *config.Instance, executor supervisor.Executor, log *slog.Logger) (supervisor.Supervisor, error) {
	switch inst.Supervisor {
	case "", "screen":
		return supervisor.NewScreen(executor, supervisor.ScreenOptions{
			SessionName: inst.Session(),
			LogFile:     inst.LogFile,
			RunAsUser:   inst.RunAsUser,
			UseSudo:     inst.UseSudo,
		}, log), nil
	case "systemd":
		if inst.SystemdUnit == "" {
			return nil, fmt.Errorf("systemd supervisor requires a systemd_unit in the instance config")
		}
		return supervisor.NewSystemd(inst.SystemdUnit, log), nil
	default:
		return nil, fmt.Errorf("unknown supervisor %q (want screen or systemd)", inst.Supervisor)
	}
}

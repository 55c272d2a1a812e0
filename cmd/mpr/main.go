package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/mpr/internal"
	pkgconfig "github.com/starford/mpr/pkg/config"
)

var version = "dev"

func init() {
	// -v is --verbose.
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Usage: "print the version"}
}

type runFunc func(ctx context.Context, cfg *internal.Config, x internal.XrunOptions) error

func runXrun(ctx context.Context, cfg *internal.Config, x internal.XrunOptions) error {
	if err := internal.Run(ctx,
		internal.WithConfig(cfg),
		internal.WithXrun(x),
		internal.WithSignals(),
		internal.WithVersion(version),
	); err != nil {
		return fmt.Errorf("xrun: %w", err)
	}
	return nil
}

// loadConfig reads the explicit file, else the first of ./mpr-xrun.yaml
// and the per-user mpr-xrun.yaml.
func loadConfig(path string, cfg *internal.Config) error {
	if path != "" {
		if err := pkgconfig.Load(path, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		return nil
	}
	candidates := []string{internal.ConfigFileName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, internal.ConfigFileName))
	}
	if _, err := pkgconfig.LoadFirst(cfg, candidates...); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// union appends the entries of extra missing from base.
func union(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// applyFlags overlays command line values on the loaded configuration.
func applyFlags(cmd *cli.Command, cfg *internal.Config) error {
	if cmd.IsSet("device") {
		cfg.Tools.Device = cmd.String("device")
	}
	if cmd.IsSet("path-to-mpremote") {
		cfg.Tools.Mpremote = cmd.String("path-to-mpremote")
	}
	if cmd.IsSet("path-to-mpy-cross") {
		cfg.Tools.MpyCross = cmd.String("path-to-mpy-cross")
	}
	if cmd.IsSet("log-level") {
		if err := cfg.App.LogLevel.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	if cmd.Bool("verbose") {
		cfg.App.LogLevel = slog.LevelDebug
	}
	if cmd.IsSet("log-file") {
		cfg.App.LogFile.Path = cmd.String("log-file")
	}
	if cmd.IsSet("status-addr") {
		cfg.Status.Addr = cmd.String("status-addr")
	}
	if cmd.IsSet("root") {
		cfg.Xrun.Root = cmd.String("root")
	}
	if cmd.IsSet("depth") {
		cfg.Xrun.Depth = int(cmd.Int("depth"))
	}
	cfg.Xrun.Exclude = union(cfg.Xrun.Exclude, cmd.StringSlice("exclude"))
	cfg.Xrun.Map = union(cfg.Xrun.Map, cmd.StringSlice("map"))
	return nil
}

func xrunAction(run runFunc) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg := internal.NewDefaultConfig()
		if err := loadConfig(cmd.String("config"), cfg); err != nil {
			return err
		}
		if err := applyFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		x := internal.XrunOptions{
			Only:        cmd.Bool("only"),
			CompileOnly: cmd.Bool("compile-only"),
			Once:        cmd.Bool("once"),
			Flush:       cmd.Bool("flush"),
		}
		if args := cmd.Args().Slice(); len(args) > 0 {
			x.Program = args[0]
			x.Args = args[1:]
		}
		return run(ctx, cfg, x)
	}
}

func newCommand(run runFunc) *cli.Command {
	return &cli.Command{
		Name:    "mpr",
		Usage:   "Drive MicroPython boards through mpremote",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "device",
				Aliases: []string{"d"},
				Usage:   "serial device passed to mpremote connect",
				Sources: cli.EnvVars("MPR_DEVICE"),
			},
			&cli.StringFlag{
				Name:    "path-to-mpremote",
				Aliases: []string{"p"},
				Usage:   "mpremote command; defaults to a sibling of this program, then $PATH",
				Sources: cli.EnvVars("MPR_MPREMOTE"),
			},
			&cli.StringFlag{
				Name:    "path-to-mpy-cross",
				Aliases: []string{"X"},
				Usage:   "mpy-cross command; defaults to a sibling of this program, then $PATH",
				Sources: cli.EnvVars("MPR_MPY_CROSS"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log debug output",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default: ./mpr-xrun.yaml, then the user config dir)",
				Sources: cli.EnvVars("MPR_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "write JSON logs to this rotated file instead of stderr",
			},
			&cli.StringFlag{
				Name:    "status-addr",
				Usage:   "serve status, events and MCP tools on host:port",
				Sources: cli.EnvVars("MPR_STATUS_ADDR"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "xrun",
				Aliases:   []string{"xr"},
				Usage:     "Compile, sync and run a program, restarting it on every change",
				ArgsUsage: "[prog] [args...]",
				Action:    xrunAction(run),
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "flush",
						Aliases: []string{"f"},
						Usage:   "discard the compile cache and device state first",
					},
					&cli.IntFlag{
						Name:    "depth",
						Aliases: []string{"D"},
						Usage:   "directory depth to scan, 0 for unlimited",
					},
					&cli.BoolFlag{
						Name:    "only",
						Aliases: []string{"o"},
						Usage:   "compile and sync only the program",
					},
					&cli.BoolFlag{
						Name:    "compile-only",
						Aliases: []string{"C"},
						Usage:   "compile into the cache but never touch the device",
					},
					&cli.StringSliceFlag{
						Name:    "exclude",
						Aliases: []string{"e"},
						Usage:   "exclude this file or directory (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "map",
						Usage: "rename the program on the device, as src:target (repeatable)",
					},
					&cli.BoolFlag{
						Name:    "once",
						Aliases: []string{"1"},
						Usage:   "run one cycle and exit",
					},
					&cli.StringFlag{
						Name:  "root",
						Usage: "source directory (default: current directory)",
					},
				},
			},
		},
	}
}

func main() {
	if err := newCommand(runXrun).Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

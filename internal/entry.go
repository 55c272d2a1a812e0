// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/starford/mpr/internal/cache"
	"github.com/starford/mpr/internal/compiler"
	"github.com/starford/mpr/internal/console"
	"github.com/starford/mpr/internal/device"
	"github.com/starford/mpr/internal/runloop"
	"github.com/starford/mpr/internal/scanner"
	"github.com/starford/mpr/internal/status"
	"github.com/starford/mpr/internal/supervisor"
	"github.com/starford/mpr/internal/syncer"
	"github.com/starford/mpr/internal/toolpath"
	"github.com/starford/mpr/internal/watcher"
)

// Run starts the xrun loop with the given options. It returns nil when the
// loop is cancelled or a run-once cycle succeeds.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		version: "dev",
	}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config
	x := app.xrun

	logger, closeLog := newLogger(cfg.App, app.stderr)
	defer closeLog()
	slog.SetDefault(logger)

	root, err := filepath.Abs(cfg.Xrun.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	mapping, err := syncer.ParseMapping(cfg.Xrun.Map)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		logger.Debug("xrun: executable path unknown", slog.String("error", err.Error()))
		self = ""
	}

	mpyCross, err := toolpath.Resolve(cfg.Tools.MpyCross, "mpy-cross", self)
	if err != nil {
		return err
	}
	comp := &compiler.MpyCross{Path: mpyCross, Args: cfg.Tools.MpyCrossArgs, Dir: root}

	logger.Info("xrun: configuration loaded",
		slog.String("root", root),
		slog.String("program", x.Program),
		slog.Int("depth", cfg.Xrun.Depth),
		slog.Any("exclude", cfg.Xrun.Exclude),
		slog.Any("map", mapping.Entries()),
		slog.String("mpy_cross", mpyCross),
		slog.Bool("compile_only", x.CompileOnly),
		slog.Bool("once", x.Once),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := cache.Open(root, cfg.Xrun.CacheDir, comp, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()

	watchOpts := []watcher.Option{
		watcher.WithDebounce(cfg.Xrun.Debounce),
		watcher.WithPollInterval(cfg.Xrun.PollInterval),
	}
	if cfg.Xrun.Polling {
		watchOpts = append(watchOpts, watcher.WithPolling())
	}

	// Tools outlive the first interrupt so a cycle can finish its current
	// step; a second interrupt kills them.
	toolCtx, killTools := context.WithCancel(context.WithoutCancel(ctx))
	defer killTools()

	deps := runloop.Deps{
		Cache:       c,
		Logger:      logger,
		Diagnostics: app.stderr,
		ToolContext: toolCtx,
		Supervisor: []supervisor.Option{
			supervisor.WithOutput(app.stdout, app.stderr),
			supervisor.WithGrace(cfg.Xrun.Grace),
			supervisor.WithSettle(cfg.Xrun.Settle),
		},
		NewDetector: func(rules *scanner.Rules) runloop.Detector {
			return watcher.New(root, rules, logger, watchOpts...)
		},
	}

	if !x.CompileOnly {
		mpremote, err := toolpath.Resolve(cfg.Tools.Mpremote, "mpremote", self)
		if err != nil {
			return err
		}
		dev := &device.Mpremote{Path: mpremote, Device: cfg.Tools.Device, Logger: logger}
		deps.Copier = dev
		deps.Launcher = dev
		logger.Debug("xrun: device tool", slog.String("mpremote", mpremote), slog.String("device", cfg.Tools.Device))
	}

	observers := []runloop.Observer{console.New(app.stdout)}
	var broker *status.Broker
	if cfg.Status.Enabled() {
		broker = status.NewBroker()
		defer broker.Close()
		observers = append(observers, broker)
	}
	deps.Observer = runloop.Observers(observers...)

	ctl, err := runloop.New(runloop.Options{
		Root:        root,
		Program:     x.Program,
		Args:        x.Args,
		Depth:       cfg.Xrun.Depth,
		Only:        x.Only,
		CompileOnly: x.CompileOnly,
		Once:        x.Once,
		Flush:       x.Flush,
		Excludes:    append(append([]string(nil), scanner.DefaultExcludes...), cfg.Xrun.Exclude...),
		Mapping:     mapping,
	}, deps)
	if err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	g, gCtx := errgroup.WithContext(loopCtx)
	loopDone := make(chan struct{})

	g.Go(func() error {
		defer close(loopDone)
		// The loop ending stops the status server too.
		defer stopLoop()
		return ctl.Run(gCtx)
	})

	if broker != nil {
		srv := status.NewServer(broker, ctl, cfg.Status.Auth.BearerToken(), app.version, logger)
		g.Go(func() error {
			return srv.Run(gCtx, cfg.Status.Addr)
		})
	}

	if app.signals {
		g.Go(func() error {
			quit := make(chan os.Signal, 2)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			interrupted := false
			for {
				select {
				case sig := <-quit:
					if !interrupted {
						interrupted = true
						logger.Info("xrun: received signal, stopping", slog.String("signal", sig.String()))
						stopLoop()
						continue
					}
					logger.Warn("xrun: received second signal, killing external tools", slog.String("signal", sig.String()))
					killTools()
				case <-loopDone:
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("xrun: stopped")
	return nil
}

// Package runloop drives the watch, compile, sync and run cycle.
//
// One control goroutine (the caller of Controller.Run) owns the cache, the
// sync engine and the supervisor. The change detector, the session wait
// goroutine and the status server only post into channels.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/mpr/internal/apperr"
	"github.com/starford/mpr/internal/cache"
	"github.com/starford/mpr/internal/scanner"
	"github.com/starford/mpr/internal/supervisor"
	"github.com/starford/mpr/internal/syncer"
)

var errCancelled = errors.New("runloop: cancelled")

// Detector posts a trigger after relevant changes until ctx is cancelled.
type Detector interface {
	Run(ctx context.Context, trigger chan<- struct{}) error
}

// Request asks the loop for an extra cycle.
type Request struct {
	Flush   bool // discard the cache and device state first
	Restart bool // restart the program even if nothing changed
}

// Options select what the loop does.
type Options struct {
	Root        string
	Program     string   // file to run, relative to Root; empty runs nothing
	Args        []string // extra sys.argv entries for the program
	Depth       int
	Only        bool
	CompileOnly bool
	Once        bool
	Flush       bool
	Excludes    []string
	Mapping     syncer.NameMapping
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Cache    *cache.Cache
	Copier   syncer.Copier       // unused in compile-only mode
	Launcher supervisor.Launcher // unused without a program
	Detector Detector            // unused in run-once mode
	// NewDetector builds the detector from the loop's rules when Detector
	// is nil.
	NewDetector func(*scanner.Rules) Detector
	Observer Observer
	Logger   *slog.Logger
	// Diagnostics receives compiler and device tool output.
	Diagnostics io.Writer
	Supervisor  []supervisor.Option
	// ToolContext bounds external tools. It should only be cancelled when
	// a hung tool must be killed; nil means tools are never cancelled.
	ToolContext context.Context
}

// Controller runs the loop.
type Controller struct {
	opts     Options
	rules    *scanner.Rules
	program  string
	module   string
	argv     []string
	cache    *cache.Cache
	engine   *syncer.Engine
	super    *supervisor.Supervisor
	detector Detector
	observer Observer
	logger   *slog.Logger
	diag     io.Writer
	toolCtx  context.Context
	requests chan Request

	state  State
	cycle  int
	exited string // last session reported as exited
}

// New validates opts and builds a Controller.
func New(opts Options, deps Deps) (*Controller, error) {
	if deps.Cache == nil {
		return nil, errors.New("runloop: cache is required")
	}
	c := &Controller{
		opts:     opts,
		cache:    deps.Cache,
		detector: deps.Detector,
		observer: deps.Observer,
		logger:   deps.Logger,
		diag:     deps.Diagnostics,
		toolCtx:  deps.ToolContext,
		requests: make(chan Request, 4),
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.diag == nil {
		c.diag = os.Stderr
	}

	// A compile-only run never starts the program, so it is not singled out.
	if opts.Program != "" && !opts.CompileOnly {
		p, err := NormalizeProgram(opts.Program)
		if err != nil {
			return nil, err
		}
		c.program = p
	}
	c.rules = scanner.NewRules(scanner.Options{
		Depth:    opts.Depth,
		Excludes: opts.Excludes,
		Program:  c.program,
		Only:     opts.Only,
	})

	if c.detector == nil && deps.NewDetector != nil && !opts.Once {
		c.detector = deps.NewDetector(c.rules)
	}

	if !opts.CompileOnly {
		if deps.Copier == nil {
			return nil, errors.New("runloop: copier is required")
		}
		c.engine = syncer.NewEngine(deps.Copier, c.logger)
	}
	if c.program != "" {
		if deps.Launcher == nil {
			return nil, errors.New("runloop: launcher is required to run a program")
		}
		c.super = supervisor.New(deps.Launcher, c.logger, deps.Supervisor...)
		c.module = opts.Mapping.Module(c.program)
		if len(opts.Args) > 0 {
			c.argv = append([]string{strings.TrimSuffix(c.program, scanner.SourceExt)}, opts.Args...)
		}
	}
	return c, nil
}

// NormalizeProgram turns a program argument such as "main" or "./main.py"
// into a file name in the root directory.
func NormalizeProgram(arg string) (string, error) {
	p := filepath.ToSlash(filepath.Clean(arg))
	if strings.Contains(p, "/") {
		return "", fmt.Errorf("%s must be a Python file in the top level directory", arg)
	}
	p = strings.TrimSuffix(p, path.Ext(p))
	if p == "" || p == "." || p == ".." {
		return "", fmt.Errorf("invalid program %q", arg)
	}
	return p + scanner.SourceExt, nil
}

// Program returns the normalized program, or "" when nothing is run.
func (c *Controller) Program() string { return c.program }

// Rules returns the candidate rules, shared with the change detector.
func (c *Controller) Rules() *scanner.Rules { return c.rules }

// State returns the current state. Only safe from the control goroutine or
// after Run returned.
func (c *Controller) State() State { return c.state }

// Request queues r without blocking. It reports false if the queue is full.
// Safe for concurrent use.
func (c *Controller) Request(r Request) bool {
	select {
	case c.requests <- r:
		return true
	default:
		return false
	}
}

// Run executes cycles until ctx is cancelled, a fatal error occurs, or the
// single cycle of a run-once loop finishes. Cancellation returns nil. A
// run-once loop returns the joined failures of its cycle.
func (c *Controller) Run(ctx context.Context) error {
	toolCtx := c.toolCtx
	if toolCtx == nil {
		toolCtx = context.WithoutCancel(ctx)
	}
	defer c.stopSession()

	if err := c.transition(Scanning); err != nil {
		return err
	}
	if c.opts.Flush {
		if err := c.flush(); err != nil {
			return c.fail(err)
		}
	}
	if err := c.seed(); err != nil {
		return c.fail(err)
	}
	files, err := scanner.Scan(c.opts.Root, c.rules)
	if err != nil {
		return c.fail(err)
	}
	c.logger.Info("runloop: scanned",
		slog.String("root", c.opts.Root),
		slog.Int("files", len(files)),
		slog.Any("excludes", c.rules.Excludes()))

	trigger := make(chan struct{}, 1)
	var detErr chan error
	if !c.opts.Once && c.detector != nil {
		detCtx, stopDetector := context.WithCancel(ctx)
		detErr = make(chan error, 1)
		detDone := make(chan struct{})
		go func() {
			defer close(detDone)
			if err := c.detector.Run(detCtx, trigger); err != nil {
				detErr <- err
			}
		}()
		defer func() {
			stopDetector()
			<-detDone
		}()
	}

	rescan, restart := false, true
	for {
		failures, err := c.runCycle(ctx, toolCtx, files, rescan, restart)
		if errors.Is(err, errCancelled) {
			return c.cancel()
		}
		if err != nil {
			return c.fail(err)
		}

		if c.opts.Once {
			if err := c.transition(Cancelled); err != nil {
				return err
			}
			return errors.Join(failures...)
		}

		if err := c.transition(WaitingForChange); err != nil {
			return err
		}
		req, err := c.wait(ctx, trigger, detErr)
		if errors.Is(err, errCancelled) {
			return c.cancel()
		}
		if err != nil {
			return c.fail(err)
		}
		rescan, restart = true, req.Restart || req.Flush
	}
}

func (c *Controller) runCycle(ctx, toolCtx context.Context, files []scanner.SourceFile, rescan, restart bool) ([]error, error) {
	c.cycle++
	if err := c.transition(Compiling); err != nil {
		return nil, err
	}
	if rescan {
		var err error
		if files, err = scanner.Scan(c.opts.Root, c.rules); err != nil {
			return nil, err
		}
	}

	live := make(map[string]struct{}, len(files))
	for _, sf := range files {
		live[sf.Path] = struct{}{}
	}
	removed, err := c.cache.Prune(live)
	if err != nil {
		return nil, err
	}
	for _, p := range removed {
		c.logger.Debug("runloop: dropped from cache", slog.String("path", p))
	}

	var failures []error
	compiled := 0
	for _, sf := range files {
		if ctx.Err() != nil {
			return failures, errCancelled
		}
		e, outcome, err := c.cache.Ensure(toolCtx, sf)
		if err != nil {
			if !apperr.IsRecoverable(err) {
				return failures, err
			}
			failures = append(failures, err)
			c.reportFailure(EventCompileFailed, sf.Path, "", err)
			continue
		}
		if outcome == cache.Compiled {
			compiled++
			c.logger.Info("runloop: compiled", slog.String("path", sf.Path), slog.String("artifact", e.Artifact))
			c.publish(Event{Type: EventCompiled, Path: sf.Path, Target: e.Artifact})
		}
	}

	if c.opts.CompileOnly {
		return failures, c.transition(Running)
	}

	// A file that failed to compile keeps its previous artifact, which is
	// still pushed if the device does not hold it yet.
	items, err := c.items(live)
	if err != nil {
		return failures, err
	}
	pending := c.engine.Pending(items)
	needRestart := restart || compiled > 0 || len(pending) > 0 || (c.super != nil && !c.super.Healthy())

	// The device tool cannot copy while the program holds the serial link.
	if c.super != nil && needRestart {
		c.stopSession()
	}
	if err := c.transition(Syncing); err != nil {
		return failures, err
	}
	if ctx.Err() != nil {
		return failures, errCancelled
	}
	if len(pending) > 0 {
		rep := c.engine.Push(toolCtx, pending)
		for _, it := range rep.Pushed {
			if err := c.cache.MarkSynced(it.Source, it.Fingerprint); err != nil {
				return failures, err
			}
			c.publish(Event{Type: EventSynced, Path: it.Source, Target: it.Target})
		}
		for _, f := range rep.Failed {
			if apperr.IsFatal(f.Err) {
				return failures, f.Err
			}
			failures = append(failures, f.Err)
			c.reportFailure(EventSyncFailed, f.Item.Source, f.Item.Target, f.Err)
		}
	}

	if err := c.transition(Running); err != nil {
		return failures, err
	}
	if c.super == nil || !needRestart {
		return failures, nil
	}
	if ctx.Err() != nil {
		return failures, errCancelled
	}

	c.logger.Info("runloop: starting program",
		slog.String("program", c.program),
		slog.String("module", c.module+cache.ArtifactExt),
		slog.Any("args", c.opts.Args))
	sess, err := c.super.Start(toolCtx, c.module, c.argv)
	if err != nil {
		if !apperr.IsRecoverable(err) {
			return failures, err
		}
		c.logger.Error("runloop: program did not start",
			slog.String("program", c.program),
			slog.String("error", err.Error()))
		c.publish(Event{Type: EventSessionExited, Path: c.program, Error: err.Error()})
		return append(failures, err), nil
	}
	c.publish(Event{Type: EventSessionStarted, Session: sess.ID(), Path: c.program, Target: c.module + cache.ArtifactExt})

	if c.opts.Once {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			c.stopSession()
			return failures, errCancelled
		}
		c.reportExit(sess)
		if err := sess.Err(); err != nil {
			failures = append(failures, err)
		}
	}
	return failures, nil
}

// wait blocks until the next cycle is due and returns the request that
// caused it. A plain change trigger yields a zero Request.
func (c *Controller) wait(ctx context.Context, trigger <-chan struct{}, detErr <-chan error) (Request, error) {
	for {
		var sessDone <-chan struct{}
		if c.super != nil {
			if s := c.super.Current(); s != nil && s.ID() != c.exited {
				sessDone = s.Done()
			}
		}

		select {
		case <-ctx.Done():
			return Request{}, errCancelled
		case err := <-detErr:
			return Request{}, fmt.Errorf("runloop: change detector: %w", err)
		case <-trigger:
			return Request{}, nil
		case r := <-c.requests:
			c.logger.Info("runloop: rebuild requested", slog.Bool("flush", r.Flush), slog.Bool("restart", r.Restart))
			if r.Flush {
				if err := c.flush(); err != nil {
					return Request{}, err
				}
			}
			return r, nil
		case <-sessDone:
			c.reportExit(c.super.Current())
		}
	}
}

func (c *Controller) items(live map[string]struct{}) ([]syncer.Item, error) {
	entries, err := c.cache.Entries()
	if err != nil {
		return nil, err
	}
	items := make([]syncer.Item, 0, len(entries))
	for _, e := range entries {
		if _, ok := live[e.Path]; !ok {
			continue
		}
		it, err := c.item(e)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func (c *Controller) item(e cache.Entry) (syncer.Item, error) {
	local, err := c.cache.LocalPath(e)
	if err != nil {
		return syncer.Item{}, err
	}
	return syncer.Item{
		Source:      e.Path,
		Local:       local,
		Target:      c.opts.Mapping.Target(e.Path, c.program),
		Fingerprint: e.Fingerprint,
		Dirty:       e.Dirty,
	}, nil
}

// seed marks the artifacts pushed by an earlier run as present on the
// device.
func (c *Controller) seed() error {
	if c.engine == nil {
		return nil
	}
	entries, err := c.cache.Entries()
	if err != nil {
		return err
	}
	items := make([]syncer.Item, 0, len(entries))
	for _, e := range entries {
		it, err := c.item(e)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	c.engine.Seed(items)
	c.logger.Debug("runloop: device state seeded", slog.Int("files", c.engine.State().Len()))
	return nil
}

func (c *Controller) flush() error {
	if err := c.cache.Flush(); err != nil {
		return err
	}
	if c.engine != nil {
		c.engine.Reset()
	}
	c.logger.Info("runloop: cache flushed")
	return nil
}

func (c *Controller) stopSession() {
	if c.super == nil {
		return
	}
	s := c.super.Current()
	c.super.Stop()
	c.reportExit(s)
}

func (c *Controller) reportExit(s *supervisor.Session) {
	if s == nil || s.ID() == c.exited || !s.Exited() {
		return
	}
	c.exited = s.ID()
	ev := Event{Type: EventSessionExited, Session: s.ID(), Path: c.program}
	if err := s.Err(); err != nil {
		ev.Error = err.Error()
		c.logger.Warn("runloop: program exited", slog.String("session", s.ID()), slog.String("error", err.Error()))
	} else {
		c.logger.Info("runloop: program finished", slog.String("session", s.ID()))
	}
	c.publish(ev)
}

func (c *Controller) reportFailure(typ EventType, path, target string, err error) {
	var output string
	var fe *apperr.FileError
	if errors.As(err, &fe) {
		output = fe.Output
	}
	c.logger.Error("runloop: "+strings.ReplaceAll(string(typ), "_", " "),
		slog.String("path", path),
		slog.String("error", err.Error()))
	if output != "" {
		fmt.Fprintln(c.diag, output)
	}
	c.publish(Event{Type: typ, Path: path, Target: target, Error: err.Error(), Output: output})
}

func (c *Controller) transition(to State) error {
	if !isAllowedTransition(c.state, to) {
		return fmt.Errorf("runloop: disallowed transition %s -> %s", c.state, to)
	}
	c.state = to
	c.logger.Debug("runloop: state", slog.String("state", to.String()), slog.Int("cycle", c.cycle))
	c.publish(Event{Type: EventState, State: to.String()})
	return nil
}

func (c *Controller) fail(err error) error {
	_ = c.transition(Fatal)
	return err
}

func (c *Controller) cancel() error {
	_ = c.transition(Cancelled)
	c.logger.Info("runloop: cancelled")
	return nil
}

func (c *Controller) publish(e Event) {
	e.Time = time.Now()
	e.Cycle = c.cycle
	c.observer.Publish(e)
}

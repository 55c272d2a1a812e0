// Package supervisor runs the device program and replaces it when the loop
// asks for a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/mpr/internal/apperr"
)

// Default timings.
const (
	DefaultGrace  = 3 * time.Second
	DefaultSettle = time.Second
)

// Launcher builds the process that runs module on the device. The command
// must be created with exec.CommandContext(ctx, ...).
type Launcher interface {
	Command(ctx context.Context, module string, argv []string) *exec.Cmd
}

// Session is one run of the device program.
type Session struct {
	id      string
	module  string
	started time.Time
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{} // closed when the process exits
	err     error
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Module() string     { return s.module }
func (s *Session) Started() time.Time { return s.started }

// Done is closed when the process has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is the exit error, valid after Done is closed. A session stopped by
// the supervisor ends without error; a failed program yields an error
// wrapping apperr.ErrSupervisor.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Exited reports whether the process has exited.
func (s *Session) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one Session. It is driven by the control
// goroutine only.
type Supervisor struct {
	launcher Launcher
	stdout   io.Writer
	stderr   io.Writer
	grace    time.Duration
	settle   time.Duration
	logger   *slog.Logger
	current  *Session
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithOutput sets where the program output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(s *Supervisor) {
		s.stdout = stdout
		s.stderr = stderr
	}
}

// WithGrace sets how long a stopped program may take to exit after the
// interrupt before it is killed.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithSettle sets the pause after a stop that lets the serial port go.
func WithSettle(d time.Duration) Option {
	return func(s *Supervisor) { s.settle = d }
}

// New creates a Supervisor.
func New(l Launcher, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		launcher: l,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		grace:    DefaultGrace,
		settle:   DefaultSettle,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the latest session, or nil.
func (s *Supervisor) Current() *Session { return s.current }

// Healthy reports whether a session is running.
func (s *Supervisor) Healthy() bool {
	return s.current != nil && !s.current.Exited()
}

// Start stops the current session, if any, and runs module with argv.
func (s *Supervisor) Start(ctx context.Context, module string, argv []string) (*Session, error) {
	s.Stop()

	sctx, cancel := context.WithCancel(ctx)
	cmd := s.launcher.Command(sctx, module, argv)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.grace

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("supervisor: start %s: %v: %w", module, err, apperr.ErrToolMissing)
		}
		return nil, fmt.Errorf("supervisor: start %s: %v: %w", module, err, apperr.ErrSupervisor)
	}

	sess := &Session{
		id:      uuid.New().String(),
		module:  module,
		started: time.Now(),
		cmd:     cmd,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.wait(sess)
	s.current = sess

	s.logger.Info("supervisor: started",
		slog.String("session", sess.id),
		slog.String("module", module),
		slog.Any("argv", argv))
	return sess, nil
}

func (s *Supervisor) wait(sess *Session) {
	err := sess.cmd.Wait()
	sess.cancel()
	switch {
	case sess.stopped.Load():
		err = nil
	case err != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		err = fmt.Errorf("%s exited with code %d: %w", sess.module, code, apperr.ErrSupervisor)
	}
	sess.err = err
	close(sess.done)
}

// Stop interrupts the current session and waits for it to exit. The
// process is killed if it outlives the grace period. After stopping a live
// session Stop waits for the settle delay.
func (s *Supervisor) Stop() {
	sess := s.current
	if sess == nil {
		return
	}
	s.current = nil
	if sess.Exited() {
		return
	}

	sess.stopped.Store(true)
	sess.cancel()
	<-sess.done
	s.logger.Info("supervisor: stopped",
		slog.String("session", sess.id),
		slog.Duration("uptime", time.Since(sess.started)))

	if s.settle > 0 {
		time.Sleep(s.settle)
	}
}

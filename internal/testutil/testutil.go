// Package testutil provides shared test helpers: temporary source trees and
// fakes for the external tools the loop drives.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/mpr/internal/apperr"
)

// WriteTree creates a temporary root containing files (relative path to
// content) and returns its path.
func WriteTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		WriteFile(t, root, rel, content)
	}
	return root
}

// WriteFile writes content to rel under root, creating parent directories.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// Logger returns a logger that drops everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// FakeCompiler "compiles" by prefixing the source with "mpy:". Sources whose
// slash path ends with a key of Fail are rejected with that diagnostic.
type FakeCompiler struct {
	Fail map[string]string
	// Dir resolves relative sources.
	Dir string

	mu     sync.Mutex
	calls  map[string]int
	before func(src string)
}

// Compile implements compiler.Compiler.
func (f *FakeCompiler) Compile(_ context.Context, src, dst string) error {
	slash := filepath.ToSlash(src)
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[slash]++
	before := f.before
	var diag string
	failed := false
	for suffix, d := range f.Fail {
		if slash == suffix || strings.HasSuffix(slash, "/"+suffix) {
			diag, failed = d, true
			break
		}
	}
	f.mu.Unlock()

	if before != nil {
		before(slash)
	}
	if failed {
		return &apperr.FileError{Path: src, Output: diag, Err: apperr.ErrCompile}
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(f.Dir, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("mpy:"), data...), 0o644)
}

// SetFail replaces the failure table.
func (f *FakeCompiler) SetFail(fail map[string]string) {
	f.mu.Lock()
	f.Fail = fail
	f.mu.Unlock()
}

// SetBefore installs fn to run ahead of every compile, outside the lock.
func (f *FakeCompiler) SetBefore(fn func(src string)) {
	f.mu.Lock()
	f.before = fn
	f.mu.Unlock()
}

// Calls returns how often a source ending in suffix was compiled.
func (f *FakeCompiler) Calls(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for src, c := range f.calls {
		if src == suffix || strings.HasSuffix(src, "/"+suffix) {
			n += c
		}
	}
	return n
}

// Total returns the number of compiler invocations.
func (f *FakeCompiler) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Copy is one recorded device copy.
type Copy struct {
	Local  string
	Remote string
}

// FakeCopier records device copies. Remotes listed in Fail are rejected.
type FakeCopier struct {
	mu     sync.Mutex
	fail   map[string]bool
	copies []Copy
}

// Copy implements syncer.Copier.
func (f *FakeCopier) Copy(_ context.Context, local, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[remote] {
		return &apperr.FileError{Path: remote, Output: "OSError: 28", Err: apperr.ErrSync}
	}
	f.copies = append(f.copies, Copy{Local: local, Remote: remote})
	return nil
}

// FailRemote makes copies to remote fail until cleared.
func (f *FakeCopier) FailRemote(remote string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]bool)
	}
	f.fail[remote] = fail
}

// Copies returns every successful copy so far.
func (f *FakeCopier) Copies() []Copy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Copy(nil), f.copies...)
}

// Remotes returns the remote path of every successful copy so far.
func (f *FakeCopier) Remotes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.copies))
	for _, c := range f.copies {
		out = append(out, c.Remote)
	}
	return out
}

// FakeLauncher starts "sh -c Script" in place of the device tool and
// records the modules it was asked to run.
type FakeLauncher struct {
	Script string
	// StartErr, when set, makes the returned command fail to start.
	StartErr error

	mu      sync.Mutex
	modules []string
}

// SetStartErr replaces StartErr while a loop may be running.
func (f *FakeLauncher) SetStartErr(err error) {
	f.mu.Lock()
	f.StartErr = err
	f.mu.Unlock()
}

// Command implements supervisor.Launcher.
func (f *FakeLauncher) Command(ctx context.Context, module string, argv []string) *exec.Cmd {
	f.mu.Lock()
	f.modules = append(f.modules, fmt.Sprintf("%s%v", module, argv))
	startErr := f.StartErr
	f.mu.Unlock()
	script := f.Script
	if script == "" {
		script = "exec sleep 30"
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Err = startErr
	return cmd
}

// Starts returns the recorded "module[argv...]" strings.
func (f *FakeLauncher) Starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.modules...)
}

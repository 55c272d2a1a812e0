package internal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/mpr/internal/apperr"
	"github.com/starford/mpr/internal/cache"
	"github.com/starford/mpr/internal/testutil"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

// fakeTools installs an mpy-cross that logs its source and copies it, and an
// mpremote that logs its arguments and prints a line for exec.
func fakeTools(t *testing.T) (mpyCross, mpremote, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "mpremote.log")
	mpyCross = writeScript(t, dir, "mpy-cross", `echo "$1" >> "`+filepath.Join(dir, "mpy-cross.log")+`"
cat "$1" > "$3"
`)
	mpremote = writeScript(t, dir, "mpremote", `echo "$@" >> "`+log+`"
if [ "$1" = exec ]; then echo "hello from board"; fi
`)
	return mpyCross, mpremote, log
}

func testConfig(root, mpyCross, mpremote string) *Config {
	cfg := NewDefaultConfig()
	cfg.App.LogLevel = slog.LevelError
	cfg.Xrun.Root = root
	cfg.Xrun.Settle = 0
	cfg.Tools.MpyCross = mpyCross
	cfg.Tools.Mpremote = mpremote
	return cfg
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func readLog(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatal(err)
	}
	return string(data)
}

func TestRunOnce(t *testing.T) {
	mpyCross, mpremote, log := fakeTools(t)
	root := testutil.WriteTree(t, map[string]string{
		"main.py":     "import lib.util\n",
		"lib/util.py": "X = 1\n",
	})

	var stdout, stderr lockedBuffer
	err := Run(context.Background(),
		WithConfig(testConfig(root, mpyCross, mpremote)),
		WithXrun(XrunOptions{Program: "main", Args: []string{"-v"}, Once: true}),
		WithStdout(&stdout),
		WithStderr(&stderr),
	)
	if err != nil {
		t.Fatalf("run: %v (stderr: %s)", err, stderr.String())
	}

	if !strings.Contains(stdout.String(), "hello from board") {
		t.Errorf("program output not relayed: %q", stdout.String())
	}
	calls := readLog(t, log)
	for _, want := range []string{":main.mpy", ":lib/util.mpy", `sys.argv.extend(["main", "-v"]); import main`} {
		if !strings.Contains(calls, want) {
			t.Errorf("mpremote calls missing %q:\n%s", want, calls)
		}
	}

	sources := strings.Fields(readLog(t, filepath.Join(filepath.Dir(mpyCross), "mpy-cross.log")))
	if len(sources) != 2 || !containsString(sources, "main.py") || !containsString(sources, filepath.Join("lib", "util.py")) {
		t.Errorf("mpy-cross sources = %v, want root-relative main.py and lib/util.py", sources)
	}

	art := filepath.Join(root, cache.DirName, "lib", "util.mpy")
	if data, err := os.ReadFile(art); err != nil || string(data) != "X = 1\n" {
		t.Errorf("artifact = %q, %v", data, err)
	}
}

func TestRunCompileOnlyNeedsNoDevice(t *testing.T) {
	mpyCross, _, _ := fakeTools(t)
	root := testutil.WriteTree(t, map[string]string{"a.py": "A = 1\n"})

	err := Run(context.Background(),
		WithConfig(testConfig(root, mpyCross, filepath.Join(t.TempDir(), "missing-mpremote"))),
		WithXrun(XrunOptions{CompileOnly: true, Once: true}),
		WithStdout(&lockedBuffer{}),
		WithStderr(&lockedBuffer{}),
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, cache.DirName, "a.mpy")); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestRunMissingCompiler(t *testing.T) {
	root := testutil.WriteTree(t, map[string]string{"a.py": ""})
	err := Run(context.Background(),
		WithConfig(testConfig(root, filepath.Join(t.TempDir(), "nope"), "")),
		WithXrun(XrunOptions{Once: true}),
		WithStderr(&lockedBuffer{}),
	)
	if !errors.Is(err, apperr.ErrToolMissing) {
		t.Fatalf("err = %v, want ErrToolMissing", err)
	}
}

func TestRunMissingProgram(t *testing.T) {
	mpyCross, mpremote, _ := fakeTools(t)
	root := testutil.WriteTree(t, map[string]string{"a.py": ""})
	err := Run(context.Background(),
		WithConfig(testConfig(root, mpyCross, mpremote)),
		WithXrun(XrunOptions{Program: "main", Once: true}),
		WithStderr(&lockedBuffer{}),
	)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestRunWatchStopsOnCancel(t *testing.T) {
	mpyCross, mpremote, log := fakeTools(t)
	root := testutil.WriteTree(t, map[string]string{"main.py": "print(1)\n"})
	cfg := testConfig(root, mpyCross, mpremote)
	cfg.Xrun.Debounce = 20 * time.Millisecond
	cfg.Status.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- Run(ctx,
			WithConfig(cfg),
			WithXrun(XrunOptions{Program: "main.py"}),
			WithStdout(&lockedBuffer{}),
			WithStderr(&lockedBuffer{}),
		)
	}()

	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return strings.Contains(readLog(t, log), "import main")
	}, "program never started")

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunKeepsDefaultExcludes(t *testing.T) {
	mpyCross, mpremote, log := fakeTools(t)
	root := testutil.WriteTree(t, map[string]string{
		"main.py":     "print(1)\n",
		"boot.py":     "# boot\n",
		"lib/util.py": "X = 1\n",
		"docs/gen.py": "# tool\n",
	})
	cfg := testConfig(root, mpyCross, mpremote)
	cfg.Xrun.Exclude = []string{"docs"}

	err := Run(context.Background(),
		WithConfig(cfg),
		WithXrun(XrunOptions{Once: true}),
		WithStdout(&lockedBuffer{}),
		WithStderr(&lockedBuffer{}),
	)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := readLog(t, log)
	if !strings.Contains(calls, ":lib/util.mpy") {
		t.Errorf("library not synced:\n%s", calls)
	}
	for _, unwanted := range []string{":main.mpy", ":boot.mpy", ":docs/gen.mpy", "exec"} {
		if strings.Contains(calls, unwanted) {
			t.Errorf("unexpected %q in mpremote calls:\n%s", unwanted, calls)
		}
	}
}

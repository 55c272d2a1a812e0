package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/mpr/internal/apperr"
	"github.com/starford/mpr/internal/testutil"
)

func newSupervisor(l Launcher, out *bytes.Buffer) *Supervisor {
	return New(l, testutil.Logger(),
		WithOutput(out, out),
		WithGrace(200*time.Millisecond),
		WithSettle(0))
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestStartRelaysOutput(t *testing.T) {
	var out bytes.Buffer
	s := newSupervisor(&testutil.FakeLauncher{Script: "echo hello from device"}, &out)

	sess, err := s.Start(context.Background(), "main", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, sess)
	if sess.Err() != nil {
		t.Errorf("Err = %v", sess.Err())
	}
	if !strings.Contains(out.String(), "hello from device") {
		t.Errorf("output = %q", out.String())
	}
	if sess.ID() == "" {
		t.Error("session id empty")
	}
}

func TestFailedProgram(t *testing.T) {
	var out bytes.Buffer
	s := newSupervisor(&testutil.FakeLauncher{Script: "exit 3"}, &out)

	sess, err := s.Start(context.Background(), "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, sess)
	if !errors.Is(sess.Err(), apperr.ErrSupervisor) || !strings.Contains(sess.Err().Error(), "code 3") {
		t.Errorf("Err = %v", sess.Err())
	}
	if s.Healthy() {
		t.Error("exited session reported healthy")
	}
}

func TestRestartStopsPrevious(t *testing.T) {
	var out bytes.Buffer
	l := &testutil.FakeLauncher{}
	s := newSupervisor(l, &out)
	ctx := context.Background()

	first, err := s.Start(ctx, "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Start(ctx, "main", []string{"main", "-v"})
	if err != nil {
		t.Fatal(err)
	}
	if !first.Exited() {
		t.Fatal("previous session still running after restart")
	}
	if first.Err() != nil {
		t.Errorf("stopped session Err = %v", first.Err())
	}
	if !s.Healthy() || s.Current() != second || first.ID() == second.ID() {
		t.Error("second session not current")
	}
	s.Stop()
	waitDone(t, second)
	if got := l.Starts(); len(got) != 2 || got[1] != "main[main -v]" {
		t.Errorf("starts = %v", got)
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	var out bytes.Buffer
	s := newSupervisor(&testutil.FakeLauncher{Script: "trap '' INT; exec sleep 30"}, &out)

	sess, err := s.Start(context.Background(), "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	begin := time.Now()
	s.Stop()
	if !sess.Exited() {
		t.Fatal("session still running after Stop")
	}
	if d := time.Since(begin); d > 3*time.Second {
		t.Errorf("Stop took %v", d)
	}
}

type missingLauncher struct{ path string }

func (m missingLauncher) Command(ctx context.Context, _ string, _ []string) *exec.Cmd {
	return exec.CommandContext(ctx, m.path)
}

func TestStartMissingTool(t *testing.T) {
	var out bytes.Buffer
	s := newSupervisor(missingLauncher{path: filepath.Join(t.TempDir(), "mpremote")}, &out)
	_, err := s.Start(context.Background(), "main", nil)
	if !errors.Is(err, apperr.ErrToolMissing) {
		t.Errorf("err = %v, want ErrToolMissing", err)
	}
}

func TestStartFailureIsSupervisorError(t *testing.T) {
	var out bytes.Buffer
	s := newSupervisor(&testutil.FakeLauncher{StartErr: errors.New("fork/exec: resource temporarily unavailable")}, &out)
	sess, err := s.Start(context.Background(), "main", nil)
	if sess != nil {
		t.Error("session returned for a failed start")
	}
	if !errors.Is(err, apperr.ErrSupervisor) || apperr.IsFatal(err) {
		t.Errorf("err = %v, want recoverable ErrSupervisor", err)
	}
	if s.Healthy() {
		t.Error("supervisor healthy after failed start")
	}
}

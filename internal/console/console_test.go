package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/starford/mpr/internal/runloop"
)

func TestPublish(t *testing.T) {
	tests := []struct {
		name string
		ev   runloop.Event
		want string
	}{
		{"compiled", runloop.Event{Type: runloop.EventCompiled, Path: "lib/util.py", Target: "lib/util.mpy"}, ">> lib/util.py compiled to lib/util.mpy\n"},
		{"compile failed", runloop.Event{Type: runloop.EventCompileFailed, Path: "bad.py"}, ">> bad.py failed to compile\n"},
		{"synced", runloop.Event{Type: runloop.EventSynced, Path: "main.py", Target: "main1.mpy"}, ">> main.py copied to :main1.mpy\n"},
		{"sync failed", runloop.Event{Type: runloop.EventSyncFailed, Path: "a.py", Target: "a.mpy"}, ">> a.py failed to copy to :a.mpy\n"},
		{"started", runloop.Event{Type: runloop.EventSessionStarted, Path: "main.py", Target: "main1.mpy"}, ">> 2026-01-02 03:04:05 starting main.py as main1.mpy\n"},
		{"exited with error", runloop.Event{Type: runloop.EventSessionExited, Error: "main1 exited with code 1"}, ">> main1 exited with code 1\n"},
		{"clean exit", runloop.Event{Type: runloop.EventSessionExited}, ""},
		{"waiting", runloop.Event{Type: runloop.EventState, State: "waiting"}, ">> waiting for changes ..\n"},
		{"other state", runloop.Event{Type: runloop.EventState, State: "compiling"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := New(&buf)
			p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local) }
			p.Publish(tt.ev)
			if got := buf.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoColorForPlainWriter(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Publish(runloop.Event{Type: runloop.EventCompileFailed, Path: "x.py"})
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("escape codes written to a non-terminal: %q", buf.String())
	}
}

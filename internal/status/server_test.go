package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/mpr/internal/runloop"
	"github.com/starford/mpr/internal/testutil"
)

type fakeLoop struct {
	mu     sync.Mutex
	reqs   []runloop.Request
	refuse bool
}

func (f *fakeLoop) Request(r runloop.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.reqs = append(f.reqs, r)
	return true
}

func (f *fakeLoop) requests() []runloop.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runloop.Request(nil), f.reqs...)
}

func testServer(t *testing.T, token string) (*Server, *Broker, *fakeLoop) {
	t.Helper()
	b := NewBroker()
	t.Cleanup(b.Close)
	loop := &fakeLoop{}
	return NewServer(b, loop, token, "test", testutil.Logger()), b, loop
}

func do(t *testing.T, h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestHealthLive(t *testing.T) {
	srv, _, _ := testServer(t, "secret")
	w := do(t, srv.Handler(), http.MethodGet, "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, b, _ := testServer(t, "")
	b.Publish(runloop.Event{Type: runloop.EventState, Cycle: 3, State: "waiting"})
	b.Publish(runloop.Event{Type: runloop.EventCompileFailed, Cycle: 3, Path: "bad.py", Error: "compile failed"})

	w := do(t, srv.Handler(), http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var s Snapshot
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.State != "waiting" || s.Cycle != 3 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.CompileFailures["bad.py"] != "compile failed" {
		t.Errorf("compile failures = %v", s.CompileFailures)
	}
}

func TestRebuildEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   int
		want   runloop.Request
	}{
		{"defaults", "/api/rebuild", http.StatusAccepted, runloop.Request{Restart: true}},
		{"flush", "/api/rebuild?flush=true", http.StatusAccepted, runloop.Request{Flush: true, Restart: true}},
		{"no restart", "/api/rebuild?restart=false", http.StatusAccepted, runloop.Request{}},
		{"invalid", "/api/rebuild?flush=maybe", http.StatusBadRequest, runloop.Request{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, loop := testServer(t, "")
			w := do(t, srv.Handler(), http.MethodPost, tt.target, nil)
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
			reqs := loop.requests()
			if tt.code != http.StatusAccepted {
				if len(reqs) != 0 {
					t.Fatalf("unexpected requests %v", reqs)
				}
				return
			}
			if len(reqs) != 1 || reqs[0] != tt.want {
				t.Fatalf("requests = %v, want [%v]", reqs, tt.want)
			}
		})
	}
}

func TestRebuildQueueFull(t *testing.T) {
	srv, _, loop := testServer(t, "")
	loop.refuse = true
	w := do(t, srv.Handler(), http.MethodPost, "/api/rebuild", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRebuildRequiresPost(t *testing.T) {
	srv, _, _ := testServer(t, "")
	w := do(t, srv.Handler(), http.MethodGet, "/api/rebuild", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	srv, _, _ := testServer(t, "secret")
	h := srv.Handler()

	if w := do(t, h, http.MethodGet, "/api/status", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/status", map[string]string{"Authorization": "Bearer secret"}); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/mcp", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("mcp without token: status = %d", w.Code)
	}
}

func TestMCPGetStatus(t *testing.T) {
	srv, b, _ := testServer(t, "")
	b.Publish(runloop.Event{Type: runloop.EventSessionStarted, Cycle: 1, Session: "s-1"})

	res, err := srv.getStatus(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(res))
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(resultText(res)), &s); err != nil {
		t.Fatal(err)
	}
	if s.Session != "s-1" || !s.Running {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestMCPRequestRebuild(t *testing.T) {
	srv, _, loop := testServer(t, "")

	req := mcp.CallToolRequest{}
	req.Params.Name = "request_rebuild"
	req.Params.Arguments = map[string]any{"flush": true}

	res, err := srv.requestRebuild(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "flush=true") {
		t.Errorf("text = %q", resultText(res))
	}
	reqs := loop.requests()
	if len(reqs) != 1 || reqs[0] != (runloop.Request{Flush: true, Restart: true}) {
		t.Fatalf("requests = %v", reqs)
	}

	loop.refuse = true
	res, _ = srv.requestRebuild(context.Background(), req)
	if !res.IsError {
		t.Fatal("expected error result when queue is full")
	}
}

func TestServeShutsDownWithOpenStream(t *testing.T) {
	srv, _, _ := testServer(t, "")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
}

package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/mpr/internal/runloop"
)

const shutdownTimeout = 10 * time.Second

// Requester accepts rebuild requests for the loop.
type Requester interface {
	Request(runloop.Request) bool
}

// Server serves the status API and the MCP endpoint.
type Server struct {
	broker  *Broker
	loop    Requester
	token   string
	logger  *slog.Logger
	mcp     *server.MCPServer
	version string
}

// NewServer wires a status server. An empty token disables auth.
func NewServer(b *Broker, loop Requester, token, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{broker: b, loop: loop, token: token, logger: logger, version: version}

	s.mcp = server.NewMCPServer(
		"mpr",
		version,
		server.WithToolCapabilities(false),
	)
	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Current state of the xrun loop: phase, cycle, running session and outstanding compile or sync failures."),
	), s.getStatus)
	s.mcp.AddTool(mcp.NewTool("request_rebuild",
		mcp.WithDescription("Ask the xrun loop to run another cycle."),
		mcp.WithBoolean("flush", mcp.Description("Discard the compile cache and recompile every file")),
		mcp.WithBoolean("restart", mcp.Description("Restart the program even if nothing changed (default true)")),
	), s.requestRebuild)

	return s
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))
		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/events", s.broker.ServeHTTP)
			r.Post("/rebuild", s.handleRebuild)
		})
		r.Handle("/mcp", server.NewStreamableHTTPServer(s.mcp))
	})

	return r
}

// Run listens on addr until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Request contexts end with ctx so SSE streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status: listening", slog.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status: shutdown: %w", err)
	}
	s.logger.Info("status: stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Snapshot())
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if !s.loop.Request(req) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("rebuild queue is full"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "flush": req.Flush, "restart": req.Restart})
}

func parseRequest(r *http.Request) (runloop.Request, error) {
	req := runloop.Request{Restart: true}
	q := r.URL.Query()
	if v := q.Get("flush"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid flush value %q", v)
		}
		req.Flush = b
	}
	if v := q.Get("restart"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("invalid restart value %q", v)
		}
		req.Restart = b
	}
	return req, nil
}

func (s *Server) getStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(s.broker.Snapshot(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) requestRebuild(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r := runloop.Request{
		Flush:   req.GetBool("flush", false),
		Restart: req.GetBool("restart", true),
	}
	if !s.loop.Request(r) {
		return mcp.NewToolResultError("rebuild queue is full"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("rebuild queued (flush=%t, restart=%t)", r.Flush, r.Restart)), nil
}

// authMiddleware requires "Authorization: Bearer <token>" when token is set.
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("status: json encode failed", slog.String("error", err.Error()))
	}
}

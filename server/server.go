// Package server hosts many independent sessions over HTTP: a JSON API for
// session lifecycle and direct capability calls, and server-sent event
// streams for conversation turns and terminal commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/voocel/codebox/middleware"
	"github.com/voocel/codebox/observer"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as a bearer token or X-Sandbox-Token.
	Token   string
	Logger  *slog.Logger
	Metrics *middleware.MetricsObserver
}

// Server is the HTTP host.
type Server struct {
	runner   *runner.Runner
	sessions *Manager
	opts     Options
	logger   *slog.Logger
	started  time.Time
}

// New creates a Server.
func New(r *runner.Runner, sessions *Manager, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:   r,
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		started:  time.Now(),
	}
}

// ListenAndServe serves on listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, listen string) error {
	if strings.TrimSpace(listen) == "" {
		return errors.New("listen address is empty")
	}
	// No WriteTimeout: event streams last as long as a turn.
	server := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /api/sessions/{id}/files", s.handleListFiles)
	mux.HandleFunc("POST /api/sessions/{id}/file/read", s.handleReadFile)
	mux.HandleFunc("POST /api/sessions/{id}/file/write", s.handleWriteFile)
	mux.HandleFunc("POST /api/sessions/{id}/file/delete", s.handleDeleteFile)
	mux.HandleFunc("POST /api/sessions/{id}/execute/python", s.handleExecutePython)
	mux.HandleFunc("POST /api/sessions/{id}/execute/bash", s.handleExecuteBash)
	mux.HandleFunc("POST /api/sessions/{id}/terminal/stream", s.handleTerminalStream)
	return s.authorized(mux)
}

func (s *Server) authorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := authorize(r, s.opts.Token); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"success":        true,
		"sessions":       s.sessions.Len(),
		"session_ids":    s.sessions.IDs(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if model := s.runner.Model(); model != nil {
		info := model.Info()
		resp["model"] = info.Name
		resp["provider"] = info.Provider
	}
	if s.opts.Metrics != nil {
		resp["metrics"] = s.opts.Metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("session created", "session_id", sess.ID(), "workspace", sess.Workspace().Root())
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":    true,
		"session_id": sess.ID(),
		"workspace":  sess.Workspace().Root(),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	purge := r.URL.Query().Get("purge") == "true"
	if err := s.sessions.Delete(id, purge); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("session deleted", "session_id", id, "purge", purge)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	ctx := observer.WithSession(r.Context(), sess.ID())
	events, err := s.runner.RunStream(ctx, sess, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	sse := newSSEWriter(w)
	for event := range events {
		if err := sse.Send(event); err != nil {
			s.logger.DebugContext(ctx, "event stream write", "error", err)
		}
	}
}

// pathRequest accepts "filepath" as sent by the companion web UI.
type pathRequest struct {
	Path     string `json:"path"`
	Filepath string `json:"filepath"`
	Content  string `json:"content"`
	Format   string `json:"format"`
}

func (p pathRequest) path() string {
	if p.Path != "" {
		return p.Path
	}
	return p.Filepath
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if path := r.URL.Query().Get("path"); path != "" {
		args["path"] = path
	}
	s.invoke(w, r, tools.KindListDirectory, args)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	args := map[string]any{"path": req.path()}
	if req.Format != "" {
		args["format"] = req.Format
	}
	s.invoke(w, r, tools.KindReadFile, args)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	s.invoke(w, r, tools.KindCreateFile, map[string]any{"path": req.path(), "content": req.Content})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	s.invoke(w, r, tools.KindDeletePath, map[string]any{"path": req.path()})
}

type executeRequest struct {
	Code    string `json:"code"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (e executeRequest) args(key, source string) map[string]any {
	args := map[string]any{key: source}
	if e.Timeout > 0 {
		args["timeout"] = e.Timeout
	}
	return args
}

func (s *Server) handleExecutePython(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	s.invoke(w, r, tools.KindRunPython, req.args("code", req.Code))
}

func (s *Server) handleExecuteBash(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	s.invoke(w, r, tools.KindRunShell, req.args("command", req.Command))
}

// invoke runs one capability against the session and writes its envelope.
// Capability failures are reported in the envelope with status 200.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request, kind tools.Kind, args map[string]any) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	raw, err := json.Marshal(args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := observer.WithSession(r.Context(), sess.ID())
	outcome, err := s.runner.Invoke(ctx, sess, schema.ToolCall{Name: kind.String(), Args: raw})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Envelope)
}

func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("no command provided"))
		return
	}

	env := s.sessions.Env()
	ctx := observer.WithSession(r.Context(), sess.ID())
	args, err := json.Marshal(map[string]any{"command": req.Command})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	streamed := false
	call := schema.ToolCall{Name: tools.KindRunShell.String(), Args: args}
	outcome, err := s.runner.InvokeWith(ctx, sess, call, func(ctx context.Context) tools.Envelope {
		streamed = true
		sse := newSSEWriter(w)
		out := &lineStream{sse: sse}
		res, err := env.Runner.Run(ctx, tools.ProcessSpec{
			Path:    env.Shell,
			Args:    []string{"-c", req.Command},
			Dir:     sess.Workspace().Root(),
			Timeout: env.Limits.MaxTimeout,
			Stream:  out,
		})
		out.Flush()
		if err != nil {
			s.logger.WarnContext(ctx, "terminal stream", "error", err)
			_ = sse.Send(map[string]any{"done": true, "error": err.Error(), "returncode": -1})
			return tools.Fail(schema.NewToolError(call.Name, "stream", err)).With("returncode", -1)
		}
		_ = sse.Send(map[string]any{"done": true, "returncode": res.ExitCode})
		if res.ExitCode != 0 {
			return tools.Fail(schema.NewToolError(call.Name, "stream", fmt.Errorf("%w (exit code %d)", schema.ErrNonZeroExit, res.ExitCode))).
				With("returncode", res.ExitCode)
		}
		return tools.OK(map[string]any{"returncode": res.ExitCode})
	})
	switch {
	case err != nil:
		writeError(w, statusFor(err), err)
	case !streamed:
		writeJSON(w, http.StatusForbidden, outcome.Envelope)
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*runner.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return nil, false
	}
	return sess, true
}

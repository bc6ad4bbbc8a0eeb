package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/voocel/codebox/schema"
)

const maxRequestBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return err
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty request body"))
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// statusFor maps a runner or session error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, schema.ErrEmptyInput), errors.Is(err, schema.ErrInvalidArguments):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func authorize(r *http.Request, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		if strings.TrimSpace(header[7:]) == token {
			return nil
		}
	}
	if strings.TrimSpace(r.Header.Get("X-Sandbox-Token")) == token {
		return nil
	}
	return errors.New("unauthorized")
}

// sseWriter writes one "data:" frame per payload and flushes it.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// lineStream turns raw process output into one SSE frame per line.
type lineStream struct {
	sse *sseWriter
	buf bytes.Buffer
}

func (l *lineStream) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(l.buf.Next(i + 1))
		_ = l.sse.Send(map[string]string{"output": line})
	}
	return len(p), nil
}

// Flush sends a trailing partial line.
func (l *lineStream) Flush() {
	if l.buf.Len() > 0 {
		_ = l.sse.Send(map[string]string{"output": l.buf.String()})
		l.buf.Reset()
	}
}

package runner

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voocel/codebox/memory"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
	"github.com/voocel/codebox/workspace"
)

// Session is one conversation: its transcript, the capabilities bound to its
// workspace and the lock that keeps its turns sequential. Sessions share
// nothing with each other.
type Session struct {
	id         string
	transcript *memory.Transcript
	registry   *tools.Registry
	workspace  *workspace.Workspace
	created    time.Time

	running sync.Mutex
}

// NewSession creates a session whose capabilities are confined to ws. An
// empty id is replaced with a fresh uuid.
func NewSession(id, systemPrompt string, ws *workspace.Workspace, env tools.Env) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	env.Workspace = ws
	return &Session{
		id:         id,
		transcript: memory.NewTranscript(systemPrompt),
		registry:   tools.Builtin(env),
		workspace:  ws,
		created:    time.Now(),
	}
}

func (s *Session) ID() string                      { return s.id }
func (s *Session) Transcript() *memory.Transcript  { return s.transcript }
func (s *Session) Registry() *tools.Registry       { return s.registry }
func (s *Session) Workspace() *workspace.Workspace { return s.workspace }
func (s *Session) CreatedAt() time.Time            { return s.created }

// Busy reports whether a turn is in progress.
func (s *Session) Busy() bool {
	if s.running.TryLock() {
		s.running.Unlock()
		return false
	}
	return true
}

// Exclusive runs fn while holding the session's turn lock. It fails fast
// with schema.ErrSessionBusy when a turn or another exclusive call is in
// progress.
func (s *Session) Exclusive(fn func() error) error {
	if !s.running.TryLock() {
		return schema.NewRunnerError("exclusive", schema.ErrSessionBusy)
	}
	defer s.running.Unlock()
	return fn()
}

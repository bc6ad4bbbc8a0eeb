package server

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
	"github.com/voocel/codebox/workspace"
)

// Manager owns the live sessions of a server. Each session gets its own
// sub-workspace named after its id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*runner.Session

	root   *workspace.Workspace
	env    tools.Env
	prompt string
}

// NewManager creates a manager whose sessions live under root.
func NewManager(root *workspace.Workspace, env tools.Env, systemPrompt string) *Manager {
	return &Manager{
		sessions: make(map[string]*runner.Session),
		root:     root,
		env:      env.WithDefaults(),
		prompt:   systemPrompt,
	}
}

// Env returns the executor environment sessions are built with.
func (m *Manager) Env() tools.Env { return m.env }

// Create starts a new session.
func (m *Manager) Create() (*runner.Session, error) {
	id := uuid.NewString()
	ws, err := m.root.Sub(id)
	if err != nil {
		return nil, fmt.Errorf("session workspace: %w", err)
	}
	sess := runner.NewSession(id, m.prompt, ws, m.env)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*runner.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Delete ends an idle session, discarding its transcript. With purge the
// session's workspace directory is removed too.
func (m *Manager) Delete(id string, purge bool) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Exclusive(func() error {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if purge {
			if err := os.RemoveAll(sess.Workspace().Root()); err != nil {
				return fmt.Errorf("%w: purge workspace: %v", schema.ErrIO, err)
			}
		}
		return nil
	})
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

package streammanager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"camstream/internal/session"
	"camstream/pkg/models"
)

type entry struct {
	session *session.Session
	cancel  context.CancelFunc
}

// Manager keeps the in-memory registry of live video sessions
type Manager struct {
	sessions map[string]*entry // session id -> entry
	mu       sync.RWMutex
}

// New creates a new session manager
func New() *Manager {
	return &Manager{
		sessions: make(map[string]*entry),
	}
}

// Register adds a running session. cancel must stop that session's Run.
// The returned function removes the session again and is safe to call more than once.
func (m *Manager) Register(sess *session.Session, cancel context.CancelFunc) func() {
	m.mu.Lock()
	m.sessions[sess.ID()] = &entry{session: sess, cancel: cancel}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.sessions[sess.ID()]; ok && e.session == sess {
				delete(m.sessions, sess.ID())
			}
		})
	}
}

// Get retrieves a session by id
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.sessions[id]
	if !exists {
		return nil, false
	}
	return e.session, true
}

// List returns all registered sessions, oldest first
func (m *Manager) List() []models.SessionInfo {
	m.mu.RLock()
	infos := make([]models.SessionInfo, 0, len(m.sessions))
	for _, e := range m.sessions {
		infos = append(infos, e.session.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt == infos[j].StartedAt {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt < infos[j].StartedAt
	})
	return infos
}

// Stop cancels one session. The session unregisters itself when its Run returns.
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	e, exists := m.sessions[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("session %s not found", id)
	}

	e.cancel()
	return nil
}

// StopAll cancels every registered session
func (m *Manager) StopAll() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.sessions {
		e.cancel()
	}
	return len(m.sessions)
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StreamingCount returns the number of sessions currently emitting frames
func (m *Manager) StreamingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, e := range m.sessions {
		if e.session.State() == models.SessionStateStreaming {
			count++
		}
	}
	return count
}

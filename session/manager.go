package session

import (
	"log/slog"
	"sort"
	"sync"
)

// Manager tracks the active sessions by key, providing create/remove/list
// operations used by the serving layer and the stats API.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create builds a session for the key and registers it. Returns
// ErrDuplicateKey if the key is already registered; encoder construction
// failures pass through.
func (m *Manager) Create(key string, cfg Config) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, ErrDuplicateKey
	}

	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	s, err := New(key, cfg)
	if err != nil {
		return nil, err
	}

	m.sessions[key] = s
	m.log.Info("session created", "key", key)
	return s, nil
}

// Remove closes and unregisters a session. Unknown keys are ignored.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		s.Close()
		m.log.Info("session removed", "key", key)
	}
}

// Get returns the session for the key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// List returns all active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshots returns stats snapshots for all sessions, sorted by key for
// stable API output.
func (m *Manager) Snapshots() []Snapshot {
	sessions := m.List()
	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Stats())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// CloseAll tears down every session, used at server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for key, s := range sessions {
		s.Close()
		m.log.Info("session removed", "key", key)
	}
}

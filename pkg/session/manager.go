package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/dqagent/internal/observability"
	"github.com/rs/zerolog"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * time.Minute

const maxKeyLength = 128

// Config holds session manager configuration
type Config struct {
	Planner Planner
	Runner  Runner
	TTL     time.Duration
	Logger  zerolog.Logger
}

// Manager keeps the in-memory sessions, keyed by session key.
type Manager struct {
	planner Planner
	runner  Runner
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new session manager
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Manager{
		planner:  cfg.Planner,
		runner:   cfg.Runner,
		ttl:      ttl,
		logger:   cfg.Logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}, nil
}

// ValidateKey validates the session key for security
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("session key cannot be longer than %d bytes", maxKeyLength)
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

// Get returns the session for key, creating it on first use.
func (m *Manager) Get(key string) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s = newSession(key, m.planner, m.runner, m.logger, m.now)
	m.sessions[key] = s
	observability.SetActiveSessions(len(m.sessions))
	m.logger.Debug().Str("session_key", key).Msg("Session created")
	return s, nil
}

// Lookup returns an existing session without creating one.
func (m *Manager) Lookup(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Delete removes a session. It reports whether the session existed.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	observability.SetActiveSessions(len(m.sessions))
	return true
}

// List returns the keys of all sessions, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Prune drops sessions idle for longer than the TTL. Sessions with a run in
// flight are kept.
func (m *Manager) Prune() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.sessions {
		if s.busy() || s.idleSince().After(cutoff) {
			continue
		}
		delete(m.sessions, key)
		removed++
	}
	if removed > 0 {
		observability.SetActiveSessions(len(m.sessions))
		m.logger.Info().Int("removed", removed).Int("remaining", len(m.sessions)).Msg("Pruned idle sessions")
	}
	return removed
}

package store

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/internal/metrics"
)

// ErrNotFound is returned by Update when the session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the session persistence contract consumed by the orchestrator.
type Store interface {
	Create(sess *Session) (*Session, error)
	Get(id string) (*Session, bool)
	Update(id string, mutate func(*Session)) (*Session, error)
	Delete(id string) bool
	Count() int
}

// MemoryStore is an in-memory Store with TTL-based reclamation. Get and
// Update refresh LastActivity, which is how liveness is tracked without a
// heartbeat channel.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout time.Duration
	logger      zerolog.Logger

	sweepMu sync.Mutex
	stopCh  chan struct{}
	running bool
}

// DefaultIdleTimeout is how long an untouched session survives before the
// sweep reclaims it.
const DefaultIdleTimeout = 10 * time.Minute

// NewMemoryStore creates a store. A zero idleTimeout uses the default.
func NewMemoryStore(idleTimeout time.Duration, logger zerolog.Logger) *MemoryStore {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Create stores a new session record. The caller provides ID and initial
// fields; timestamps are stamped here.
func (m *MemoryStore) Create(sess *Session) (*Session, error) {
	if sess.ID == "" {
		return nil, errors.New("session id cannot be empty")
	}

	now := time.Now()
	sess.CreatedAt = now
	sess.LastActivity = now
	if sess.QueryResults == nil {
		sess.QueryResults = make(map[string][]map[string]any)
	}

	m.mu.Lock()
	if _, exists := m.sessions[sess.ID]; exists {
		m.mu.Unlock()
		return nil, errors.New("session already exists")
	}
	m.sessions[sess.ID] = sess.Clone()
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.SetActiveSessions(count)
	metrics.RecordSessionCreated()
	m.logger.Debug().Str("session_id", sess.ID).Msg("Session created")

	return sess.Clone(), nil
}

// Get returns a copy of the session, or (nil, false) when absent. A hit
// bumps LastActivity.
func (m *MemoryStore) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	sess.LastActivity = time.Now()
	return sess.Clone(), true
}

// Update applies mutate to the stored record under the write lock and
// refreshes LastActivity. Returns a copy of the updated record.
func (m *MemoryStore) Update(id string, mutate func(*Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	mutate(sess)
	sess.LastActivity = time.Now()
	return sess.Clone(), nil
}

// Delete removes the session and reports whether it existed.
func (m *MemoryStore) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if ok {
		metrics.SetActiveSessions(count)
		m.logger.Debug().Str("session_id", id).Msg("Session deleted")
	}
	return ok
}

// Count returns the number of live sessions.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartSweep begins the background reclamation loop, deleting sessions idle
// past the timeout. Protects against sessions orphaned mid-loop by a crashed
// invocation or an abandoned browser tab.
func (m *MemoryStore) StartSweep(interval time.Duration) error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if m.running {
		return errors.New("sweep is already running")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	m.stopCh = make(chan struct{})
	m.running = true

	go m.sweepLoop(interval)

	m.logger.Info().
		Dur("idle_timeout", m.idleTimeout).
		Dur("interval", interval).
		Msg("Session sweep started")
	return nil
}

// StopSweep stops the reclamation loop.
func (m *MemoryStore) StopSweep() error {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	if !m.running {
		return errors.New("sweep is not running")
	}
	close(m.stopCh)
	m.running = false
	return nil
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.SweepNow()
		case <-m.stopCh:
			return
		}
	}
}

// SweepNow deletes every session whose LastActivity exceeds the idle timeout
// and returns how many were reclaimed.
func (m *MemoryStore) SweepNow() int {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetActiveSessions(count)
		metrics.RecordSessionsSwept(len(expired))
		m.logger.Info().
			Int("reclaimed", len(expired)).
			Msg("Swept idle sessions")
	}
	return len(expired)
}

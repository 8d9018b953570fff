package session

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/intake-bot/internal/model"
)

type memoryEntry struct {
	session *model.Session
	savedAt time.Time
}

// Memory is an in-process Registry. Sessions older than the TTL read as absent.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ Registry = (*Memory)(nil)

// NewMemory creates a Memory registry. A zero ttl keeps sessions until Delete.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		entries: make(map[int64]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, userID int64) (*model.Session, error) {
	m.mu.RLock()
	e, ok := m.entries[userID]
	m.mu.RUnlock()

	if !ok || m.expired(e) {
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

func (m *Memory) Save(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.UserID] = memoryEntry{session: s.Clone(), savedAt: m.now()}
	return nil
}

func (m *Memory) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Len reports the number of held sessions, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) expired(e memoryEntry) bool {
	return m.ttl > 0 && m.now().Sub(e.savedAt) > m.ttl
}

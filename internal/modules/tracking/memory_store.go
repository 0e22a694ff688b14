// README: In-memory tracking session store for tests and local runs.
package tracking

import (
	"context"
	"sync"

	"dispatch/internal/types"
)

type memorySession struct {
	sess    *Session
	history []HistoryEntry
}

// MemoryStore keeps sessions in process. It backs tests and the dev mode
// without a database.
type MemoryStore struct {
	mu       sync.Mutex
	byOrder  map[types.ID][]*memorySession
	byID     map[types.ID]*memorySession
	nextHist int64
	failNext error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder: make(map[types.ID][]*memorySession),
		byID:    make(map[types.ID]*memorySession),
	}
}

// FailNext makes the next write return err.
func (m *MemoryStore) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	if err != nil {
		return persistErr("memory store", err)
	}
	return nil
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	list := m.byOrder[s.OrderID]
	if n := len(list); n > 0 && !list[n-1].sess.Status.Terminal() {
		return ErrSessionExists
	}
	ms := &memorySession{sess: s.clone()}
	m.byOrder[s.OrderID] = append(list, ms)
	m.byID[s.ID] = ms
	return nil
}

func (m *MemoryStore) GetLatest(_ context.Context, orderID types.ID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byOrder[orderID]
	if len(list) == 0 {
		return nil, ErrSessionNotFound
	}
	return list[len(list)-1].sess.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session, expectedVersion int, entry *HistoryEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	ms, ok := m.byID[s.ID]
	if !ok || ms.sess.Version != expectedVersion {
		return false, nil
	}
	s.Version = expectedVersion + 1
	ms.sess = s.clone()
	if entry != nil {
		m.nextHist++
		entry.ID = m.nextHist
		e := *entry
		e.SessionID = s.ID
		ms.history = append(ms.history, e)
	}
	return true, nil
}

func (m *MemoryStore) History(_ context.Context, sessionID types.ID) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.byID[sessionID]
	if !ok {
		return []HistoryEntry{}, nil
	}
	out := make([]HistoryEntry, len(ms.history))
	copy(out, ms.history)
	return out, nil
}

package progress

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and by callers that do not
// need durable progress.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Progress
}

// NewMemoryStore creates an empty in-memory progress store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Progress)}
}

// GetProgress returns the stored progress for a conversation.
func (m *MemoryStore) GetProgress(_ context.Context, convID string) (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.records[convID]
	if !ok {
		return Progress{}, fmt.Errorf("no progress for conversation %s", convID)
	}
	// Copy the map so callers cannot mutate stored state.
	cp := Progress{ReplacedAtTurn: p.ReplacedAtTurn, Objectives: make(ObjectiveMap, len(p.Objectives))}
	for k, v := range p.Objectives {
		cp.Objectives[k] = v
	}
	return cp, nil
}

// SaveProgress stores progress for a conversation.
func (m *MemoryStore) SaveProgress(_ context.Context, convID string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := Progress{ReplacedAtTurn: p.ReplacedAtTurn, Objectives: make(ObjectiveMap, len(p.Objectives))}
	for k, v := range p.Objectives {
		cp.Objectives[k] = v
	}
	m.records[convID] = cp
	return nil
}

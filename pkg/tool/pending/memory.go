// pkg/tool/pending/memory.go
package pending

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is safe for concurrent use and
// purges expired entries opportunistically every purgeN saves.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]AuthState
	saveCount uint64
	purgeN    uint64

	Now func() time.Time
}

// NewMemoryStore creates an in-memory store. If purgeEvery <= 0, 1024 is used.
func NewMemoryStore(purgeEvery int) *MemoryStore {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &MemoryStore{
		entries: make(map[string]AuthState, 256),
		purgeN:  uint64(purgeEvery),
	}
}

func (m *MemoryStore) Save(_ context.Context, st AuthState) error {
	if strings.TrimSpace(st.State) == "" || strings.TrimSpace(st.Nonce) == "" {
		return fmt.Errorf("pending: state and nonce are required")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCount++
	if m.saveCount%m.purgeN == 0 {
		m.purgeLocked(now)
	}
	if cur, ok := m.entries[st.State]; ok && !cur.Expired(now) {
		return ErrDuplicate
	}
	m.entries[st.State] = st
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, state string) (AuthState, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[state]
	if !ok {
		return AuthState{}, ErrNotFound
	}
	if st.Expired(now) {
		delete(m.entries, state)
		return AuthState{}, ErrExpired
	}
	return st, nil
}

func (m *MemoryStore) Consume(_ context.Context, state string) (AuthState, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[state]
	if !ok {
		return AuthState{}, ErrNotFound
	}
	delete(m.entries, state)
	if st.Expired(now) {
		return AuthState{}, ErrExpired
	}
	return st, nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(now), nil
}

// Len reports the number of entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) purgeLocked(now time.Time) int {
	n := 0
	for k, st := range m.entries {
		if st.Expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

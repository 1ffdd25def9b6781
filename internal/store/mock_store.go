// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	links  map[string]*Link // keyed by conversation ID
	nextID int64
	now    func() time.Time
	closed bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		links: make(map[string]*Link),
		now:   time.Now,
	}
}

// SetClock replaces the time source used for created and touched links.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Find retrieves a link by conversation ID.
func (m *MockStore) Find(ctx context.Context, conversationID string) (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.links[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *l
	return &result, nil
}

// Create stores a new link unless one exists for the conversation.
func (m *MockStore) Create(ctx context.Context, conversationID, threadID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.links[conversationID]; exists {
		return nil, ErrConflict
	}

	m.nextID++
	l := &Link{
		ID:             m.nextID,
		ConversationID: conversationID,
		ThreadID:       threadID,
		LastUsed:       m.now().UTC(),
	}
	m.links[conversationID] = l

	result := *l
	return &result, nil
}

// Touch advances last_used without moving it backwards.
func (m *MockStore) Touch(ctx context.Context, conversationID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if now := m.now().UTC(); now.After(l.LastUsed) {
		l.LastUsed = now
	}

	result := *l
	return &result, nil
}

// Delete removes a link by conversation ID.
func (m *MockStore) Delete(ctx context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.links[conversationID]; !ok {
		return false, nil
	}
	delete(m.links, conversationID)
	return true, nil
}

// DeleteInactive removes every link last used before the cutoff, oldest first.
func (m *MockStore) DeleteInactive(ctx context.Context, before time.Time) ([]*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*Link
	for id, l := range m.links {
		if l.LastUsed.Before(before) {
			removed = append(removed, l)
			delete(m.links, id)
		}
	}

	sort.Slice(removed, func(i, j int) bool {
		return removed[i].LastUsed.Before(removed[j].LastUsed)
	})
	return removed, nil
}

// Ping always succeeds while the store is open.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("mock store closed")
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored links.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

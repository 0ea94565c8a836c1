// ABOUTME: Mock store implementation for testing
// ABOUTME: In-memory MessageLog and UserStore with injectable append failures

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory MessageLog and UserStore for testing.
type MockStore struct {
	mu        sync.RWMutex
	messages  map[ConversationKey][]Message // keyed by conversation
	users     map[string]*User              // keyed by lowercased username
	appendErr error
	readErr   error
	appends   int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[ConversationKey][]Message),
		users:    make(map[string]*User),
	}
}

// FailAppends makes every subsequent Append return err. Pass nil to recover.
func (m *MockStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// FailReads makes every subsequent ReadAll, ReadSince and Ping return err.
func (m *MockStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// AppendCalls reports how many Append calls reached the store, failed or not.
func (m *MockStore) AppendCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appends
}

// Append stores a message in memory.
func (m *MockStore) Append(ctx context.Context, key ConversationKey, sender, body string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appends++
	if m.appendErr != nil {
		return Message{}, m.appendErr
	}

	msg := Message{
		Seq:       int64(len(m.messages[key]) + 1),
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	m.messages[key] = append(m.messages[key], msg)
	return msg, nil
}

// ReadAll returns a copy of the stored messages for key.
func (m *MockStore) ReadAll(ctx context.Context, key ConversationKey) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]Message, len(m.messages[key]))
	copy(out, m.messages[key])
	return out, nil
}

// ReadSince returns stored messages with Seq greater than afterSeq.
func (m *MockStore) ReadSince(ctx context.Context, key ConversationKey, afterSeq int64) ([]Message, error) {
	msgs, err := m.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return filterSince(msgs, afterSeq), nil
}

// CreateUser stores a user, rejecting case-insensitive duplicates.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := strings.ToLower(user.Username)
	if _, ok := m.users[k]; ok {
		return ErrDuplicate
	}
	u := *user
	m.users[k] = &u
	return nil
}

// GetUser returns a copy of the named user.
func (m *MockStore) GetUser(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[strings.ToLower(username)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// SearchUsers mirrors SQLiteStore.SearchUsers.
func (m *MockStore) SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []*User
	for k, u := range m.users {
		if k == strings.ToLower(exclude) || !strings.Contains(k, q) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping reports the injected read failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ MessageLog = (*MockStore)(nil)
	_ UserStore  = (*MockStore)(nil)
	_ Pinger     = (*MockStore)(nil)
)

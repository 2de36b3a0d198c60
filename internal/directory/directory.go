// Package directory is the gateway's view of the hub's user records.
// The persistence layer behind it is an external collaborator; the
// gateway only ever reads.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports an unknown user id.
var ErrNotFound = errors.New("directory: user not found")

// User is the subset of a hub user record the gateway needs to
// authorize and identify a request.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// Directory resolves users by their internal identifier.
type Directory interface {
	FindByID(ctx context.Context, id string) (*User, error)
}

// Memory is an in-memory directory used by tests and single-process
// deployments seeded at boot.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{users: make(map[string]User)}
}

// Put stores or replaces a user record.
func (m *Memory) Put(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// FindByID resolves a user by id.
func (m *Memory) FindByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := u
	return &out, nil
}

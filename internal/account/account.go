// Package account defines the user account handle the session layer binds
// sessions to, and the port through which accounts are resolved. Account
// business logic (credentials, activation, messaging) lives behind the
// application gateway and is out of scope here.
package account

import "sync"

// Account is the session layer's handle on a user account. Its mutex
// serializes session creation and teardown for the account, which is what
// makes the per-account session cap enforceable.
type Account struct {
	ID int32

	mu sync.Mutex
}

// Lock acquires the account's session mutation lock.
func (a *Account) Lock() { a.mu.Lock() }

// Unlock releases the account's session mutation lock.
func (a *Account) Unlock() { a.mu.Unlock() }

// Resolver resolves account IDs from a session checkpoint back to live
// account handles.
type Resolver interface {
	// AccountByID returns the account for id, or nil if no such account
	// exists.
	AccountByID(id int32) *Account
}

// Registry is a concurrency-safe in-memory Resolver. The production
// account store wraps its own persistence around this; tests use it
// directly.
type Registry struct {
	mu   sync.RWMutex
	byID map[int32]*Account
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int32]*Account)}
}

// AccountByID implements Resolver.
func (r *Registry) AccountByID(id int32) *Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Register adds or returns the account for id.
func (r *Registry) Register(id int32) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byID[id]; ok {
		return a
	}
	a := &Account{ID: id}
	r.byID[id] = a
	return a
}

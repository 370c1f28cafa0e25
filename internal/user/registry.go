// Package user implements the relay user registry and its persistence.
package user

import (
	"fmt"
	"sync"

	"firestige.xyz/vpnrelay/internal/core"
	"firestige.xyz/vpnrelay/internal/metrics"
)

// Registry holds the relay users. User ids always equal their position and
// names are unique. Every mutation is saved through the store before it is
// visible.
type Registry struct {
	mu    sync.RWMutex
	users []core.User
	store Store
}

// NewRegistry loads the users from store.
func NewRegistry(store Store) (*Registry, error) {
	users, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	// ids on disk are not trusted
	for i := range users {
		users[i].ID = uint32(i)
	}
	metrics.UsersRegistered.Set(float64(len(users)))
	return &Registry{users: users, store: store}, nil
}

// Create registers a user and returns it with its id.
func (r *Registry) Create(name, password string, vlan uint32) (core.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Name == name {
			return core.User{}, fmt.Errorf("user %q: %w", name, core.ErrDuplicateUser)
		}
	}

	u := core.User{ID: uint32(len(r.users)), Name: name, Password: password, VLANID: vlan}
	next := append(r.snapshot(), u)
	if err := r.commit(next); err != nil {
		return core.User{}, err
	}
	return u, nil
}

// Remove deletes the user with id and renumbers the rest in order.
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.users) {
		return fmt.Errorf("user %d: %w", id, core.ErrUserNotFound)
	}

	next := make([]core.User, 0, len(r.users)-1)
	for _, u := range r.users {
		if u.ID == id {
			continue
		}
		u.ID = uint32(len(next))
		next = append(next, u)
	}
	return r.commit(next)
}

// List returns a snapshot in id order.
func (r *Registry) List() []core.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

// Authenticate returns the user whose name and password both match exactly.
func (r *Registry) Authenticate(name, password string) (core.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Name == name && u.Password == password {
			return u, true
		}
	}
	return core.User{}, false
}

func (r *Registry) snapshot() []core.User {
	out := make([]core.User, len(r.users))
	copy(out, r.users)
	return out
}

// commit saves next and installs it. Callers hold the write lock.
func (r *Registry) commit(next []core.User) error {
	if err := r.store.Save(next); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	r.users = next
	metrics.UsersRegistered.Set(float64(len(next)))
	return nil
}

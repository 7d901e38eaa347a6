// Package session keeps per-user flow contexts and the set of team names
// that are being created right now.
package session

import (
	"context"
	"sync"
	"time"
)

// Store holds at most one context of type C per user.
type Store[C any] interface {
	// Get reports ok=false when the user has no context.
	Get(ctx context.Context, userID int64) (c C, ok bool, err error)
	Save(ctx context.Context, userID int64, c C) error
	Delete(ctx context.Context, userID int64) error
}

// Reservations is an atomic check-and-insert set of team names.
type Reservations interface {
	// Reserve claims name for owner. It returns false when someone else holds it.
	// Reserving a name the owner already holds refreshes it.
	Reserve(ctx context.Context, name string, owner int64) (bool, error)
	// Release frees name if owner holds it; other holders are left untouched.
	Release(ctx context.Context, name string, owner int64) error
}

type Memory[C any] struct {
	mu   sync.Mutex
	data map[int64]C
}

func NewMemory[C any]() *Memory[C] {
	return &Memory[C]{data: map[int64]C{}}
}

func (m *Memory[C]) Get(_ context.Context, userID int64) (C, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data[userID]
	return c, ok, nil
}

func (m *Memory[C]) Save(_ context.Context, userID int64, c C) error {
	m.mu.Lock()
	m.data[userID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory[C]) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.data, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory[C]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type reservation struct {
	owner int64
	at    time.Time
}

// MemoryReservations expires claims after ttl so an abandoned registration
// cannot hold a name forever. ttl <= 0 disables expiry.
type MemoryReservations struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	names map[string]reservation
}

func NewMemoryReservations(ttl time.Duration) *MemoryReservations {
	return &MemoryReservations{ttl: ttl, now: time.Now, names: map[string]reservation{}}
}

func (r *MemoryReservations) Reserve(_ context.Context, name string, owner int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if cur, ok := r.names[name]; ok && cur.owner != owner && !r.expired(cur, now) {
		return false, nil
	}
	r.names[name] = reservation{owner: owner, at: now}
	return true, nil
}

func (r *MemoryReservations) Release(_ context.Context, name string, owner int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.names[name]; ok && cur.owner == owner {
		delete(r.names, name)
	}
	return nil
}

// Held reports whether name is claimed by anyone.
func (r *MemoryReservations) Held(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.names[name]
	return ok && !r.expired(cur, r.now())
}

func (r *MemoryReservations) expired(cur reservation, now time.Time) bool {
	return r.ttl > 0 && now.Sub(cur.at) > r.ttl
}

var (
	_ Store[struct{}] = (*Memory[struct{}])(nil)
	_ Reservations    = (*MemoryReservations)(nil)
)

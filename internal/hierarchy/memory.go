package hierarchy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
// Atomic holds the write lock for the whole block and restores a snapshot
// when the block fails.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(id)
}

func (m *MemoryStore) FindByLoginKey(_ context.Context, key string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findBy(func(u User) bool { return strings.EqualFold(u.LoginKey, key) })
}

func (m *MemoryStore) FindByExternalID(_ context.Context, externalID string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findBy(func(u User) bool { return externalID != "" && u.ExternalID == externalID })
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findBy(func(u User) bool { return email != "" && strings.EqualFold(u.Email, email) })
}

func (m *MemoryStore) ListSubtree(_ context.Context, path string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSubtree(path), nil
}

func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listChildren(parentID), nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(q), nil
}

func (m *MemoryStore) Insert(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(u)
}

func (m *MemoryStore) Save(_ context.Context, u User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(u)
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delete(id)
}

func (m *MemoryStore) MarkLogin(_ context.Context, id, externalID string, at time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLogin(id, externalID, at)
}

// Atomic runs fn with exclusive access; any error rolls the store back.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]User, len(m.users))
	for k, v := range m.users {
		snapshot[k] = v
	}
	if err := fn(ctx, memTx{m}); err != nil {
		m.users = snapshot
		return err
	}
	return nil
}

// memTx forwards to the unlocked helpers; the caller holds m.mu.
type memTx struct{ m *MemoryStore }

func (t memTx) Get(_ context.Context, id string) (User, error) { return t.m.get(id) }

func (t memTx) FindByLoginKey(_ context.Context, key string) (User, error) {
	return t.m.findBy(func(u User) bool { return strings.EqualFold(u.LoginKey, key) })
}

func (t memTx) FindByExternalID(_ context.Context, externalID string) (User, error) {
	return t.m.findBy(func(u User) bool { return externalID != "" && u.ExternalID == externalID })
}

func (t memTx) FindByEmail(_ context.Context, email string) (User, error) {
	return t.m.findBy(func(u User) bool { return email != "" && strings.EqualFold(u.Email, email) })
}

func (t memTx) ListSubtree(_ context.Context, path string) ([]User, error) {
	return t.m.listSubtree(path), nil
}

func (t memTx) ListChildren(_ context.Context, parentID string) ([]User, error) {
	return t.m.listChildren(parentID), nil
}

func (t memTx) List(_ context.Context, q Query) ([]User, error) { return t.m.list(q), nil }

func (t memTx) Insert(_ context.Context, u User) (User, error) { return t.m.insert(u) }

func (t memTx) Save(_ context.Context, u User) (User, error) { return t.m.save(u) }

func (t memTx) Delete(_ context.Context, id string) error { return t.m.delete(id) }

func (t memTx) MarkLogin(_ context.Context, id, externalID string, at time.Time) (User, error) {
	return t.m.markLogin(id, externalID, at)
}

func (t memTx) RebaseSubtree(_ context.Context, oldPath, newPath string, levelDelta int) (int64, error) {
	var n int64
	now := t.m.now().UTC()
	for id, u := range t.m.users {
		if !IsDescendantOf(u.HierarchyPath, oldPath) {
			continue
		}
		u.HierarchyPath = RebasePath(u.HierarchyPath, oldPath, newPath)
		u.HierarchyLevel += levelDelta
		u.UpdatedAt = now
		t.m.users[id] = u
		n++
	}
	return n, nil
}

func (m *MemoryStore) get(id string) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return clone(u), nil
}

func (m *MemoryStore) findBy(match func(User) bool) (User, error) {
	for _, u := range m.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (m *MemoryStore) listSubtree(path string) []User {
	var out []User
	for _, u := range m.users {
		if IsDescendantOf(u.HierarchyPath, path) {
			out = append(out, clone(u))
		}
	}
	SortByLevel(out)
	return out
}

func (m *MemoryStore) listChildren(parentID string) []User {
	var out []User
	for _, u := range m.users {
		if parentID != "" && u.ParentID == parentID {
			out = append(out, clone(u))
		}
	}
	SortByRank(out)
	return out
}

func (m *MemoryStore) list(q Query) []User {
	var out []User
	for _, u := range m.users {
		if q.WithinPath != "" && !IsWithin(u.HierarchyPath, q.WithinPath) {
			continue
		}
		if !q.Match(u) {
			continue
		}
		out = append(out, clone(u))
	}
	SortByRank(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (m *MemoryStore) insert(u User) (User, error) {
	if u.ID == "" {
		return User{}, invalid("user id is required")
	}
	if _, exists := m.users[u.ID]; exists {
		return User{}, fmt.Errorf("%w: user %s already exists", ErrConflict, u.ID)
	}
	if err := m.checkUnique(u); err != nil {
		return User{}, err
	}
	now := m.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = clone(u)
	return clone(u), nil
}

func (m *MemoryStore) save(u User) (User, error) {
	cur, ok := m.users[u.ID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, u.ID)
	}
	u.ExternalID = cur.ExternalID
	u.LastLoginAt = cur.LastLoginAt
	u.CreatedAt = cur.CreatedAt
	if err := m.checkUnique(u); err != nil {
		return User{}, err
	}
	u.UpdatedAt = m.now().UTC()
	m.users[u.ID] = clone(u)
	return clone(u), nil
}

func (m *MemoryStore) delete(id string) error {
	if _, ok := m.users[id]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	for _, u := range m.users {
		if u.ParentID == id {
			return fmt.Errorf("%w: user %s still has direct reports", ErrConflict, id)
		}
	}
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) markLogin(id, externalID string, at time.Time) (User, error) {
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if externalID != "" && u.ExternalID == "" {
		u.ExternalID = externalID
		if err := m.checkUnique(u); err != nil {
			return User{}, err
		}
	}
	at = at.UTC()
	u.LastLoginAt = &at
	m.users[id] = u
	return clone(u), nil
}

// checkUnique mirrors the unique indexes of the users table.
func (m *MemoryStore) checkUnique(u User) error {
	for _, other := range m.users {
		if other.ID == u.ID {
			continue
		}
		switch {
		case strings.EqualFold(other.LoginKey, u.LoginKey):
			return fmt.Errorf("%w: login key %q is taken", ErrConflict, u.LoginKey)
		case u.ExternalID != "" && other.ExternalID == u.ExternalID:
			return fmt.Errorf("%w: external id is linked to another user", ErrConflict)
		case u.Email != "" && strings.EqualFold(other.Email, u.Email):
			return fmt.Errorf("%w: email %q is taken", ErrConflict, u.Email)
		}
	}
	return nil
}

func clone(u User) User {
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		u.LastLoginAt = &t
	}
	return u
}

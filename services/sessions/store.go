package sessions

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// Store persists session records.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// List returns the sessions of owner, or all sessions when owner is empty.
	List(ctx context.Context, owner string) ([]Session, error)
	UpdateConfig(ctx context.Context, id string, config map[string]any) error
	SetAlerted(ctx context.Context, id string, alerted bool) error
	// Delete succeeds when the record is already gone.
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	// CreateErr is returned by Create when set.
	CreateErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) List(_ context.Context, owner string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if owner == "" || s.Owner == owner {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateConfig(_ context.Context, id string, config map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Config = maps.Clone(config)
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) SetAlerted(_ context.Context, id string, alerted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Alerted = alerted
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

func clone(s Session) Session {
	s.Environment = maps.Clone(s.Environment)
	s.Config = maps.Clone(s.Config)
	return s
}

var _ Store = (*MemoryStore)(nil)

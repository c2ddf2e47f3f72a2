package game

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Store persists sessions and seed lineages. Implementations return
// ErrSessionNotFound and ErrLineageNotFound for missing rows and must hand out
// copies, never shared references.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// ActiveSessionForUser returns the user's ACTIVE session or ErrSessionNotFound.
	ActiveSessionForUser(ctx context.Context, userID string) (Session, error)
	// ListUserSessions returns sessions newest first.
	ListUserSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)

	SaveLineage(ctx context.Context, l Lineage) error
	GetLineage(ctx context.Context, id string) (Lineage, error)
	// CurrentLineage returns the user's newest unrevealed lineage.
	CurrentLineage(ctx context.Context, userID string) (Lineage, error)

	// SaveSettlement writes a settled session and its advanced lineage
	// atomically.
	SaveSettlement(ctx context.Context, s Session, l Lineage) error
}

// ErrStoreClosed is returned by MemoryStore after Close.
var ErrStoreClosed = errors.New("store closed")

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	lineages map[string]Lineage
	closed   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		lineages: make(map[string]Lineage),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ActiveSessionForUser(_ context.Context, userID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == StatusActive {
			return s.Clone(), nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (m *MemoryStore) ListUserSessions(_ context.Context, userID string, limit, offset int) ([]Session, error) {
	m.mu.RLock()
	var all []Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			all = append(all, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []Session{}, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveLineage(_ context.Context, l Lineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.lineages[l.ID] = l
	return nil
}

func (m *MemoryStore) GetLineage(_ context.Context, id string) (Lineage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lineages[id]
	if !ok {
		return Lineage{}, ErrLineageNotFound
	}
	return l, nil
}

func (m *MemoryStore) CurrentLineage(_ context.Context, userID string) (Lineage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		best  Lineage
		found bool
	)
	for _, l := range m.lineages {
		if l.UserID != userID || l.Revealed {
			continue
		}
		if !found || l.CreatedAt.After(best.CreatedAt) || (l.CreatedAt.Equal(best.CreatedAt) && l.ID > best.ID) {
			best, found = l, true
		}
	}
	if !found {
		return Lineage{}, ErrLineageNotFound
	}
	return best, nil
}

func (m *MemoryStore) SaveSettlement(_ context.Context, s Session, l Lineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.sessions[s.ID] = s.Clone()
	m.lineages[l.ID] = l
	return nil
}

// Close makes further writes fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

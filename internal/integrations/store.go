package integrations

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ConnectionStore persists one Connection per (user, provider).
//
// Implementations must keep UpdateTokens atomic per row; the Manager
// serializes refreshes per key on top of that.
type ConnectionStore interface {
	// Upsert inserts or replaces the (UserID, Provider) record. Access token,
	// expiry and metadata are overwritten; the refresh token and the provider
	// account id are only overwritten when non-empty. ConnectedAt is kept
	// from the first insert.
	Upsert(ctx context.Context, conn *Connection) error

	// FindByUser returns ErrConnectionNotFound when no record exists.
	FindByUser(ctx context.Context, userID string, provider Provider) (*Connection, error)

	// FindByProviderAccount returns ErrConnectionNotFound when no record exists.
	FindByProviderAccount(ctx context.Context, provider Provider, accountID string) (*Connection, error)

	// UpdateTokens stores a refreshed token set. An empty refreshToken keeps
	// the stored one. Returns ErrConnectionNotFound when no record exists.
	UpdateTokens(ctx context.Context, userID string, provider Provider, accessToken, refreshToken string, expiresAt time.Time) error

	// ListByUser returns every connection of a user ordered by provider.
	ListByUser(ctx context.Context, userID string) ([]*Connection, error)
}

type connectionKey struct {
	userID   string
	provider Provider
}

// MemoryStore is an in-process ConnectionStore. It backs tests and
// single-instance development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	connections map[connectionKey]*Connection
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connections: make(map[connectionKey]*Connection),
		now:         time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := connectionKey{userID: conn.UserID, provider: conn.Provider}
	stored := conn.Clone()
	stored.UpdatedAt = now

	if existing, ok := s.connections[key]; ok {
		stored.ConnectedAt = existing.ConnectedAt
		if stored.RefreshToken == "" {
			stored.RefreshToken = existing.RefreshToken
		}
		if stored.ProviderAccountID == "" {
			stored.ProviderAccountID = existing.ProviderAccountID
		}
	} else if stored.ConnectedAt.IsZero() {
		stored.ConnectedAt = now
	}

	s.connections[key] = stored
	return nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID string, provider Provider) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[connectionKey{userID: userID, provider: provider}]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn.Clone(), nil
}

func (s *MemoryStore) FindByProviderAccount(_ context.Context, provider Provider, accountID string) (*Connection, error) {
	if accountID == "" {
		return nil, ErrConnectionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, conn := range s.connections {
		if key.provider == provider && conn.ProviderAccountID == accountID {
			return conn.Clone(), nil
		}
	}
	return nil, ErrConnectionNotFound
}

func (s *MemoryStore) UpdateTokens(_ context.Context, userID string, provider Provider, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[connectionKey{userID: userID, provider: provider}]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.AccessToken = accessToken
	if refreshToken != "" {
		conn.RefreshToken = refreshToken
	}
	conn.ExpiresAt = expiresAt
	conn.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Connection
	for key, conn := range s.connections {
		if key.userID == userID {
			result = append(result, conn.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result, nil
}

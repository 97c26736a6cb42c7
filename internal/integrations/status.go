package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConnectionState summarizes whether a provider is usable for a user.
type ConnectionState string

const (
	StateConnected      ConnectionState = "connected"
	StateNotConnected   ConnectionState = "not_connected"
	StateReauthRequired ConnectionState = "reauth_required"
	StateUnreachable    ConnectionState = "unreachable"
	StateError          ConnectionState = "error"
)

// ConnectionStatus is one dashboard row.
type ConnectionStatus struct {
	*Integration
	Configured  bool            `json:"configured"`
	State       ConnectionState `json:"state"`
	AccountID   string          `json:"accountId,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt,omitzero"`
	ExpiresAt   time.Time       `json:"expiresAt,omitzero"`
}

// Statuses reports every catalog provider for the user. Linked providers are
// validated through GetValidToken in parallel, so stale tokens get refreshed
// and a single failing vendor only marks its own row.
func (m *Manager) Statuses(ctx context.Context, userID string) ([]ConnectionStatus, error) {
	conns, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	byProvider := make(map[Provider]*Connection, len(conns))
	for _, c := range conns {
		byProvider[c.Provider] = c
	}

	configured := make(map[Provider]bool)
	for _, p := range m.adapters.Providers() {
		configured[p] = true
	}

	statuses := make([]ConnectionStatus, len(AllProviders))
	var g errgroup.Group
	g.SetLimit(len(AllProviders))

	for i, p := range AllProviders {
		statuses[i] = ConnectionStatus{
			Integration: Catalog[p],
			Configured:  configured[p],
			State:       StateNotConnected,
		}
		conn, ok := byProvider[p]
		if !ok {
			continue
		}
		statuses[i].AccountID = conn.ProviderAccountID
		statuses[i].ConnectedAt = conn.ConnectedAt

		g.Go(func() error {
			cred, err := m.GetValidToken(ctx, userID, p)
			statuses[i].State = stateFor(err)
			if err == nil {
				statuses[i].ExpiresAt = cred.ExpiresAt
			} else if statuses[i].State == StateError {
				m.logger.Error("connection status check failed",
					zap.String("provider", string(p)), zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return statuses, nil
}

func stateFor(err error) ConnectionState {
	switch {
	case err == nil:
		return StateConnected
	case errors.Is(err, ErrNotConnected):
		return StateNotConnected
	case errors.Is(err, ErrProviderUnreachable):
		return StateUnreachable
	case errors.Is(err, ErrReauthRequired):
		return StateReauthRequired
	default:
		return StateError
	}
}

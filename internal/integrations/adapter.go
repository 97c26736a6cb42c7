package integrations

import (
	"context"
	"fmt"
)

// Adapter is the vendor-specific half of the OAuth lifecycle. The Manager and
// Flow are written once against it; internal/providers holds the six
// implementations.
type Adapter interface {
	// Provider names the vendor this adapter serves.
	Provider() Provider

	// AuthCodeURL builds the consent redirect. An empty state is omitted.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for the first token set.
	Exchange(ctx context.Context, code string) (*TokenResponse, error)

	// Refresh runs a refresh_token grant. The returned RefreshToken is empty
	// when the vendor did not issue a new one.
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)

	// ResolveMetadata derives the provider metadata to persist after the
	// first exchange (Jira cloud id, Zoho api domain, ...).
	ResolveMetadata(ctx context.Context, tok *TokenResponse) (Metadata, error)

	// FetchIdentity looks up the linked account. Used only while linking.
	FetchIdentity(ctx context.Context, tok *TokenResponse) (*Identity, error)

	// RotatesRefreshToken documents whether the vendor is expected to issue a
	// new refresh token on every refresh. The Manager persists whatever the
	// vendor returns regardless; this only feeds logs and metrics.
	RotatesRefreshToken() bool
}

// Adapters dispatches a Provider to its Adapter.
type Adapters struct {
	byProvider map[Provider]Adapter
}

// NewAdapters indexes adapters by their Provider. Later duplicates win.
func NewAdapters(adapters ...Adapter) *Adapters {
	a := &Adapters{byProvider: make(map[Provider]Adapter, len(adapters))}
	for _, adapter := range adapters {
		a.byProvider[adapter.Provider()] = adapter
	}
	return a
}

// Get returns the adapter for p or ErrProviderNotConfigured.
func (a *Adapters) Get(p Provider) (Adapter, error) {
	adapter, ok := a.byProvider[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, p)
	}
	return adapter, nil
}

// Providers lists configured providers in AllProviders order.
func (a *Adapters) Providers() []Provider {
	var result []Provider
	for _, p := range AllProviders {
		if _, ok := a.byProvider[p]; ok {
			result = append(result, p)
		}
	}
	return result
}

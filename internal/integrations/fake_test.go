package integrations

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fakeAdapter is a scriptable Adapter.
type fakeAdapter struct {
	provider Provider
	rotates  bool

	exchange func(ctx context.Context, code string) (*TokenResponse, error)
	refresh  func(ctx context.Context, refreshToken string) (*TokenResponse, error)

	metadata    Metadata
	metadataErr error
	identity    *Identity
	identityErr error

	refreshCalls atomic.Int32

	mu           sync.Mutex
	refreshedRTs []string
}

func newFakeAdapter(p Provider) *fakeAdapter {
	return &fakeAdapter{
		provider: p,
		exchange: func(context.Context, string) (*TokenResponse, error) {
			return &TokenResponse{AccessToken: "at-exchanged", RefreshToken: "rt-exchanged", TokenType: "Bearer", ExpiresIn: 3600}, nil
		},
		refresh: func(context.Context, string) (*TokenResponse, error) {
			return &TokenResponse{AccessToken: "at-refreshed", TokenType: "Bearer", ExpiresIn: 3600}, nil
		},
	}
}

func (f *fakeAdapter) Provider() Provider        { return f.provider }
func (f *fakeAdapter) RotatesRefreshToken() bool { return f.rotates }

func (f *fakeAdapter) AuthCodeURL(state string) string {
	return "https://vendor.test/authorize?provider=" + string(f.provider) + "&state=" + state
}

func (f *fakeAdapter) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	return f.exchange(ctx, code)
}

func (f *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	f.refreshedRTs = append(f.refreshedRTs, refreshToken)
	f.mu.Unlock()
	return f.refresh(ctx, refreshToken)
}

func (f *fakeAdapter) ResolveMetadata(context.Context, *TokenResponse) (Metadata, error) {
	return f.metadata, f.metadataErr
}

func (f *fakeAdapter) FetchIdentity(context.Context, *TokenResponse) (*Identity, error) {
	return f.identity, f.identityErr
}

// fakeStates encodes state as "provider|userID".
type fakeStates struct{}

func (fakeStates) Issue(userID, provider string) (string, error) {
	return provider + "|" + userID, nil
}

func (fakeStates) Verify(state, provider string) (string, error) {
	p, userID, ok := strings.Cut(state, "|")
	if !ok {
		return "", errors.New("malformed state")
	}
	if p != provider {
		return "", errors.New("state issued for another provider")
	}
	return userID, nil
}

// fixedClock returns a settable clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

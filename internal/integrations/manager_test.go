package integrations

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type managerFixture struct {
	store   *MemoryStore
	adapter *fakeAdapter
	clock   *fixedClock
	manager *Manager
}

func newManagerFixture(t *testing.T, opts ...ManagerOption) *managerFixture {
	t.Helper()
	clock := newFixedClock()
	store := NewMemoryStore()
	store.now = clock.Now
	adapter := newFakeAdapter(ProviderGoogle)
	opts = append([]ManagerOption{WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))}, opts...)
	return &managerFixture{
		store:   store,
		adapter: adapter,
		clock:   clock,
		manager: NewManager(store, NewAdapters(adapter), opts...),
	}
}

func (f *managerFixture) link(t *testing.T, access, refresh string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), &Connection{
		UserID:       "u1",
		Provider:     ProviderGoogle,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	}))
}

func TestGetValidTokenFresh(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(time.Hour))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)
	assert.Equal(t, ProviderGoogle, cred.Provider)
	assert.Zero(t, f.adapter.refreshCalls.Load())
}

func TestGetValidTokenNotConnected(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrReauthRequired)
}

func TestGetValidTokenNoExpiryIsNeverStale(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "at-forever", "", time.Time{})
	f.clock.Advance(365 * 24 * time.Hour)

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-forever", cred.AccessToken)
	assert.True(t, cred.ExpiresAt.IsZero())
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	f := newManagerFixture(t)
	// Expires in 4 minutes, inside the default 5 minute margin.
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(4*time.Minute))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", cred.AccessToken)
	assert.Equal(t, f.clock.Now().Add(time.Hour), cred.ExpiresAt)
	assert.Equal(t, []string{"rt-1"}, f.adapter.refreshedRTs)

	stored, err := f.store.FindByUser(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken, "refresh token kept when vendor omits it")
	assert.Equal(t, f.clock.Now().Add(time.Hour), stored.ExpiresAt)
}

func TestGetValidTokenExactlyAtMarginIsStale(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(DefaultRefreshMargin))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", cred.AccessToken)
}

func TestGetValidTokenCustomMargin(t *testing.T) {
	f := newManagerFixture(t, WithRefreshMargin(time.Minute))
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(2*time.Minute))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)
}

func TestGetValidTokenEmptyAccessTokenIsStale(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "", "rt-1", f.clock.Now().Add(time.Hour))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", cred.AccessToken)
}

func TestGetValidTokenPersistsRotatedRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.rotates = true
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 3600}, nil
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)

	stored, err := f.store.FindByUser(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "rt-2", stored.RefreshToken)

	// The next refresh must present the rotated token.
	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, []string{"rt-1", "rt-2"}, f.adapter.refreshedRTs)
}

func TestGetValidTokenKeepsTokenTypeWhenVendorOmitsIt(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "at-2", ExpiresIn: 60 * 60}, nil
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", cred.TokenType)
}

func TestGetValidTokenWithoutRefreshToken(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "at-1", "", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.NotErrorIs(t, err, ErrProviderUnreachable)
	assert.Zero(t, f.adapter.refreshCalls.Load())
}

func TestGetValidTokenRejectedRefreshLeavesStoreUnchanged(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		return nil, &ProviderError{Provider: ProviderGoogle, Op: "refresh", StatusCode: 400, Code: "invalid_grant"}
	}
	expires := f.clock.Now().Add(-time.Minute)
	f.link(t, "at-1", "rt-1", expires)

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.NotErrorIs(t, err, ErrProviderUnreachable)
	assert.False(t, IsUnreachable(err))

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "invalid_grant", perr.Code)

	stored, err := f.store.FindByUser(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	assert.Equal(t, expires, stored.ExpiresAt)
}

func TestGetValidTokenUnreachableVendor(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		return nil, &ProviderError{Provider: ProviderGoogle, Op: "refresh", StatusCode: 503, Unreachable: true}
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
	assert.True(t, IsUnreachable(err))
}

func TestGetValidTokenEmptyRefreshResponse(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		return &TokenResponse{}, nil
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, ErrReauthRequired)

	stored, err := f.store.FindByUser(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", stored.AccessToken)
}

func TestGetValidTokenProviderNotConfigured(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.store.Upsert(context.Background(), &Connection{
		UserID: "u1", Provider: ProviderZoho, AccessToken: "at", RefreshToken: "rt",
		ExpiresAt: f.clock.Now().Add(-time.Minute),
	}))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderZoho)
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}

func TestGetValidTokenSingleRefreshUnderConcurrency(t *testing.T) {
	f := newManagerFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.adapter.refresh = func(context.Context, string) (*TokenResponse, error) {
		close(entered)
		<-release
		return &TokenResponse{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 3600}, nil
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
			errs[i] = err
			if err == nil {
				tokens[i] = cred.AccessToken
			}
		}()
	}

	<-entered
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, f.adapter.refreshCalls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-2", tokens[i])
	}
}

func TestGetValidTokenCallerCancelDoesNotAbortRefresh(t *testing.T) {
	// The refresh logs after this test may have returned.
	f := newManagerFixture(t, WithLogger(zap.NewNop()))
	release := make(chan struct{})
	done := make(chan struct{})
	f.adapter.refresh = func(ctx context.Context, _ string) (*TokenResponse, error) {
		defer close(done)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &TokenResponse{AccessToken: "at-2", ExpiresIn: 3600}, nil
	}
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.GetValidToken(ctx, "u1", ProviderGoogle)
		errCh <- err
	}()

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrProviderUnreachable)

	close(release)
	<-done

	require.Eventually(t, func() bool {
		stored, err := f.store.FindByUser(context.Background(), "u1", ProviderGoogle)
		return err == nil && stored.AccessToken == "at-2"
	}, time.Second, 5*time.Millisecond)
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *recordingLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	return func() {}, nil
}

func TestGetValidTokenUsesLocker(t *testing.T) {
	locker := &recordingLocker{}
	f := newManagerFixture(t, WithLocker(locker))
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh:google:u1"}, locker.keys)
}

func TestGetValidTokenLockFailure(t *testing.T) {
	locker := &recordingLocker{err: errors.New("lock service down")}
	f := newManagerFixture(t, WithLocker(locker))
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorContains(t, err, "lock service down")
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Zero(t, f.adapter.refreshCalls.Load())
}

// blockingLocker never grants the lock.
type blockingLocker struct{}

func (blockingLocker) Lock(ctx context.Context, _ string) (func(), error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGetValidTokenLockWaitTimesOut(t *testing.T) {
	f := newManagerFixture(t, WithLocker(blockingLocker{}), WithRefreshTimeout(50*time.Millisecond))
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	_, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
	assert.Equal(t, StateUnreachable, stateFor(err))
	assert.Zero(t, f.adapter.refreshCalls.Load())
}

// staleOnceStore pretends another instance refreshed the row while this one
// waited for the lock.
type staleOnceStore struct {
	*MemoryStore
	mu      sync.Mutex
	reads   int
	onRead2 func()
}

func (s *staleOnceStore) FindByUser(ctx context.Context, userID string, provider Provider) (*Connection, error) {
	s.mu.Lock()
	s.reads++
	if s.reads == 2 && s.onRead2 != nil {
		s.onRead2()
	}
	s.mu.Unlock()
	return s.MemoryStore.FindByUser(ctx, userID, provider)
}

func TestGetValidTokenRechecksAfterLock(t *testing.T) {
	clock := newFixedClock()
	mem := NewMemoryStore()
	mem.now = clock.Now
	store := &staleOnceStore{MemoryStore: mem}
	adapter := newFakeAdapter(ProviderGoogle)
	manager := NewManager(store, NewAdapters(adapter), WithClock(clock.Now))

	require.NoError(t, mem.Upsert(context.Background(), &Connection{
		UserID: "u1", Provider: ProviderGoogle, AccessToken: "at-1", RefreshToken: "rt-1",
		ExpiresAt: clock.Now().Add(-time.Minute),
	}))
	store.onRead2 = func() {
		_ = mem.UpdateTokens(context.Background(), "u1", ProviderGoogle, "at-other", "", clock.Now().Add(time.Hour))
	}

	cred, err := manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-other", cred.AccessToken)
	assert.Zero(t, adapter.refreshCalls.Load())
}

func TestTokenSource(t *testing.T) {
	f := newManagerFixture(t)
	f.link(t, "at-1", "rt-1", f.clock.Now().Add(-time.Minute))

	tok, err := f.manager.TokenSource(context.Background(), "u1", ProviderGoogle).Token()
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	_, err = f.manager.TokenSource(context.Background(), "u2", ProviderGoogle).Token()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientSetsBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newManagerFixture(t)
	// The oauth2 client compares expiry against the wall clock.
	f.link(t, "at-1", "rt-1", time.Now().Add(time.Hour))
	f.clock.now = time.Now()

	client, cred, err := f.manager.Client(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer at-1", gotAuth)
}

func TestCredentialMetadataIsCopied(t *testing.T) {
	f := newManagerFixture(t)
	require.NoError(t, f.store.Upsert(context.Background(), &Connection{
		UserID: "u1", Provider: ProviderGoogle, AccessToken: "at",
		ExpiresAt: f.clock.Now().Add(time.Hour),
		Metadata:  GenericMetadata{"k": "v"},
	}))

	cred, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	cred.Metadata.(GenericMetadata)["k"] = "changed"

	again, err := f.manager.GetValidToken(context.Background(), "u1", ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, GenericMetadata{"k": "v"}, again.Metadata)
}

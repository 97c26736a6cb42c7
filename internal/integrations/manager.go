package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a token is treated as stale,
// so it cannot expire while the caller's vendor request is in flight.
const DefaultRefreshMargin = 5 * time.Minute

const defaultRefreshTimeout = 30 * time.Second

// Manager hands out valid bearer credentials per (user, provider), refreshing
// stale tokens at most once at a time per key.
type Manager struct {
	store    ConnectionStore
	adapters *Adapters
	locker   Locker
	logger   *zap.Logger
	metrics  *Metrics

	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	flights singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLocker adds cross-process refresh serialization.
func WithLocker(l Locker) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithRefreshMargin overrides DefaultRefreshMargin.
func WithRefreshMargin(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.margin = d
		}
	}
}

// WithRefreshTimeout bounds one refresh including lock wait and persistence.
func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a Manager over store and adapters.
func NewManager(store ConnectionStore, adapters *Adapters, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		adapters:       adapters,
		locker:         noopLocker{},
		logger:         zap.NewNop(),
		margin:         DefaultRefreshMargin,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// GetValidToken returns a credential that stays valid for at least the
// refresh margin. It fails with ErrNotConnected when the user never linked
// the provider and with ErrReauthRequired when the token is stale and cannot
// be refreshed. A refresh that failed because the vendor was unreachable also
// matches ErrProviderUnreachable.
func (m *Manager) GetValidToken(ctx context.Context, userID string, provider Provider) (*Credential, error) {
	conn, err := m.load(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if !m.stale(conn) {
		m.metrics.TokenRequests.WithLabelValues(string(provider), "fresh").Inc()
		return credentialFrom(conn), nil
	}

	key := refreshLockKey(userID, provider)
	// The refresh outlives any single caller: waiters share its result.
	ch := m.flights.DoChan(key, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), userID, provider)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w: waiting for %s refresh: %w",
			ErrReauthRequired, ErrProviderUnreachable, provider, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cred := *res.Val.(*Credential)
		cred.Metadata = cloneMetadata(cred.Metadata)
		return &cred, nil
	}
}

// TokenSource adapts GetValidToken to oauth2.TokenSource for vendor SDKs.
func (m *Manager) TokenSource(ctx context.Context, userID string, provider Provider) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, &managerTokenSource{
		ctx:      ctx,
		manager:  m,
		userID:   userID,
		provider: provider,
	}, m.margin)
}

// Client returns an HTTP client that authenticates as the user against the
// provider, plus the credential it started with for addressing the vendor
// API (Jira cloud id, Zoho api domain).
func (m *Manager) Client(ctx context.Context, userID string, provider Provider) (*http.Client, *Credential, error) {
	cred, err := m.GetValidToken(ctx, userID, provider)
	if err != nil {
		return nil, nil, err
	}
	src := oauth2.ReuseTokenSourceWithExpiry(cred.oauth2Token(), &managerTokenSource{
		ctx:      ctx,
		manager:  m,
		userID:   userID,
		provider: provider,
	}, m.margin)
	return oauth2.NewClient(ctx, src), cred, nil
}

func (m *Manager) load(ctx context.Context, userID string, provider Provider) (*Connection, error) {
	conn, err := m.store.FindByUser(ctx, userID, provider)
	if errors.Is(err, ErrConnectionNotFound) {
		m.metrics.TokenRequests.WithLabelValues(string(provider), "not_connected").Inc()
		m.logger.Debug("provider not connected",
			zap.String("provider", string(provider)), zap.String("user_id", userID))
		return nil, fmt.Errorf("%w: %s for user %s", ErrNotConnected, provider, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s connection: %w", provider, err)
	}
	return conn, nil
}

func (m *Manager) stale(conn *Connection) bool {
	if conn.AccessToken == "" {
		return true
	}
	if conn.ExpiresAt.IsZero() {
		return false
	}
	return !m.now().Before(conn.ExpiresAt.Add(-m.margin))
}

func (m *Manager) refresh(ctx context.Context, userID string, provider Provider) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	log := m.logger.With(zap.String("provider", string(provider)), zap.String("user_id", userID))
	started := time.Now()
	defer func() {
		m.metrics.RefreshDuration.WithLabelValues(string(provider)).Observe(time.Since(started).Seconds())
	}()

	unlock, err := m.locker.Lock(ctx, refreshLockKey(userID, provider))
	if err != nil {
		m.metrics.Refreshes.WithLabelValues(string(provider), outcomeUnreachable).Inc()
		m.metrics.TokenRequests.WithLabelValues(string(provider), "reauth_required").Inc()
		log.Warn("acquiring refresh lock failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w: acquire %s refresh lock: %w",
			ErrReauthRequired, ErrProviderUnreachable, provider, err)
	}
	defer unlock()

	// Another instance may have refreshed while we waited for the lock.
	conn, err := m.load(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if !m.stale(conn) {
		m.metrics.TokenRequests.WithLabelValues(string(provider), "fresh").Inc()
		return credentialFrom(conn), nil
	}

	if conn.RefreshToken == "" {
		m.metrics.Refreshes.WithLabelValues(string(provider), outcomeNoRefresh).Inc()
		m.metrics.TokenRequests.WithLabelValues(string(provider), "reauth_required").Inc()
		log.Info("token expired without refresh token")
		return nil, fmt.Errorf("%w: %s token expired and no refresh token is stored", ErrReauthRequired, provider)
	}

	adapter, err := m.adapters.Get(provider)
	if err != nil {
		return nil, err
	}

	tok, err := adapter.Refresh(ctx, conn.RefreshToken)
	if err == nil && tok.AccessToken == "" {
		err = &ProviderError{Provider: provider, Op: "refresh", Err: errors.New("response missing access_token")}
	}
	if err != nil {
		outcome := outcomeRejected
		if IsUnreachable(err) || ctx.Err() != nil {
			outcome = outcomeUnreachable
			err = fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
		}
		m.metrics.Refreshes.WithLabelValues(string(provider), outcome).Inc()
		m.metrics.TokenRequests.WithLabelValues(string(provider), "reauth_required").Inc()
		log.Warn("token refresh failed", zap.String("outcome", outcome), zap.Error(err))
		return nil, fmt.Errorf("%w: %s refresh failed: %w", ErrReauthRequired, provider, err)
	}

	expiresAt := tok.ExpiresAt(m.now())
	newRefresh := tok.RefreshToken
	if newRefresh == conn.RefreshToken {
		newRefresh = ""
	}
	if adapter.RotatesRefreshToken() && newRefresh == "" {
		log.Debug("rotating provider returned no new refresh token, keeping the stored one")
	}

	if err := m.store.UpdateTokens(ctx, userID, provider, tok.AccessToken, newRefresh, expiresAt); err != nil {
		m.metrics.Refreshes.WithLabelValues(string(provider), outcomeStoreError).Inc()
		log.Error("persist refreshed token", zap.Error(err))
		return nil, fmt.Errorf("persist refreshed %s token: %w", provider, err)
	}

	m.metrics.Refreshes.WithLabelValues(string(provider), outcomeSuccess).Inc()
	m.metrics.TokenRequests.WithLabelValues(string(provider), "refreshed").Inc()
	log.Debug("token refreshed",
		zap.Time("expires_at", expiresAt), zap.Bool("refresh_token_rotated", newRefresh != ""))

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = conn.TokenType
	}
	return &Credential{
		Provider:    provider,
		AccessToken: tok.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   expiresAt,
		Metadata:    conn.Metadata,
	}, nil
}

func credentialFrom(conn *Connection) *Credential {
	return &Credential{
		Provider:    conn.Provider,
		AccessToken: conn.AccessToken,
		TokenType:   conn.TokenType,
		ExpiresAt:   conn.ExpiresAt,
		Metadata:    cloneMetadata(conn.Metadata),
	}
}

func (c *Credential) oauth2Token() *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: c.AccessToken,
		TokenType:   tokenType,
		Expiry:      c.ExpiresAt,
	}
}

type managerTokenSource struct {
	ctx      context.Context
	manager  *Manager
	userID   string
	provider Provider
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.manager.GetValidToken(s.ctx, s.userID, s.provider)
	if err != nil {
		return nil, err
	}
	return cred.oauth2Token(), nil
}

package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StateCodec issues and verifies the OAuth state parameter. The state binds
// the callback to the provider it was issued for and, when known, carries the
// user id.
type StateCodec interface {
	Issue(userID, provider string) (string, error)
	Verify(state, provider string) (userID string, err error)
}

// CallbackResult describes a completed link.
type CallbackResult struct {
	UserID    string
	Provider  Provider
	AccountID string
	Identity  *Identity
}

// Flow runs the authorization code flow for every provider.
type Flow struct {
	store    ConnectionStore
	adapters *Adapters
	states   StateCodec
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

func WithFlowLogger(l *zap.Logger) FlowOption {
	return func(f *Flow) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithFlowMetrics(m *Metrics) FlowOption {
	return func(f *Flow) {
		if m != nil {
			f.metrics = m
		}
	}
}

func WithFlowClock(now func() time.Time) FlowOption {
	return func(f *Flow) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFlow creates a Flow.
func NewFlow(store ConnectionStore, adapters *Adapters, states StateCodec, opts ...FlowOption) *Flow {
	f := &Flow{
		store:    store,
		adapters: adapters,
		states:   states,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = NewMetrics(nil)
	}
	return f
}

// Initiate returns the vendor consent URL. userID may be empty for
// login-via-provider, in which case the callback resolves the user from the
// provider identity.
func (f *Flow) Initiate(_ context.Context, provider Provider, userID string) (string, error) {
	adapter, err := f.adapters.Get(provider)
	if err != nil {
		return "", err
	}
	state, err := f.states.Issue(userID, string(provider))
	if err != nil {
		return "", fmt.Errorf("issue %s state: %w", provider, err)
	}
	return adapter.AuthCodeURL(state), nil
}

// CompleteCallback exchanges the code, resolves metadata and identity and
// stores the connection. Re-running it for a linked user overwrites the
// existing record.
func (f *Flow) CompleteCallback(ctx context.Context, provider Provider, code, state string) (*CallbackResult, error) {
	adapter, err := f.adapters.Get(provider)
	if err != nil {
		return nil, err
	}

	userID, err := f.states.Verify(state, string(provider))
	if err != nil {
		f.count(provider, outcomeInvalid)
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}

	log := f.logger.With(zap.String("provider", string(provider)), zap.String("user_id", userID))

	if code == "" {
		f.count(provider, outcomeRejected)
		return nil, fmt.Errorf("%w: %s: missing authorization code", ErrAuthExchangeFailed, provider)
	}

	tok, err := adapter.Exchange(ctx, code)
	if err == nil && tok.AccessToken == "" {
		err = &ProviderError{Provider: provider, Op: "exchange", Err: errors.New("response missing access_token")}
	}
	if err != nil {
		f.count(provider, exchangeOutcome(err))
		log.Warn("authorization code exchange failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrAuthExchangeFailed, provider, err)
	}

	metadata, err := adapter.ResolveMetadata(ctx, tok)
	if err != nil {
		f.count(provider, exchangeOutcome(err))
		log.Warn("resolving provider metadata failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s metadata: %w", ErrAuthExchangeFailed, provider, err)
	}

	identity, err := adapter.FetchIdentity(ctx, tok)
	if err != nil {
		log.Warn("identity lookup failed, linking without account id", zap.Error(err))
		identity = nil
	}

	userID, err = f.resolveUser(ctx, provider, userID, identity)
	if err != nil {
		return nil, err
	}
	log = f.logger.With(zap.String("provider", string(provider)), zap.String("user_id", userID))

	conn := &Connection{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       tok.Scopes,
		ExpiresAt:    tok.ExpiresAt(f.now()),
		Metadata:     metadata,
	}
	if identity != nil {
		conn.ProviderAccountID = identity.ID
	}

	if err := f.store.Upsert(ctx, conn); err != nil {
		f.count(provider, outcomeStoreError)
		log.Error("storing connection failed", zap.Error(err))
		return nil, fmt.Errorf("store %s connection: %w", provider, err)
	}

	f.count(provider, outcomeSuccess)
	log.Info("provider linked",
		zap.String("account_id", conn.ProviderAccountID),
		zap.Bool("has_refresh_token", tok.RefreshToken != ""))

	return &CallbackResult{
		UserID:    userID,
		Provider:  provider,
		AccountID: conn.ProviderAccountID,
		Identity:  identity,
	}, nil
}

// resolveUser applies the account-ownership rules: a provider account belongs
// to at most one user, and a state without a user id can only log in to an
// account that is already linked.
func (f *Flow) resolveUser(ctx context.Context, provider Provider, userID string, identity *Identity) (string, error) {
	if identity == nil || identity.ID == "" {
		if userID == "" {
			f.count(provider, outcomeNotLinked)
			return "", fmt.Errorf("%w: %s identity unavailable", ErrAccountNotLinked, provider)
		}
		return userID, nil
	}

	existing, err := f.store.FindByProviderAccount(ctx, provider, identity.ID)
	switch {
	case errors.Is(err, ErrConnectionNotFound):
		if userID == "" {
			f.count(provider, outcomeNotLinked)
			return "", fmt.Errorf("%w: %s account %s", ErrAccountNotLinked, provider, identity.ID)
		}
		return userID, nil
	case err != nil:
		return "", fmt.Errorf("look up %s account: %w", provider, err)
	case userID == "":
		return existing.UserID, nil
	case existing.UserID != userID:
		f.count(provider, outcomeLinked)
		return "", fmt.Errorf("%w: %s account %s", ErrAccountLinkedElsewhere, provider, identity.ID)
	default:
		return userID, nil
	}
}

func (f *Flow) count(provider Provider, outcome string) {
	f.metrics.Callbacks.WithLabelValues(string(provider), outcome).Inc()
}

func exchangeOutcome(err error) string {
	if IsUnreachable(err) {
		return outcomeUnreachable
	}
	return outcomeRejected
}

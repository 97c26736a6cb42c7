// Package auth signs and verifies the OAuth state parameter.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const stateIssuer = "connecthub"

// DefaultStateTTL bounds how long a user may sit on a vendor consent page.
const DefaultStateTTL = 10 * time.Minute

var (
	ErrStateExpired          = errors.New("state expired")
	ErrStateProviderMismatch = errors.New("state issued for another provider")
	ErrStateMalformed        = errors.New("malformed state")
)

// StateClaims are the claims carried by a state token.
type StateClaims struct {
	UserID   string `json:"uid,omitempty"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

// StateManager issues HS256-signed state tokens.
type StateManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateManager creates a StateManager. A non-positive ttl falls back to
// DefaultStateTTL.
func NewStateManager(secret string, ttl time.Duration) *StateManager {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns a signed state for provider. userID may be empty.
func (sm *StateManager) Issue(userID, provider string) (string, error) {
	if provider == "" {
		return "", errors.New("provider is required")
	}
	now := sm.now()

	claims := StateClaims{
		UserID:   userID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(sm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    stateIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(sm.secret)
}

// Verify checks the signature, expiry and provider binding and returns the
// user id the state was issued for.
func (sm *StateManager) Verify(state, provider string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("%w: empty", ErrStateMalformed)
	}

	token, err := jwt.ParseWithClaims(state, &StateClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return sm.secret, nil
	},
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(sm.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrStateExpired
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStateMalformed, err)
	}

	claims, ok := token.Claims.(*StateClaims)
	if !ok || !token.Valid {
		return "", ErrStateMalformed
	}
	if claims.Provider != provider {
		return "", ErrStateProviderMismatch
	}
	return claims.UserID, nil
}

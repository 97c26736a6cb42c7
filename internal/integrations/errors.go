package integrations

import (
	"errors"
	"fmt"
)

// Outcomes surfaced to callers. Every failure returned by Manager and Flow
// matches at least one of these with errors.Is.
var (
	// ErrNotConnected means the user never linked the provider.
	ErrNotConnected = errors.New("provider not connected")

	// ErrReauthRequired means the stored grant can no longer produce a valid
	// access token and the user must consent again.
	ErrReauthRequired = errors.New("reauthorization required")

	// ErrAuthExchangeFailed means the one-time authorization code could not be
	// exchanged during linking.
	ErrAuthExchangeFailed = errors.New("authorization code exchange failed")

	// ErrProviderUnreachable means the vendor could not be reached or answered
	// with a server error. The stored credential may still be valid.
	ErrProviderUnreachable = errors.New("provider unreachable")

	ErrUnsupportedProvider   = errors.New("unsupported provider")
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrConnectionNotFound is returned by ConnectionStore lookups.
	ErrConnectionNotFound = errors.New("connection not found")

	ErrInvalidState           = errors.New("invalid oauth state")
	ErrAccountLinkedElsewhere = errors.New("provider account already linked to another user")
	ErrAccountNotLinked       = errors.New("provider account not linked to any user")
)

// ProviderError describes a failed call to a vendor endpoint.
type ProviderError struct {
	Provider    Provider
	Op          string // exchange, refresh, identity, metadata
	StatusCode  int    // zero when no HTTP response was received
	Code        string // vendor error code such as invalid_grant
	Description string
	Unreachable bool
	Err         error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
		if e.Description != "" {
			msg += " (" + e.Description + ")"
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProviderUnreachable) see through a ProviderError.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnreachable && e.Unreachable
}

// IsUnreachable reports whether err stems from a network failure, a timeout
// or a vendor server error rather than a rejected credential. Dashboard
// widgets use it to degrade to an empty result instead of failing the page.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrProviderUnreachable)
}

// Package integrations manages the OAuth token lifecycle for every third-party
// tool a user links to their dashboard.
//
// Architecture:
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                 Handlers (GET /auth/{provider}...)                │
//	└──────────────┬─────────────────────────────────────┬──────────────┘
//	               │ Initiate / CompleteCallback          │ Statuses
//	               ▼                                      ▼
//	┌──────────────────────────┐          ┌──────────────────────────────┐
//	│          Flow            │          │           Manager            │
//	│ consent URL, code swap,  │          │ GetValidToken, TokenSource,  │
//	│ identity, metadata       │          │ Client (refresh collapsing)  │
//	└──────┬────────────┬──────┘          └──────┬───────────────┬───────┘
//	       │            │                        │               │
//	       ▼            ▼                        ▼               ▼
//	┌────────────┐ ┌──────────────────────────────────┐ ┌─────────────────┐
//	│  Adapters  │ │ Google Slack Asana Jira Miro Zoho│ │ ConnectionStore │
//	│ (dispatch) │─▶        (internal/providers)      │ │ memory/sqlite/pg│
//	└────────────┘ └──────────────────────────────────┘ └─────────────────┘
//
// Business code asks the Manager for a credential; it never reads tokens from
// the store directly.
package integrations

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies a linked vendor.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderSlack  Provider = "slack"
	ProviderAsana  Provider = "asana"
	ProviderJira   Provider = "jira"
	ProviderMiro   Provider = "miro"
	ProviderZoho   Provider = "zoho"
)

// AllProviders lists every supported vendor in display order.
var AllProviders = []Provider{
	ProviderGoogle,
	ProviderSlack,
	ProviderAsana,
	ProviderJira,
	ProviderMiro,
	ProviderZoho,
}

// ParseProvider validates a provider name taken from a URL or config.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviders {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

func (p Provider) String() string { return string(p) }

// Connection is the single stored link between a user and a provider.
type Connection struct {
	UserID            string
	Provider          Provider
	ProviderAccountID string // empty until the identity lookup succeeds

	AccessToken  string
	RefreshToken string // empty when the vendor issued none
	TokenType    string
	Scopes       []string
	ExpiresAt    time.Time // zero means the vendor reported no expiry

	Metadata Metadata

	ConnectedAt time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	if c.Scopes != nil {
		out.Scopes = append([]string(nil), c.Scopes...)
	}
	out.Metadata = cloneMetadata(c.Metadata)
	return &out
}

// Credential is what downstream integration code receives: a bearer token
// that is valid for at least the staleness margin, plus the provider metadata
// needed to address the vendor API.
type Credential struct {
	Provider    Provider
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Metadata    Metadata
}

// TokenResponse is a vendor token endpoint reply, normalized across vendors.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string // empty when the vendor omitted it
	TokenType    string
	ExpiresIn    int64 // seconds; zero when the vendor sent none
	Scopes       []string

	// Extra holds vendor-specific top-level fields (Zoho api_domain, Slack team, ...).
	Extra map[string]any
}

// ExtraString returns a string-valued extra field or "".
func (t *TokenResponse) ExtraString(key string) string {
	if t == nil || t.Extra == nil {
		return ""
	}
	if v, ok := t.Extra[key].(string); ok {
		return v
	}
	return ""
}

// ExpiresAt converts ExpiresIn into an absolute time relative to now.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t == nil || t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Identity is the vendor's view of the linked account.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Package providers implements integrations.Adapter for each supported vendor.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

const maxResponseBody = 1 << 20

// Config is the registered OAuth application for one vendor.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Scopes overrides the vendor default scope list.
	Scopes []string

	// AuthURL, TokenURL and APIURL override the vendor endpoints. Tests
	// point them at httptest servers.
	AuthURL  string
	TokenURL string
	APIURL   string
}

// Configured reports whether the app credentials are present.
func (c Config) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func (c Config) scopes(defaults []string) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return defaults
}

func (c Config) endpoint(def oauth2.Endpoint) oauth2.Endpoint {
	ep := def
	if c.AuthURL != "" {
		ep.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

func (c Config) apiURL(def string) string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	return def
}

// oauthAdapter covers vendors that speak standard RFC 6749 token responses.
// Vendor types embed it and add metadata and identity lookups.
type oauthAdapter struct {
	provider   integrations.Provider
	conf       *oauth2.Config
	client     *http.Client
	authOpts   []oauth2.AuthCodeOption
	extraKeys  []string
	authScheme string
	rotates    bool
}

func newOAuthAdapter(p integrations.Provider, cfg Config, ep oauth2.Endpoint, scopes []string, client *http.Client) *oauthAdapter {
	if client == nil {
		client = NewHTTPClient(DefaultTransportConfig(), nil, nil)
	}
	return &oauthAdapter{
		provider: p,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.scopes(scopes),
			Endpoint:     cfg.endpoint(ep),
		},
		client:     client,
		authScheme: "Bearer",
	}
}

func (a *oauthAdapter) Provider() integrations.Provider { return a.provider }

func (a *oauthAdapter) RotatesRefreshToken() bool { return a.rotates }

func (a *oauthAdapter) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state, a.authOpts...)
}

func (a *oauthAdapter) Exchange(ctx context.Context, code string) (*integrations.TokenResponse, error) {
	tok, err := a.conf.Exchange(withClient(ctx, a.client), code)
	if err != nil {
		return nil, classify(a.provider, "exchange", err)
	}
	return a.response(tok), nil
}

func (a *oauthAdapter) Refresh(ctx context.Context, refreshToken string) (*integrations.TokenResponse, error) {
	src := a.conf.TokenSource(withClient(ctx, a.client), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(a.provider, "refresh", err)
	}
	return a.response(tok), nil
}

func (a *oauthAdapter) ResolveMetadata(context.Context, *integrations.TokenResponse) (integrations.Metadata, error) {
	return nil, nil
}

func (a *oauthAdapter) response(tok *oauth2.Token) *integrations.TokenResponse {
	tr := &integrations.TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    normalizeTokenType(tok.TokenType),
		ExpiresIn:    tok.ExpiresIn,
	}
	if tr.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		tr.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		tr.Scopes = splitScopes(scope)
	}
	for _, key := range a.extraKeys {
		if v := tok.Extra(key); v != nil {
			if tr.Extra == nil {
				tr.Extra = make(map[string]any)
			}
			tr.Extra[key] = v
		}
	}
	return tr
}

// getJSON calls a vendor API with the freshly issued access token.
func (a *oauthAdapter) getJSON(ctx context.Context, op, url string, tok *integrations.TokenResponse, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", a.authScheme+" "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return classify(a.provider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return classify(a.provider, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &integrations.ProviderError{
			Provider:    a.provider,
			Op:          op,
			StatusCode:  resp.StatusCode,
			Unreachable: resp.StatusCode >= http.StatusInternalServerError,
			Err:         fmt.Errorf("unexpected status from %s", req.URL.Path),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &integrations.ProviderError{Provider: a.provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func normalizeTokenType(t string) string {
	if t == "" || strings.EqualFold(t, "bearer") {
		return "Bearer"
	}
	return t
}

// splitScopes accepts space and comma separated lists.
func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

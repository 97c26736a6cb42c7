package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// fakeVendor serves a token endpoint and arbitrary API routes.
type fakeVendor struct {
	*httptest.Server
	mux *http.ServeMux

	mu   sync.Mutex
	form url.Values
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	v := &fakeVendor{mux: http.NewServeMux()}
	v.Server = httptest.NewServer(v.mux)
	t.Cleanup(v.Close)
	return v
}

func (v *fakeVendor) token(t *testing.T, status int, body map[string]any) {
	t.Helper()
	v.mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		v.mu.Lock()
		v.form = r.PostForm
		v.mu.Unlock()
		writeJSON(w, status, body)
	})
}

// lastToken returns the form of the most recent token request.
func (v *fakeVendor) lastToken() url.Values {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.form
}

func (v *fakeVendor) api(path string, wantAuth string, body any) {
	v.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad auth"})
			return
		}
		writeJSON(w, http.StatusOK, body)
	})
}

func (v *fakeVendor) config() Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example.com/auth/callback",
		AuthURL:      v.URL + "/authorize",
		TokenURL:     v.URL + "/token",
		APIURL:       v.URL,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func authQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query()
}

func TestGoogleAuthCodeURL(t *testing.T) {
	g := NewGoogle(Config{ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app/cb"}, nil)

	q := authQuery(t, g.AuthCodeURL("state-1"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "https://app/cb", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "https://mail.google.com/")
	assert.Contains(t, q.Get("scope"), "https://www.googleapis.com/auth/calendar")
	assert.False(t, g.RotatesRefreshToken())
}

func TestGoogleExchangeAndIdentity(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{
		"access_token":  "ya29.a",
		"refresh_token": "1//r",
		"token_type":    "Bearer",
		"expires_in":    3599,
		"scope":         "openid email",
	})
	v.api("/oauth2/v2/userinfo", "Bearer ya29.a", map[string]any{
		"id":    "10769150350006150715113082367",
		"email": "ada@example.com",
		"name":  "Ada",
	})

	cfg := v.config()
	cfg.APIURL = v.URL + "/"
	g := NewGoogle(cfg, testClient(t))

	tok, err := g.Exchange(context.Background(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "ya29.a", tok.AccessToken)
	assert.Equal(t, "1//r", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.InDelta(t, 3599, tok.ExpiresIn, 2)
	assert.Equal(t, []string{"openid", "email"}, tok.Scopes)

	assert.Equal(t, "code-1", v.lastToken().Get("code"))
	assert.Equal(t, "client-secret", v.lastToken().Get("client_secret"))

	id, err := g.FetchIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "10769150350006150715113082367", id.ID)
	assert.Equal(t, "ada@example.com", id.Email)
}

func TestRefreshInvalidGrant(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "Token has been expired or revoked.",
	})

	a := NewAsana(v.config(), testClient(t))
	_, err := a.Refresh(context.Background(), "revoked")
	require.Error(t, err)

	var pe *integrations.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.False(t, integrations.IsUnreachable(err))
	assert.Equal(t, "refresh_token", v.lastToken().Get("grant_type"))
	assert.Equal(t, "revoked", v.lastToken().Get("refresh_token"))
}

func TestRefreshServerErrorIsUnreachable(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusInternalServerError, map[string]any{"error": "server_error"})

	a := NewAsana(v.config(), testClient(t))
	_, err := a.Refresh(context.Background(), "r")
	require.Error(t, err)
	assert.True(t, integrations.IsUnreachable(err))
}

func TestAsanaRefreshKeepsRefreshToken(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{
		"access_token": "new-access",
		"token_type":   "bearer",
		"expires_in":   3600,
	})

	a := NewAsana(v.config(), testClient(t))
	tok, err := a.Refresh(context.Background(), "stable-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	// The vendor omitted it, so the grant's refresh token carries over.
	assert.Equal(t, "stable-refresh", tok.RefreshToken)
}

func TestAsanaIdentity(t *testing.T) {
	v := newFakeVendor(t)
	v.api("/users/me", "Bearer at", map[string]any{
		"data": map[string]any{"gid": "1201", "name": "Grace", "email": "grace@example.com"},
	})

	a := NewAsana(v.config(), testClient(t))
	id, err := a.FetchIdentity(context.Background(), &integrations.TokenResponse{AccessToken: "at"})
	require.NoError(t, err)
	assert.Equal(t, &integrations.Identity{ID: "1201", Name: "Grace", Email: "grace@example.com"}, id)
}

func TestSlackExchange(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{
		"ok":            true,
		"access_token":  "xoxb-1",
		"refresh_token": "xoxe-1",
		"token_type":    "bot",
		"expires_in":    43200,
		"scope":         "channels:read,chat:write",
		"bot_user_id":   "U0BOT",
		"app_id":        "A01",
		"team":          map[string]any{"id": "T01", "name": "Acme"},
		"authed_user":   map[string]any{"id": "U01", "access_token": "xoxp-1"},
	})
	v.api("/openid.connect.userInfo", "Bearer xoxp-1", map[string]any{
		"ok": true, "email": "lin@acme.test", "name": "Lin",
	})

	s := NewSlack(v.config(), testClient(t))
	q := authQuery(t, s.AuthCodeURL("st"))
	assert.Equal(t, "openid email profile", q.Get("user_scope"))
	assert.True(t, s.RotatesRefreshToken())

	tok, err := s.Exchange(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, []string{"channels:read", "chat:write"}, tok.Scopes)
	assert.Equal(t, "c", v.lastToken().Get("code"))

	md, err := s.ResolveMetadata(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, integrations.SlackMetadata{
		TeamID: "T01", TeamName: "Acme", BotUserID: "U0BOT", AuthedUserID: "U01", AppID: "A01",
	}, md)

	id, err := s.FetchIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "T01:U01", id.ID)
	assert.Equal(t, "lin@acme.test", id.Email)
}

func TestSlackNotOK(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{"ok": false, "error": "invalid_refresh_token"})

	s := NewSlack(v.config(), testClient(t))
	_, err := s.Refresh(context.Background(), "xoxe-old")

	var pe *integrations.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "invalid_refresh_token", pe.Code)
	assert.False(t, integrations.IsUnreachable(err))
	assert.Equal(t, "refresh_token", v.lastToken().Get("grant_type"))
}

func TestJiraMetadata(t *testing.T) {
	v := newFakeVendor(t)
	v.api("/oauth/token/accessible-resources", "Bearer at", []map[string]any{
		{"id": "11223344-a1b2-3b33-c444-def123456789", "url": "https://acme.atlassian.net", "name": "acme"},
		{"id": "second", "url": "https://other.atlassian.net", "name": "other"},
	})
	v.api("/me", "Bearer at", map[string]any{"account_id": "5b10a2844c20165700ede21g", "email": "j@acme.test"})

	j := NewJira(v.config(), testClient(t))
	q := authQuery(t, j.AuthCodeURL("st"))
	assert.Equal(t, "api.atlassian.com", q.Get("audience"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "offline_access")
	assert.True(t, j.RotatesRefreshToken())

	tok := &integrations.TokenResponse{AccessToken: "at"}
	md, err := j.ResolveMetadata(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, integrations.JiraMetadata{
		CloudID:  "11223344-a1b2-3b33-c444-def123456789",
		URL:      "https://acme.atlassian.net",
		SiteName: "acme",
	}, md)

	id, err := j.FetchIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "5b10a2844c20165700ede21g", id.ID)
}

func TestJiraNoSites(t *testing.T) {
	v := newFakeVendor(t)
	v.api("/oauth/token/accessible-resources", "", []map[string]any{})

	j := NewJira(v.config(), testClient(t))
	_, err := j.ResolveMetadata(context.Background(), &integrations.TokenResponse{AccessToken: "at"})

	var pe *integrations.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "metadata", pe.Op)
	assert.False(t, integrations.IsUnreachable(err))
}

func TestMiroMetadataAndIdentity(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{
		"access_token":  "miro-at",
		"refresh_token": "miro-rt",
		"token_type":    "bearer",
		"expires_in":    3599,
		"team_id":       "3074457350000000001",
		"user_id":       "3074457350000000002",
	})
	v.api("/v1/oauth-token", "Bearer miro-at", map[string]any{
		"team": map[string]any{"id": "3074457350000000001", "name": "Design"},
		"user": map[string]any{"id": "3074457350000000002", "name": "Kay"},
	})

	m := NewMiro(v.config(), testClient(t))
	tok, err := m.Exchange(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "3074457350000000001", tok.ExtraString("team_id"))

	md, err := m.ResolveMetadata(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, integrations.MiroMetadata{TeamID: "3074457350000000001", TeamName: "Design"}, md)

	id, err := m.FetchIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "3074457350000000002", id.ID)
}

func TestZoho(t *testing.T) {
	v := newFakeVendor(t)
	v.token(t, http.StatusOK, map[string]any{
		"access_token": "1000.zoho",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"api_domain":   "https://www.zohoapis.eu",
	})
	v.api("/oauth/user/info", "Zoho-oauthtoken 1000.zoho", map[string]any{
		"ZUID": 20071873, "Email": "z@acme.test", "Display_Name": "Zed",
	})

	z := NewZoho(v.config(), testClient(t))
	q := authQuery(t, z.AuthCodeURL("st"))
	assert.Equal(t, "ZohoCRM.modules.deals.READ,ZohoCRM.users.READ,aaaserver.profile.READ", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.False(t, z.RotatesRefreshToken())

	tok, err := z.Exchange(context.Background(), "c")
	require.NoError(t, err)

	md, err := z.ResolveMetadata(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, integrations.ZohoMetadata{APIDomain: "https://www.zohoapis.eu"}, md)

	id, err := z.FetchIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "20071873", id.ID)
	assert.Equal(t, "Zed", id.Name)
}

func TestZohoMissingAPIDomain(t *testing.T) {
	z := NewZoho(Config{ClientID: "id", ClientSecret: "s"}, nil)
	md, err := z.ResolveMetadata(context.Background(), &integrations.TokenResponse{AccessToken: "a"})
	assert.Nil(t, md)

	var perr *integrations.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "metadata", perr.Op)
	assert.False(t, integrations.IsUnreachable(err))
}

func TestNewSkipsUnconfigured(t *testing.T) {
	adapters := New(Settings{
		integrations.ProviderGoogle: {ClientID: "id", ClientSecret: "secret"},
		integrations.ProviderSlack:  {ClientID: "id"},
		integrations.ProviderJira:   {ClientID: "id", ClientSecret: "secret"},
	}, nil)

	assert.Equal(t, []integrations.Provider{integrations.ProviderGoogle, integrations.ProviderJira}, adapters.Providers())

	_, err := adapters.Get(integrations.ProviderSlack)
	assert.ErrorIs(t, err, integrations.ErrProviderNotConfigured)
}

package providers

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var asanaScopes = []string{
	"openid", "profile", "email",
	"projects:read", "tasks:read", "users:read", "workspaces:read",
}

var asanaEndpoint = oauth2.Endpoint{
	AuthURL:  "https://app.asana.com/-/oauth_authorize",
	TokenURL: "https://app.asana.com/-/oauth_token",
}

// Asana keeps the refresh token across refreshes.
type Asana struct {
	*oauthAdapter
	apiURL string
}

func NewAsana(cfg Config, client *http.Client) *Asana {
	a := newOAuthAdapter(integrations.ProviderAsana, cfg, asanaEndpoint, asanaScopes, client)
	return &Asana{oauthAdapter: a, apiURL: cfg.apiURL("https://app.asana.com/api/1.0")}
}

func (a *Asana) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	var me struct {
		Data struct {
			GID   string `json:"gid"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, "identity", a.apiURL+"/users/me", tok, &me); err != nil {
		return nil, err
	}
	return &integrations.Identity{ID: me.Data.GID, Email: me.Data.Email, Name: me.Data.Name}, nil
}

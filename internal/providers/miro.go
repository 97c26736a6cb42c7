package providers

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var miroScopes = []string{
	"boards:read", "boards:write",
	"identity:read", "identity:write",
	"team:read", "team:write",
}

var miroEndpoint = oauth2.Endpoint{
	AuthURL:  "https://miro.com/oauth/authorize",
	TokenURL: "https://api.miro.com/v1/oauth/token",
}

// Miro issues expiring tokens with a rotating refresh token.
type Miro struct {
	*oauthAdapter
	apiURL string
}

func NewMiro(cfg Config, client *http.Client) *Miro {
	a := newOAuthAdapter(integrations.ProviderMiro, cfg, miroEndpoint, miroScopes, client)
	a.rotates = true
	a.extraKeys = []string{"team_id", "user_id"}
	return &Miro{oauthAdapter: a, apiURL: cfg.apiURL("https://api.miro.com")}
}

type miroTokenInfo struct {
	Team struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

func (m *Miro) tokenInfo(ctx context.Context, op string, tok *integrations.TokenResponse) (*miroTokenInfo, error) {
	var info miroTokenInfo
	if err := m.getJSON(ctx, op, m.apiURL+"/v1/oauth-token", tok, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (m *Miro) ResolveMetadata(ctx context.Context, tok *integrations.TokenResponse) (integrations.Metadata, error) {
	info, err := m.tokenInfo(ctx, "metadata", tok)
	if err != nil {
		return nil, err
	}
	md := integrations.MiroMetadata{TeamID: info.Team.ID, TeamName: info.Team.Name}
	if md.TeamID == "" {
		md.TeamID = tok.ExtraString("team_id")
	}
	return md, nil
}

func (m *Miro) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	info, err := m.tokenInfo(ctx, "identity", tok)
	if err != nil {
		return nil, err
	}
	return &integrations.Identity{ID: info.User.ID, Name: info.User.Name}, nil
}

package providers

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var jiraScopes = []string{
	"read:jira-work",
	"manage:jira-project",
	"read:jira-user",
	"write:jira-work",
	"read:me",
	"read:account",
	"offline_access",
}

var jiraEndpoint = oauth2.Endpoint{
	AuthURL:  "https://auth.atlassian.com/authorize",
	TokenURL: "https://auth.atlassian.com/oauth/token",
}

// Jira (Atlassian 3LO) rotates refresh tokens, and every API call is
// addressed through the cloud id of the site the user granted.
type Jira struct {
	*oauthAdapter
	apiURL string
}

func NewJira(cfg Config, client *http.Client) *Jira {
	a := newOAuthAdapter(integrations.ProviderJira, cfg, jiraEndpoint, jiraScopes, client)
	a.authOpts = []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	a.rotates = true
	return &Jira{oauthAdapter: a, apiURL: cfg.apiURL("https://api.atlassian.com")}
}

type jiraResource struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// ResolveMetadata picks the first accessible site. A grant without any
// site is useless, so it fails the link.
func (j *Jira) ResolveMetadata(ctx context.Context, tok *integrations.TokenResponse) (integrations.Metadata, error) {
	var resources []jiraResource
	if err := j.getJSON(ctx, "metadata", j.apiURL+"/oauth/token/accessible-resources", tok, &resources); err != nil {
		return nil, err
	}
	if len(resources) == 0 || resources[0].ID == "" {
		return nil, &integrations.ProviderError{
			Provider: j.provider,
			Op:       "metadata",
			Err:      errors.New("no accessible Atlassian sites"),
		}
	}
	site := resources[0]
	return integrations.JiraMetadata{CloudID: site.ID, URL: site.URL, SiteName: site.Name}, nil
}

func (j *Jira) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	var me struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
	}
	if err := j.getJSON(ctx, "identity", j.apiURL+"/me", tok, &me); err != nil {
		return nil, err
	}
	return &integrations.Identity{ID: me.AccountID, Email: me.Email, Name: me.Name}, nil
}

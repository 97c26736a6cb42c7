package providers

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://mail.google.com/",
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/calendar",
}

// Google issues a refresh token only when consent is forced with offline
// access, and keeps it stable across refreshes.
type Google struct {
	*oauthAdapter
	apiURL string
}

func NewGoogle(cfg Config, client *http.Client) *Google {
	a := newOAuthAdapter(integrations.ProviderGoogle, cfg, google.Endpoint, googleScopes, client)
	a.authOpts = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	return &Google{oauthAdapter: a, apiURL: cfg.APIURL}
}

// FetchIdentity reads the userinfo endpoint through the Google API client.
func (g *Google) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	httpClient := oauth2.NewClient(withClient(ctx, g.client), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
	}))
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if g.apiURL != "" {
		opts = append(opts, option.WithEndpoint(g.apiURL))
	}

	svc, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, classify(g.provider, "identity", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogle(err)
	}
	return &integrations.Identity{ID: info.Id, Email: info.Email, Name: info.Name}, nil
}

func classifyGoogle(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &integrations.ProviderError{
			Provider:    integrations.ProviderGoogle,
			Op:          "identity",
			StatusCode:  gerr.Code,
			Description: gerr.Message,
			Unreachable: gerr.Code >= http.StatusInternalServerError,
			Err:         err,
		}
	}
	return classify(integrations.ProviderGoogle, "identity", err)
}

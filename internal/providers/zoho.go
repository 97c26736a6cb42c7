package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var zohoScopes = []string{
	"ZohoCRM.modules.deals.READ",
	"ZohoCRM.users.READ",
	"aaaserver.profile.READ",
}

var zohoEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.zoho.com/oauth/v2/auth",
	TokenURL: "https://accounts.zoho.com/oauth/v2/token",
}

// Zoho keeps one refresh token for the life of the grant and answers with
// the api_domain of the data center that holds the account.
type Zoho struct {
	*oauthAdapter
	accountsURL string
}

func NewZoho(cfg Config, client *http.Client) *Zoho {
	// Zoho expects a comma separated scope list.
	cfg.Scopes = []string{strings.Join(cfg.scopes(zohoScopes), ",")}
	a := newOAuthAdapter(integrations.ProviderZoho, cfg, zohoEndpoint, nil, client)
	a.authOpts = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}
	a.extraKeys = []string{"api_domain"}
	a.authScheme = "Zoho-oauthtoken"
	return &Zoho{oauthAdapter: a, accountsURL: cfg.apiURL("https://accounts.zoho.com")}
}

func (z *Zoho) ResolveMetadata(_ context.Context, tok *integrations.TokenResponse) (integrations.Metadata, error) {
	domain := tok.ExtraString("api_domain")
	if domain == "" {
		return nil, &integrations.ProviderError{
			Provider: z.provider,
			Op:       "metadata",
			Err:      errors.New("token response missing api_domain"),
		}
	}
	return integrations.ZohoMetadata{APIDomain: strings.TrimRight(domain, "/")}, nil
}

func (z *Zoho) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	var info struct {
		ZUID        json.Number `json:"ZUID"`
		Email       string      `json:"Email"`
		DisplayName string      `json:"Display_Name"`
	}
	if err := z.getJSON(ctx, "identity", z.accountsURL+"/oauth/user/info", tok, &info); err != nil {
		return nil, err
	}
	return &integrations.Identity{ID: info.ZUID.String(), Email: info.Email, Name: info.DisplayName}, nil
}

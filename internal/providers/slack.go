package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/dynamiq/connecthub/internal/integrations"
)

var slackScopes = []string{
	"channels:read",
	"channels:history",
	"groups:read",
	"groups:history",
	"im:read",
	"im:history",
	"mpim:read",
	"chat:write",
	"users:read",
	"users:read.email",
	"team:read",
	"files:read",
	"reactions:read",
}

const slackUserScope = "openid email profile"

var slackEndpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// Slack answers oauth.v2.access with HTTP 200 and an ok flag, so exchange
// and refresh parse the envelope directly. Rotation is enabled on the app,
// which makes every refresh return a new refresh token.
type Slack struct {
	*oauthAdapter
	apiURL string
}

func NewSlack(cfg Config, client *http.Client) *Slack {
	a := newOAuthAdapter(integrations.ProviderSlack, cfg, slackEndpoint, slackScopes, client)
	a.authOpts = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("user_scope", slackUserScope)}
	a.rotates = true
	return &Slack{oauthAdapter: a, apiURL: cfg.apiURL("https://slack.com/api")}
}

type slackTokenResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	BotUserID    string `json:"bot_user_id"`
	AppID        string `json:"app_id"`
	Team         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	} `json:"authed_user"`
}

func (s *Slack) Exchange(ctx context.Context, code string) (*integrations.TokenResponse, error) {
	data := url.Values{}
	data.Set("code", code)
	data.Set("redirect_uri", s.conf.RedirectURL)
	return s.tokenRequest(ctx, "exchange", data)
}

func (s *Slack) Refresh(ctx context.Context, refreshToken string) (*integrations.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return s.tokenRequest(ctx, "refresh", data)
}

func (s *Slack) tokenRequest(ctx context.Context, op string, data url.Values) (*integrations.TokenResponse, error) {
	data.Set("client_id", s.conf.ClientID)
	data.Set("client_secret", s.conf.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.conf.Endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classify(s.provider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classify(s.provider, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &integrations.ProviderError{
			Provider:    s.provider,
			Op:          op,
			StatusCode:  resp.StatusCode,
			Unreachable: resp.StatusCode >= http.StatusInternalServerError,
			Err:         errors.New("unexpected status"),
		}
	}

	var sr slackTokenResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &integrations.ProviderError{Provider: s.provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !sr.OK {
		return nil, &integrations.ProviderError{
			Provider:   s.provider,
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       sr.Error,
		}
	}

	tr := &integrations.TokenResponse{
		AccessToken:  sr.AccessToken,
		RefreshToken: sr.RefreshToken,
		// Slack reports "bot"; the token is still sent as a bearer token.
		TokenType: "Bearer",
		ExpiresIn: sr.ExpiresIn,
		Scopes:    splitScopes(sr.Scope),
		Extra:     map[string]any{},
	}
	for key, v := range map[string]string{
		"team_id":           sr.Team.ID,
		"team_name":         sr.Team.Name,
		"bot_user_id":       sr.BotUserID,
		"app_id":            sr.AppID,
		"authed_user_id":    sr.AuthedUser.ID,
		"authed_user_token": sr.AuthedUser.AccessToken,
	} {
		if v != "" {
			tr.Extra[key] = v
		}
	}
	return tr, nil
}

func (s *Slack) ResolveMetadata(_ context.Context, tok *integrations.TokenResponse) (integrations.Metadata, error) {
	return integrations.SlackMetadata{
		TeamID:       tok.ExtraString("team_id"),
		TeamName:     tok.ExtraString("team_name"),
		BotUserID:    tok.ExtraString("bot_user_id"),
		AuthedUserID: tok.ExtraString("authed_user_id"),
		AppID:        tok.ExtraString("app_id"),
	}, nil
}

// FetchIdentity identifies the installing user within the workspace. Email
// and name come from the OpenID userinfo call when a user token was granted.
func (s *Slack) FetchIdentity(ctx context.Context, tok *integrations.TokenResponse) (*integrations.Identity, error) {
	teamID, userID := tok.ExtraString("team_id"), tok.ExtraString("authed_user_id")
	if teamID == "" || userID == "" {
		return nil, &integrations.ProviderError{Provider: s.provider, Op: "identity", Err: errors.New("response has no authed user")}
	}
	identity := &integrations.Identity{ID: teamID + ":" + userID}

	userToken := tok.ExtraString("authed_user_token")
	if userToken == "" {
		return identity, nil
	}
	var info struct {
		OK    bool   `json:"ok"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	err := s.getJSON(ctx, "identity", s.apiURL+"/openid.connect.userInfo",
		&integrations.TokenResponse{AccessToken: userToken}, &info)
	if err == nil && info.OK {
		identity.Email = info.Email
		identity.Name = info.Name
	}
	return identity, nil
}

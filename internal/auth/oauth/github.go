// Package oauth implements the two OAuth surfaces the Auth Gate delegates
// to GitHub: the device-flow client used by begin_device_flow/
// poll_device_flow, and an embedded OAuth 2.1 authorization server (with
// mandatory PKCE) that re-uses GitHub as the upstream identity provider for
// remote-tool clients.
package oauth

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GithubConfig names the coordinates of the GitHub OAuth application this
// server was registered as.
type GithubConfig struct {
	ClientID     string
	ClientSecret string
}

// GithubClient talks to GitHub's device-flow and REST identity endpoints.
// It is the Auth Gate's only dependency on the external identity service.
type GithubClient struct {
	cfg    GithubConfig
	client *http.Client
}

func NewGithubClient(cfg GithubConfig) *GithubClient {
	return &GithubClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// DeviceCodeResponse is GitHub's response to POST /login/device/code.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// RequestDeviceCode begins a device-flow login, the upstream half of
// begin_device_flow.
func (g *GithubClient) RequestDeviceCode(scope string) (*DeviceCodeResponse, error) {
	form := url.Values{"client_id": {g.cfg.ClientID}, "scope": {scope}}

	req, err := http.NewRequest(http.MethodPost, "https://github.com/login/device/code", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read device code response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var out DeviceCodeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse device code response: %w", err)
	}
	return &out, nil
}

// PollResult is what GitHub's token endpoint returns for one poll of a
// pending device code.
type PollResult struct {
	AccessToken string
	// Pending is true while the user has not yet approved the code; the
	// caller should keep polling at the interval until Pending is false.
	Pending bool
	// Denied is true if the user explicitly rejected the authorization.
	Denied bool
	// Expired is true once the device code's lifetime has elapsed.
	Expired bool
}

type deviceTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
}

// PollDeviceCode checks whether a user has approved deviceCode yet, the
// upstream half of poll_device_flow.
func (g *GithubClient) PollDeviceCode(deviceCode string) (*PollResult, error) {
	form := url.Values{
		"client_id":   {g.cfg.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	req, err := http.NewRequest(http.MethodPost, "https://github.com/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll device code: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}

	var out deviceTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse poll response: %w", err)
	}

	switch out.Error {
	case "":
		return &PollResult{AccessToken: out.AccessToken}, nil
	case "authorization_pending", "slow_down":
		return &PollResult{Pending: true}, nil
	case "expired_token":
		return &PollResult{Expired: true}, nil
	case "access_denied":
		return &PollResult{Denied: true}, nil
	default:
		return nil, fmt.Errorf("device token error: %s", out.Error)
	}
}

// Identity is the subset of GitHub's /user response the Auth Gate needs to
// upsert a User row.
type Identity struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// FetchIdentity resolves the authenticated GitHub account behind
// accessToken.
func (g *GithubClient) FetchIdentity(accessToken string) (*Identity, error) {
	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch identity: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read identity response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("parse identity response: %w", err)
	}

	if identity.Email == "" {
		if email, err := g.fetchPrimaryEmail(accessToken); err == nil {
			identity.Email = email
		}
	}

	return &identity, nil
}

type githubEmail struct {
	Email   string `json:"email"`
	Primary bool   `json:"primary"`
}

func (g *GithubClient) fetchPrimaryEmail(accessToken string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/user/emails", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", fmt.Errorf("no email on account")
}

// ExchangeCode exchanges an authorization_code (from the web redirect flow
// used by complete_oauth_callback) for a GitHub access token.
func (g *GithubClient) ExchangeCode(code, redirectURI string) (string, error) {
	form := url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequest(http.MethodPost, "https://github.com/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()

	var out deviceTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse exchange response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("exchange error: %s", out.Error)
	}
	return out.AccessToken, nil
}

// AuthorizeURL builds the GitHub web authorize URL that
// Server.BeginAuthorize (/oauth/authorize) redirects the user-agent to
// before GitHub redirects back with a code.
func (g *GithubClient) AuthorizeURL(redirectURI, state, scope string) string {
	params := url.Values{}
	params.Set("client_id", g.cfg.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("state", state)
	params.Set("scope", scope)
	return "https://github.com/login/oauth/authorize?" + params.Encode()
}

// Package twitchauth owns the bot's OAuth credential lifecycle: the
// authorization-code redirect exchange that produces the initial credential,
// margin-padded expiry checks, and refresh-token renewal, persisting every
// result through a CredentialStore.
package twitchauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the Twitch identity service root.
const DefaultBaseURL = "https://id.twitch.tv"

// TokenResponse is the provider's reply to an authorization_code or
// refresh_token grant.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResponse is the provider's token introspection reply; Login is the
// authenticated identity the token belongs to.
type ValidateResponse struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ProviderClient performs the HTTP exchanges against the identity provider.
type ProviderClient struct {
	ClientID     string
	ClientSecret string
	BaseURL      string // defaults to DefaultBaseURL
	HTTPClient   *http.Client
}

func (pc *ProviderClient) base() string {
	if pc.BaseURL != "" {
		return strings.TrimRight(pc.BaseURL, "/")
	}
	return DefaultBaseURL
}

func (pc *ProviderClient) http() *http.Client {
	if pc.HTTPClient != nil {
		return pc.HTTPClient
	}
	return http.DefaultClient
}

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code grant.
func (pc *ProviderClient) BuildAuthorizeURL(redirectURI, scopes, state string) (string, error) {
	if pc.ClientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", pc.ClientID)
	v.Set("redirect_uri", redirectURI)
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return pc.base() + "/oauth2/authorize?" + v.Encode(), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func (pc *ProviderClient) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if pc.ClientID == "" || pc.ClientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", pc.ClientID)
	form.Set("client_secret", pc.ClientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	return pc.postToken(ctx, form, "auth code exchange")
}

// RefreshToken exchanges a refresh token for a new access token.
func (pc *ProviderClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if pc.ClientID == "" || pc.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", pc.ClientID)
	form.Set("client_secret", pc.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return pc.postToken(ctx, form, "refresh")
}

func (pc *ProviderClient) postToken(ctx context.Context, form url.Values, op string) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.base()+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := pc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch %s failed: %s: %s", op, resp.Status, string(b))
	}
	var res TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Validate introspects an access token and returns the authenticated login.
// Twitch expects the non-standard "OAuth" authorization scheme here.
func (pc *ProviderClient) Validate(ctx context.Context, accessToken string) (*ValidateResponse, error) {
	if accessToken == "" {
		return nil, errors.New("missing access token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pc.base()+"/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := pc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch token validation failed: %s: %s", resp.Status, string(b))
	}
	var res ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if res.Login == "" {
		return nil, errors.New("validate response missing login")
	}
	return &res, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// Package refresh keeps short-lived OAuth access tokens alive: a client for
// the providers' token endpoints and a scheduler that refreshes credentials
// before they expire.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
)

// TokenResponse is the successful result of a refresh-grant call.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
}

// TokenClient exchanges a refresh token for a fresh access token.
type TokenClient interface {
	Refresh(ctx context.Context, provider domain.Provider, refreshToken string) (*TokenResponse, error)
}

// Endpoint holds the OAuth client configuration for one provider.
type Endpoint struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// HTTPTokenClient talks to the providers' token endpoints.
type HTTPTokenClient struct {
	endpoints  map[domain.Provider]Endpoint
	httpClient *http.Client
}

// NewHTTPTokenClient creates a token client for the configured providers.
func NewHTTPTokenClient(endpoints map[domain.Provider]Endpoint) *HTTPTokenClient {
	return &HTTPTokenClient{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Refresh performs the refresh_token grant. Non-2xx responses come back as
// classify.StatusError so the caller's classification sees status code, body,
// and any Retry-After hint.
func (c *HTTPTokenClient) Refresh(
	ctx context.Context,
	provider domain.Provider,
	refreshToken string,
) (*TokenResponse, error) {
	ep, ok := c.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("no token endpoint configured for provider %s", provider)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ep.ClientID},
		"client_secret": {ep.ClientSecret},
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &classify.StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tok, nil
}

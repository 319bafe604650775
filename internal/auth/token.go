// Package auth provides OAuth client-credentials tokens for the workspace
// APIs. Tokens are cached in memory and refreshed before expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrTokenRequest = errors.New("token request failed")

// expiryBuffer forces a refresh this long before the token actually expires,
// so a token handed to a slow upload never dies mid-request.
const expiryBuffer = 5 * time.Minute

// TokenSource supplies bearer tokens for outbound API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentials fetches tokens from an OAuth token endpoint using the
// client_credentials grant and caches them until shortly before expiry.
// Safe for concurrent use.
type ClientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClientCredentials creates a cached client-credentials token source.
func NewClientCredentials(tokenURL, clientID, clientSecret string) *ClientCredentials {
	return &ClientCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Token returns a cached token, fetching a fresh one when the cache is empty
// or within the expiry buffer. Concurrent callers during a refresh may each
// fetch; last write wins, which is harmless since every fetched token is valid.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires.Add(-expiryBuffer)) {
		return c.token, nil
	}

	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expires = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return c.token, nil
}

func (c *ClientCredentials) fetch(ctx context.Context) (string, int, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"all-apis"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: status %d", ErrTokenRequest, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access_token", ErrTokenRequest)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}
	return body.AccessToken, body.ExpiresIn, nil
}

// StaticToken is a TokenSource that always returns the same token. Used in
// tests and for personal-access-token deployments.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

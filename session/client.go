// Package session talks to the SpaceShelf backend's token endpoints. The
// backend keeps a long-lived session in a cookie and exchanges it for
// short-lived bearer access tokens.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"lds.li/shelfauth/bearer"
	"lds.li/shelfauth/internal"
)

const (
	refreshPath = "/token/refresh"
	resetPath   = "/token/reset"
	verifyPath  = "/token/verify"
)

// maxBodySize bounds how much of a token endpoint response is read.
const maxBodySize = 1 << 20

// Credentials is the body returned by the token endpoints.
type Credentials struct {
	AccessToken string `json:"accessToken"`
}

// Client calls the token endpoints. The session cookie is carried by the HTTP
// client's cookie jar, so HTTPClient should have one configured.
type Client struct {
	// HTTPClient is used for requests. A client set as the oauth2.HTTPClient
	// context value takes precedence, http.DefaultClient is the fallback.
	HTTPClient *http.Client
}

var _ bearer.Refresher = (*Client)(nil)

// Refresh exchanges the session for a new access token. Any non-2xx status,
// transport failure, malformed body or missing accessToken is an error. If
// the token is a JWT its exp claim is used as the token expiry.
func (c *Client) Refresh(ctx context.Context, apiBaseURL string) (*oauth2.Token, error) {
	var creds Credentials
	if err := c.do(ctx, apiBaseURL+refreshPath, "", &creds); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("refreshing token: response has no accessToken")
	}
	return &oauth2.Token{
		AccessToken: creds.AccessToken,
		TokenType:   "Bearer",
		Expiry:      internal.InsecureTokenExpiry(creds.AccessToken),
	}, nil
}

// Reset revokes the refresh session on the server. It is used on sign out,
// alongside clearing the cached access token.
func (c *Client) Reset(ctx context.Context, apiBaseURL string) error {
	if err := c.do(ctx, apiBaseURL+resetPath, "", nil); err != nil {
		return fmt.Errorf("resetting refresh token: %w", err)
	}
	return nil
}

// Verify exchanges an identity provider ID token for API credentials. This is
// the sign in step, it also establishes the session cookie.
func (c *Client) Verify(ctx context.Context, apiBaseURL, idToken string) (*Credentials, error) {
	var creds Credentials
	if err := c.do(ctx, apiBaseURL+verifyPath, idToken, &creds); err != nil {
		return nil, fmt.Errorf("verifying id token: %w", err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("verifying id token: response has no accessToken")
	}
	return &creds, nil
}

func (c *Client) do(ctx context.Context, endpoint, bearer string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := internal.HTTPClientFromContext(ctx, c.HTTPClient).Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return newErrorResponse(res.StatusCode, body)
	}

	if into == nil {
		return nil
	}
	if ct := res.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("unexpected content type: %s", ct)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

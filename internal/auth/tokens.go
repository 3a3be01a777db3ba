package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mailloft/syncd/internal/mail"
)

// Token holds OAuth credentials for one account. Storage and rotation live
// in the external auth service; this core only fetches.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Valid reports whether the token is usable without a refresh.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Before(t.Expiry)
}

// TokenClient fetches provider OAuth tokens from the auth service. The
// service owns refresh; requesting a token for an account whose access
// token has expired returns a freshly refreshed one, which makes the
// adapter-side RefreshCredentials call idempotent.
type TokenClient struct {
	baseURL string
	client  *http.Client
}

func NewTokenClient(authServiceURL string) *TokenClient {
	return &TokenClient{
		baseURL: authServiceURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the OAuth token for an account.
func (c *TokenClient) GetToken(ctx context.Context, kind mail.ProviderKind, address string) (*Token, error) {
	url := fmt.Sprintf("%s/api/accounts/%s/%s/token", c.baseURL, kind, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s credentials for %s", kind, address)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// Package keyvault fetches data encryption keys from an HTTP secret store.
package keyvault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client reads named secrets from a key vault over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures the vault client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a vault client for the given base URL, authenticating
// with a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type secretResponse struct {
	Value string `json:"value"`
}

// GetSecret fetches the latest version of a named secret.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/secrets/%s", c.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("key vault returned %d for secret %q: %s", resp.StatusCode, name, string(body))
	}

	var result secretResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return result.Value, nil
}

// GetEncryptionKey fetches a secret and decodes it as a base64 key.
func (c *Client) GetEncryptionKey(ctx context.Context, name string) ([]byte, error) {
	value, err := c.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode key %q: %w", name, err)
	}
	return key, nil
}

// Package auth fetches short-lived realtime credentials from the auth
// collaborator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"pkt.systems/pslog"
)

// ErrUnauthorized is returned when the collaborator rejects the bearer token.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Credential is a single-use token for one realtime connection attempt.
type Credential struct {
	Token string `json:"token"`
	Model string `json:"model"`
}

// Client talks to GET /auth/gemini-token.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTP        *http.Client
	Log         pslog.Logger

	mu    sync.Mutex
	model string
}

// New returns a client with a bounded HTTP timeout.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		BearerToken: bearer,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
	}
}

// Token fetches a fresh credential. Tokens are never reused; the model name
// is remembered and filled in when a later response omits it.
func (c *Client) Token(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/gemini-token", nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("read token response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Credential{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return Credential{}, fmt.Errorf("fetch token: unexpected status %d", resp.StatusCode)
	}

	var cred Credential
	if err := sonic.Unmarshal(body, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if cred.Token == "" {
		return Credential{}, errors.New("fetch token: empty token")
	}

	c.mu.Lock()
	if cred.Model != "" {
		c.model = cred.Model
	} else {
		cred.Model = c.model
	}
	c.mu.Unlock()

	c.logger(ctx).Debug("🔑 realtime token fetched", "model", cred.Model)
	return cred, nil
}

// Model returns the last model name the collaborator reported.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logger(ctx context.Context) pslog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return pslog.Ctx(ctx)
}

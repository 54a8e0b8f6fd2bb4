// Package assistant is the client for the teaching-assistant collaborator,
// which keeps the session record and supplies greeting and goodbye prompts.
package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"pkt.systems/pslog"
)

// Client is bearer-authenticated; all bodies are JSON.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTP        *http.Client
	Log         pslog.Logger
}

// New returns a client with a bounded HTTP timeout.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		BearerToken: bearer,
		HTTP:        &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionRequest identifies the tutoring session.
type SessionRequest struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId,omitempty"`
}

// Turn is one line of the conversation.
type Turn struct {
	SessionID string    `json:"sessionId"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	At        time.Time `json:"timestamp"`
}

// Answer reports a question outcome.
type Answer struct {
	SessionID  string `json:"sessionId"`
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
	HintsUsed  int    `json:"hintsUsed"`
}

type promptResponse struct {
	Prompt string `json:"prompt"`
}

// StartSession opens the session record and returns the greeting prompt.
func (c *Client) StartSession(ctx context.Context, req SessionRequest) (string, error) {
	var resp promptResponse
	if err := c.post(ctx, "/session/start", req, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// EndSession closes the session record and returns the goodbye prompt.
func (c *Client) EndSession(ctx context.Context, req SessionRequest) (string, error) {
	var resp promptResponse
	if err := c.post(ctx, "/session/end", req, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// LogTurn records one conversation turn.
func (c *Client) LogTurn(ctx context.Context, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	return c.post(ctx, "/conversation/turn", turn, nil)
}

// QuestionAnswered records a question outcome.
func (c *Client) QuestionAnswered(ctx context.Context, a Answer) error {
	return c.post(ctx, "/question/answered", a, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := sonic.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if c.Log != nil {
		c.Log.Debug("assistant call ok", "path", path)
	}
	return nil
}

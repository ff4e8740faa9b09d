// Package webdriver is a minimal W3C WebDriver client covering what a
// measurement session needs: session lifecycle, timeouts, navigation and
// Firefox add-on installation.
package webdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPageLoadTimeout is returned by Navigate when the page did not
// finish loading within the page-load timeout.
var ErrPageLoadTimeout = errors.New("page load timed out")

// Error is a WebDriver error response.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("webdriver %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Is maps the WebDriver "timeout" code to ErrPageLoadTimeout.
func (e *Error) Is(target error) bool {
	return target == ErrPageLoadTimeout && e.Code == "timeout"
}

// Client talks to one WebDriver endpoint and holds at most one session.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID string
}

// NewClient creates a client for the driver at baseURL. A nil httpClient
// selects http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// SessionID returns the current session id, empty before NewSession.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Ready reports whether the driver accepts new sessions.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	var status struct {
		Ready bool `json:"ready"`
	}

	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return false, err
	}

	return status.Ready, nil
}

// NewSession creates a session with the given capabilities as alwaysMatch.
func (c *Client) NewSession(ctx context.Context, capabilities map[string]any) error {
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": capabilities,
		},
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}

	if err := c.do(ctx, http.MethodPost, "/session", body, &resp); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if resp.SessionID == "" {
		return errors.New("creating session: driver returned no session id")
	}

	c.sessionID = resp.SessionID

	return nil
}

// SetPageLoadTimeout bounds Navigate.
func (c *Client) SetPageLoadTimeout(ctx context.Context, d time.Duration) error {
	return c.sessionDo(ctx, http.MethodPost, "/timeouts", map[string]any{
		"pageLoad": d.Milliseconds(),
	}, nil)
}

// Navigate loads url and blocks until the page loads or the page-load
// timeout fires, in which case the error matches ErrPageLoadTimeout.
func (c *Client) Navigate(ctx context.Context, url string) error {
	return c.sessionDo(ctx, http.MethodPost, "/url", map[string]any{"url": url}, nil)
}

// InstallAddon installs a Firefox add-on from a path on the driver host
// and returns its id.
func (c *Client) InstallAddon(ctx context.Context, path string, temporary bool) (string, error) {
	var id string

	err := c.sessionDo(ctx, http.MethodPost, "/moz/addon/install", map[string]any{
		"path":      path,
		"temporary": temporary,
	}, &id)
	if err != nil {
		return "", fmt.Errorf("installing add-on %s: %w", path, err)
	}

	return id, nil
}

// Quit ends the session. Quitting without a session is a no-op.
func (c *Client) Quit(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}

	err := c.sessionDo(ctx, http.MethodDelete, "", nil, nil)
	c.sessionID = ""

	return err
}

func (c *Client) sessionDo(ctx context.Context, method, path string, body, out any) error {
	if c.sessionID == "" {
		return errors.New("no active session")
	}

	return c.do(ctx, method, "/session/"+c.sessionID+path, body, out)
}

// do performs one request and decodes the "value" member of the response
// into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &envelope); err != nil {
			return fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		wdErr := &Error{Status: resp.StatusCode, Code: "unknown error"}
		if len(envelope.Value) > 0 {
			_ = json.Unmarshal(envelope.Value, wdErr)
		}

		return wdErr
	}

	if out == nil || len(envelope.Value) == 0 || string(envelope.Value) == "null" {
		return nil
	}

	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("decoding value: %w", err)
	}

	return nil
}

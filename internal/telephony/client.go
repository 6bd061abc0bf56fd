package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindgen/adaphone/internal/reliability"
)

// CallControl is the slice of the provider's REST API the agent needs:
// redirecting a live call onto new instructions and ending it.
type CallControl interface {
	Redirect(ctx context.Context, callSID, twiml string) error
	Status(ctx context.Context, callSID string) (string, error)
	Hangup(ctx context.Context, callSID string) error
}

// Client talks to the telephony provider's call-control REST API.
type Client struct {
	baseURL    string
	accountSID string
	authToken  string
	http       *http.Client
}

type ClientConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	Timeout    time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) callURL(callSID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
}

// Redirect replaces the live call's instructions with the given document.
func (c *Client) Redirect(ctx context.Context, callSID, twiml string) error {
	form := url.Values{"Twiml": {twiml}}
	_, err := c.do(ctx, http.MethodPost, c.callURL(callSID), form)
	return err
}

// Status returns the provider's view of the call state, e.g. "in-progress"
// or "completed".
func (c *Client) Status(ctx context.Context, callSID string) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.callURL(callSID), nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode call status: %w", err)
	}
	return resp.Status, nil
}

// Hangup ends the call from our side.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	form := url.Values{"Status": {"completed"}}
	_, err := c.do(ctx, http.MethodPost, c.callURL(callSID), form)
	return err
}

// do issues one request with a single retry on transient transport failure.
// Auth and malformed-input failures are never retried.
func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second)):
			}
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		req.SetBasicAuth(c.accountSID, c.authToken)

		res, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("call control request: %w", err)
			continue
		}

		data, readErr := io.ReadAll(io.LimitReader(res.Body, 64<<10))
		res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if readErr != nil {
				return nil, fmt.Errorf("read response: %w", readErr)
			}
			return data, nil
		}

		lastErr = fmt.Errorf("call control status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

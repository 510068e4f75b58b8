package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// WebClient implements Client over the PICS proxy's JSON HTTP API.
// Transient failures (5xx, network errors) are retried with bounded
// fibonacci backoff; 401/403 surface immediately as ErrAuthRejected.
type WebClient struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts uint64

	token string // session token set by Connect
}

// WebClientOptions tunes a WebClient. Zero values get defaults.
type WebClientOptions struct {
	Timeout     time.Duration
	MaxAttempts uint64
}

// NewWebClient creates a WebClient against baseURL (no trailing slash).
func NewWebClient(baseURL string, opts WebClientOptions) *WebClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	return &WebClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: opts.Timeout},
		maxAttempts: opts.MaxAttempts,
	}
}

// Connect performs the anonymous session handshake.
func (c *WebClient) Connect(ctx context.Context) error {
	var resp struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", map[string]string{}, &resp); err != nil {
		return fmt.Errorf("catalog connect: %w", err)
	}
	c.token = resp.SessionToken
	return nil
}

// Logon exchanges account credentials for an authenticated session.
func (c *WebClient) Logon(ctx context.Context, creds Credentials) error {
	body := map[string]string{
		"username":  creds.Username,
		"api_token": creds.APIToken,
	}
	var resp struct {
		SessionToken string `json:"session_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/session/logon", body, &resp); err != nil {
		return fmt.Errorf("catalog logon: %w", err)
	}
	c.token = resp.SessionToken
	return nil
}

// Close drops the session token. The proxy expires sessions server-side.
func (c *WebClient) Close() {
	c.token = ""
}

// ChangesSince implements Client.
func (c *WebClient) ChangesSince(ctx context.Context, since uint64) (*ChangeSet, error) {
	var cs ChangeSet
	path := "/changes?since=" + strconv.FormatUint(since, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &cs); err != nil {
		return nil, fmt.Errorf("catalog changes since %d: %w", since, err)
	}
	return &cs, nil
}

// AppList implements Client.
func (c *WebClient) AppList(ctx context.Context) ([]uint32, error) {
	var resp struct {
		AppIDs []uint32 `json:"app_ids"`
	}
	if err := c.do(ctx, http.MethodGet, "/apps", nil, &resp); err != nil {
		return nil, fmt.Errorf("catalog app list: %w", err)
	}
	return resp.AppIDs, nil
}

// AppInfo implements Client.
func (c *WebClient) AppInfo(ctx context.Context, appIDs []uint32) ([]App, error) {
	ids := make([]string, len(appIDs))
	for i, id := range appIDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	path := "/appinfo?appids=" + url.QueryEscape(strings.Join(ids, ","))

	var resp struct {
		Apps []App `json:"apps"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("catalog app info (%d apps): %w", len(appIDs), err)
	}
	return resp.Apps, nil
}

// do performs one API call with retry. body (if non-nil) is sent as JSON;
// the response is decoded into out.
func (c *WebClient) do(ctx context.Context, method, path string, body, out any) error {
	backoff := retry.WithMaxRetries(c.maxAttempts-1, retry.NewFibonacci(time.Second))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reqBody = strings.NewReader(string(buf))
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failures are transient.
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return ErrAuthRejected
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			io.Copy(io.Discard, resp.Body)
			return retry.RetryableError(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
		return nil
	})
}

// Package api is the HTTP client for the Brie orchestration backend.
// It attaches caller identity, maps response statuses onto the
// transport error taxonomy, and builds streaming URLs.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

// TokenProvider supplies the authenticated user's token. Acquisition is
// external to this layer.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed-token provider, used by tests and tooling.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Client issues requests against the backend API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokens        TokenProvider
	signingSecret string
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Timeout       time.Duration
	Tokens        TokenProvider
	SigningSecret string
	HTTPClient    *http.Client // optional, overrides Timeout
}

// New creates a backend client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		httpClient:    hc,
		tokens:        opts.Tokens,
		signingSecret: opts.SigningSecret,
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamingHTTPClient returns a copy of the underlying client with the
// overall timeout cleared. http.Client.Timeout bounds the entire body
// read, which would cut off healthy long-lived streams; streaming
// callers bound their reads with the request context instead.
func (c *Client) StreamingHTTPClient() *http.Client {
	sc := *c.httpClient
	sc.Timeout = 0
	return &sc
}

// Identity returns the caller's identity token. A missing token
// short-circuits with an unauthenticated error before any network I/O.
func (c *Client) Identity(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", model.ErrUnauthenticated
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	if token == "" {
		return "", model.ErrUnauthenticated
	}
	return token, nil
}

// Do issues one JSON request and decodes the response into out when out
// is non-nil. The returned error wraps the taxonomy sentinel matching
// what went wrong.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	return c.do(ctx, method, path, in, out, false)
}

// DoSigned is Do plus a request signature header, for sensitive
// operations the backend verifies independently of the identity token.
func (c *Client) DoSigned(ctx context.Context, method, path string, in, out any) error {
	return c.do(ctx, method, path, in, out, true)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, signed bool) error {
	token, err := c.Identity(ctx)
	if err != nil {
		return err
	}

	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", model.ErrParse, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if signed {
		req.Header.Set("X-Brie-Signature", c.sign(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.wrapNetworkError(path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(path, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &model.TransportError{
				StatusCode: resp.StatusCode,
				Message:    "decode response: " + err.Error(),
				Endpoint:   path,
				Err:        model.ErrParse,
			}
		}
	}
	return nil
}

// wrapNetworkError classifies transport-level failures.
func (c *Client) wrapNetworkError(path string, err error) error {
	sentinel := model.ErrNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		sentinel = model.ErrTimeout
	}
	return &model.TransportError{
		Message:  err.Error(),
		Endpoint: path,
		Err:      sentinel,
	}
}

// statusError maps a non-2xx response to the taxonomy, carrying a
// bounded slice of the body for diagnosis.
func (c *Client) statusError(path string, resp *http.Response) error {
	msg := http.StatusText(resp.StatusCode)
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 2048)); err == nil && len(data) > 0 {
		var detail struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Error.Message != "" {
			msg = detail.Error.Message
		} else {
			msg = strings.TrimSpace(string(data))
		}
	}

	return &model.TransportError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Endpoint:   path,
		Err:        model.MapHTTPStatusToError(resp.StatusCode),
	}
}

// StreamURL builds the SSE connection URL for one conversation turn.
func (c *Client) StreamURL(sessionID, messageID, message, identity string) string {
	q := url.Values{}
	q.Set("message", message)
	q.Set("message_id", messageID)
	q.Set("identity", identity)
	return fmt.Sprintf("%s/api/sessions/%s/stream?%s", c.baseURL, url.PathEscape(sessionID), q.Encode())
}

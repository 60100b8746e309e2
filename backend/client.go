package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultAPIKeyHeader carries the backend API key on lookup requests.
	DefaultAPIKeyHeader = "X-API-Key"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	// ErrUnexpectedStatus is wrapped by [StatusError].
	ErrUnexpectedStatus = errors.New("unexpected backend status")
	// ErrEmptyEmail is returned when /get-email answers without an email.
	ErrEmptyEmail = errors.New("backend returned empty email")
)

// StatusError describes a non-2xx backend response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.Status)
	}
	return fmt.Sprintf("backend status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Config configures a [Client].
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Registration is the profile row created after sign-up.
type Registration struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Client calls the backend identity endpoints.
type Client struct {
	base         *url.URL
	apiKey       string
	apiKeyHeader string
	http         *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	header := strings.TrimSpace(cfg.APIKeyHeader)
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return &Client{
		base:         base,
		apiKey:       cfg.APIKey,
		apiKeyHeader: header,
		http:         instrumentedClient(cfg.HTTPClient, cfg.Timeout),
	}, nil
}

// LookupEmail resolves username through POST /get-email.
func (c *Client) LookupEmail(ctx context.Context, username string) (string, error) {
	var out struct {
		Email string `json:"email"`
	}
	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set(c.apiKeyHeader, c.apiKey)
	}
	if err := doJSON(ctx, c.http, http.MethodPost, c.endpoint("/get-email"), headers, map[string]string{"username": username}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Email) == "" {
		return "", ErrEmptyEmail
	}
	return out.Email, nil
}

// ConfirmRegistration creates the backend profile through POST /register-confirm.
func (c *Client) ConfirmRegistration(ctx context.Context, reg Registration) error {
	return doJSON(ctx, c.http, http.MethodPost, c.endpoint("/register-confirm"), nil, reg, nil)
}

func (c *Client) endpoint(path string) string {
	rel, err := url.Parse(path)
	if err != nil {
		return c.base.JoinPath(path).String()
	}
	u := c.base.JoinPath(rel.Path)
	u.RawQuery = rel.RawQuery
	return u.String()
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("backend base url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend base url must be http(s), got %q", u.Scheme)
	}
	return u, nil
}

func instrumentedClient(base *http.Client, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	out := &http.Client{Timeout: timeout}
	transport := http.DefaultTransport
	if base != nil {
		*out = *base
		if out.Timeout == 0 {
			out.Timeout = timeout
		}
		if base.Transport != nil {
			transport = base.Transport
		}
	}
	out.Transport = otelhttp.NewTransport(transport)
	return out
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint string, headers http.Header, in, out any) error {
	resp, err := send(ctx, client, method, endpoint, headers, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func send(ctx context.Context, client *http.Client, method, endpoint string, headers http.Header, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, values := range headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

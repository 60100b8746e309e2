package gotrue

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
	"sync"
	"time"

	"github.com/indrasol/tmauth/jwt"
	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/refresh"
	"github.com/indrasol/tmauth/session"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
	clientInfo     = "tmauth-go"
)

var (
	// ErrNoSession is returned by operations that need a current session.
	ErrNoSession = errors.New("gotrue: no current session")
	// ErrMissingVerifier is returned when a code is exchanged without a
	// pending PKCE verifier.
	ErrMissingVerifier = errors.New("gotrue: no pending code verifier")
	// ErrInvalidSession is returned when the server answers with an unusable
	// session payload.
	ErrInvalidSession = errors.New("gotrue: invalid session payload")
)

// APIError is a non-2xx answer from the auth server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gotrue: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gotrue: %d: %s", e.Status, e.Message)
}

// IsAuthError reports whether err is a rejection of the presented
// credentials or tokens, as opposed to a transport failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Config configures a Client.
type Config struct {
	// URL is the auth base, e.g. https://<project>.supabase.co/auth/v1.
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client

	// AutoRefresh refreshes the session RefreshMargin before it expires.
	AutoRefresh   bool
	RefreshMargin time.Duration
	EventBuffer   int

	// JWTSecret, when set, makes the adapter reject sessions whose access
	// token does not verify.
	JWTSecret []byte
}

// Client talks to one GoTrue server and owns one session.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client

	store     session.Store
	claims    *jwt.Inspector
	events    *provider.Broadcaster
	scheduler *refresh.Scheduler
	refreshes singleflight.Group
	logger    logrus.FieldLogger
	now       func() time.Time

	mu      sync.Mutex
	current *provider.Session
	loaded  bool

	// publishMu is taken before mu is released so events leave in the
	// order their state changes were applied.
	publishMu sync.Mutex
}

// New validates cfg. A nil store keeps the session in memory.
func New(cfg Config, store session.Store, logger logrus.FieldLogger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("auth url must be http(s), got %q", base.Scheme)
	}
	claims, err := jwt.NewInspector(jwt.Config{Secret: cfg.JWTSecret})
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = session.NewMemoryStore()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   instrumentedClient(cfg.HTTPClient, cfg.Timeout),
		store:  store,
		claims: claims,
		events: provider.NewBroadcaster(cfg.EventBuffer),
		logger: logger.WithField("component", "gotrue"),
		now:    time.Now,
	}
	if cfg.AutoRefresh {
		c.scheduler = refresh.NewScheduler(cfg.RefreshMargin)
	}
	return c, nil
}

// Close stops auto refresh. The persisted session is kept.
func (c *Client) Close() error {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	return nil
}

// Subscribe streams session changes.
func (c *Client) Subscribe() (<-chan provider.Event, func()) {
	return c.events.Subscribe()
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
	out.Transport = otelhttp.NewTransport(transport, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return "gotrue " + r.Method + " " + r.URL.Path
	}))
	return out
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// call sends in as JSON and decodes the answer into out. bearer defaults to
// the API key.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bearer == "" {
		bearer = c.apiKey
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("X-Client-Info", clientInfo)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
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

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}

	var payload struct {
		ErrorCode        string `json:"error_code"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Code = firstNonEmpty(payload.ErrorCode, payload.Error)
		apiErr.Message = firstNonEmpty(payload.Msg, payload.ErrorDescription, payload.Message)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ provider.IdentityProvider = (*Client)(nil)

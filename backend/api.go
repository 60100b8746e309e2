package backend

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrSessionExpired is returned when the backend answers 401.
var ErrSessionExpired = errors.New("session expired")

// TokenSource returns the current access token, if any.
type TokenSource func() (string, bool)

// APIConfig configures an [API].
type APIConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// API is the generic request-signing client used by data-fetching code.
type API struct {
	client         *Client
	tokens         TokenSource
	onUnauthorized func(ctx context.Context, token string)
	expired        atomic.Uint64
}

// NewAPI builds an API. onUnauthorized runs on every 401 before the error is
// returned and receives the token the rejected request was signed with ("" if
// it was unsigned); it may be nil.
func NewAPI(cfg APIConfig, tokens TokenSource, onUnauthorized func(ctx context.Context, token string)) (*API, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = func() (string, bool) { return "", false }
	}
	return &API{
		client: &Client{
			base: base,
			http: instrumentedClient(cfg.HTTPClient, cfg.Timeout),
		},
		tokens:         tokens,
		onUnauthorized: onUnauthorized,
	}, nil
}

// Do sends in as JSON to path and decodes the response into out. Requests
// are signed with the current token when one is cached.
func (a *API) Do(ctx context.Context, method, path string, in, out any) error {
	headers := http.Header{}
	token, ok := a.tokens()
	if !ok {
		token = ""
	}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	resp, err := send(ctx, a.client.http, method, a.client.endpoint(path), headers, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		a.expired.Add(1)
		if a.onUnauthorized != nil {
			a.onUnauthorized(ctx, token)
		}
		return ErrSessionExpired
	}
	return decodeResponse(resp, out)
}

// Get is shorthand for Do with GET and no body.
func (a *API) Get(ctx context.Context, path string, out any) error {
	return a.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is shorthand for Do with POST.
func (a *API) Post(ctx context.Context, path string, in, out any) error {
	return a.Do(ctx, http.MethodPost, path, in, out)
}

// Expirations returns how many 401 responses have been observed.
func (a *API) Expirations() uint64 {
	return a.expired.Load()
}

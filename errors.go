package tmauth

import (
	"errors"
	"fmt"

	"github.com/indrasol/tmauth/backend"
	"github.com/indrasol/tmauth/internal/rate"
	"github.com/indrasol/tmauth/resolver"
)

var (
	// ErrProvider marks every identity-provider failure passed through a
	// workflow. Match it with errors.Is; the concrete value is a *ProviderError.
	ErrProvider = errors.New("identity provider error")
	// ErrIdentifierResolution is returned when a username cannot be resolved
	// to an email.
	ErrIdentifierResolution = resolver.ErrResolution
	// ErrMissingSession is returned when a workflow needs a session and has
	// neither an existing one nor a code to obtain one.
	ErrMissingSession = errors.New("no session and no code to exchange")
	// ErrWrongCredential is returned when re-authentication fails during a
	// password change.
	ErrWrongCredential = errors.New("current password is incorrect")
	// ErrSessionExpired is returned by the signed API client on 401, after the
	// session has been cleared centrally.
	ErrSessionExpired = backend.ErrSessionExpired
	// ErrRateLimited is returned when too many codes or recovery emails were
	// requested for one address.
	ErrRateLimited = rate.ErrRateLimited
	// ErrClientNotStarted is returned by workflows called before Start.
	ErrClientNotStarted = errors.New("client not started")
	// ErrClientClosed is returned by workflows called after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrPasswordResetStrategy is returned by the password-reset variant that
	// the configured recovery strategy disables.
	ErrPasswordResetStrategy = errors.New("password reset variant disabled by recovery strategy")
	// ErrInvalidRequest is returned for empty required inputs.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoBackend is returned by API when no backend base URL is configured.
	ErrNoBackend = errors.New("backend not configured")
)

// ProviderError is an opaque pass-through of an identity-provider failure.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrProvider, e.Op, e.Err)
}

// Unwrap exposes both ErrProvider and the provider's own error.
func (e *ProviderError) Unwrap() []error {
	return []error{ErrProvider, e.Err}
}

func wrapProvider(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}

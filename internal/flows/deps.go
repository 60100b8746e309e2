package flows

import (
	"context"
	"errors"
)

// Deps groups flow dependency sets. The root Client builds this once and
// delegates workflow methods to the matching flow implementation.
type Deps struct {
	SignUp         SignUpDeps
	Identity       IdentityDeps
	Recovery       RecoveryDeps
	ChangePassword ChangePasswordDeps
}

// Errors carries the root sentinel values so flows can return them without
// importing the root package.
type Errors struct {
	InvalidRequest       error
	IdentifierResolution error
	MissingSession       error
	WrongCredential      error
	RateLimited          error
	StrategyDisabled     error
}

// Common holds the observation hooks and error mapping shared by every flow.
type Common struct {
	MetricInc    func(int)
	EmitAudit    func(ctx context.Context, event string, success bool, userID, email string, err error, metadata func() map[string]string)
	Warn         func(string, ...any)
	WrapProvider func(op string, err error) error
	Errors       Errors
}

// Intent is the transient state of one workflow invocation. It is never
// persisted and does not outlive the call that created it.
type Intent struct {
	Identifier string
	Email      string
	Code       string
}

var errEmptyProviderResult = errors.New("provider returned neither user nor session")

func normalizeCommon(c *Common) {
	if c.MetricInc == nil {
		c.MetricInc = func(int) {}
	}
	if c.EmitAudit == nil {
		c.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if c.Warn == nil {
		c.Warn = func(string, ...any) {}
	}
	if c.WrapProvider == nil {
		c.WrapProvider = func(_ string, err error) error { return err }
	}
	fallback := errors.New("flow error")
	for _, e := range []*error{
		&c.Errors.InvalidRequest,
		&c.Errors.IdentifierResolution,
		&c.Errors.MissingSession,
		&c.Errors.WrongCredential,
		&c.Errors.RateLimited,
		&c.Errors.StrategyDisabled,
	} {
		if *e == nil {
			*e = fallback
		}
	}
}

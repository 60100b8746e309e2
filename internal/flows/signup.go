package flows

import (
	"context"
	"strings"

	"github.com/indrasol/tmauth/provider"
)

// SignUpStatus distinguishes an immediately usable account from one that
// still needs email confirmation.
type SignUpStatus uint8

const (
	SignUpRegistered SignUpStatus = iota + 1
	SignUpConfirmEmail
)

// SignUpOutcome is the result of [RunSignUp].
type SignUpOutcome struct {
	User    provider.User
	Session *provider.Session
	Status  SignUpStatus
}

type SignUpMetrics struct {
	Success        int
	ConfirmPending int
	Failure        int
}

type SignUpDeps struct {
	Common

	SignUp         func(context.Context, provider.SignUpRequest) (*provider.SignUpResult, error)
	Reconcile      func(context.Context, *provider.Session)
	EnqueueProfile func(ctx context.Context, user provider.User, email, username string)

	Event   string
	Metrics SignUpMetrics
}

// RunSignUp creates the identity. A returned session is reconciled into the
// store, which caches its token. Profile creation is queued either way and
// never affects the outcome.
func RunSignUp(ctx context.Context, req provider.SignUpRequest, deps SignUpDeps) (SignUpOutcome, error) {
	normalizeCommon(&deps.Common)
	if deps.Reconcile == nil {
		deps.Reconcile = func(context.Context, *provider.Session) {}
	}
	if deps.EnqueueProfile == nil {
		deps.EnqueueProfile = func(context.Context, provider.User, string, string) {}
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Password == "" || req.Username == "" {
		deps.EmitAudit(ctx, deps.Event, false, "", req.Email, deps.Errors.InvalidRequest, nil)
		return SignUpOutcome{}, deps.Errors.InvalidRequest
	}

	res, err := deps.SignUp(ctx, req)
	if err == nil && (res == nil || (res.User == nil && res.Session == nil)) {
		err = errEmptyProviderResult
	}
	if err != nil {
		wrapped := deps.WrapProvider("signup", err)
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Event, false, "", req.Email, wrapped, nil)
		return SignUpOutcome{}, wrapped
	}

	var user provider.User
	if res.User != nil {
		user = *res.User
	} else {
		user = res.Session.User
	}

	out := SignUpOutcome{User: user, Status: SignUpConfirmEmail}
	if res.Session != nil {
		out.Session = res.Session.Clone()
		out.Status = SignUpRegistered
		deps.Reconcile(ctx, res.Session)
		deps.MetricInc(deps.Metrics.Success)
	} else {
		deps.MetricInc(deps.Metrics.ConfirmPending)
	}

	deps.EnqueueProfile(ctx, user, req.Email, req.Username)

	deps.EmitAudit(ctx, deps.Event, true, user.ID, req.Email, nil, func() map[string]string {
		if out.Status == SignUpRegistered {
			return map[string]string{"status": "registered"}
		}
		return map[string]string{"status": "confirm_email"}
	})
	return out, nil
}

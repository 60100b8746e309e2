package flows

import (
	"context"
	"fmt"

	"github.com/indrasol/tmauth/provider"
)

type ChangePasswordMetrics struct {
	Success         int
	WrongCredential int
	Failure         int
}

type ChangePasswordDeps struct {
	Common

	CurrentSession     func() *provider.Session
	SignInWithPassword func(ctx context.Context, email, password string) (*provider.Session, error)
	UpdateUser         func(context.Context, provider.UserAttributes) (*provider.User, error)

	Event   string
	Metrics ChangePasswordMetrics
}

// RunChangePassword re-authenticates with the current password before
// touching the account. A failed re-authentication never reaches UpdateUser.
func RunChangePassword(ctx context.Context, currentPassword, newPassword string, deps ChangePasswordDeps) error {
	normalizeCommon(&deps.Common)
	if deps.CurrentSession == nil {
		deps.CurrentSession = func() *provider.Session { return nil }
	}

	if currentPassword == "" || newPassword == "" {
		deps.EmitAudit(ctx, deps.Event, false, "", "", deps.Errors.InvalidRequest, nil)
		return deps.Errors.InvalidRequest
	}

	sess := deps.CurrentSession()
	if sess == nil || sess.User.Email == "" {
		deps.EmitAudit(ctx, deps.Event, false, "", "", deps.Errors.MissingSession, nil)
		return deps.Errors.MissingSession
	}
	intent := Intent{Identifier: sess.User.Email, Email: sess.User.Email}

	if _, err := deps.SignInWithPassword(ctx, intent.Email, currentPassword); err != nil {
		wrapped := fmt.Errorf("%w: %v", deps.Errors.WrongCredential, err)
		deps.MetricInc(deps.Metrics.WrongCredential)
		deps.EmitAudit(ctx, deps.Event, false, sess.User.ID, intent.Email, wrapped, func() map[string]string {
			return map[string]string{"stage": "reauthenticate"}
		})
		return wrapped
	}

	if _, err := deps.UpdateUser(ctx, provider.UserAttributes{Password: newPassword}); err != nil {
		wrapped := deps.WrapProvider("update_user", err)
		deps.MetricInc(deps.Metrics.Failure)
		deps.EmitAudit(ctx, deps.Event, false, sess.User.ID, intent.Email, wrapped, func() map[string]string {
			return map[string]string{"stage": "update"}
		})
		return wrapped
	}

	deps.MetricInc(deps.Metrics.Success)
	deps.EmitAudit(ctx, deps.Event, true, sess.User.ID, intent.Email, nil, nil)
	return nil
}

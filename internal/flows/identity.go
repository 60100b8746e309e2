package flows

import (
	"context"
	"strings"

	"github.com/indrasol/tmauth/provider"
)

// Send actions passed to IdentityDeps.AllowSend.
const (
	SendOTP      = "otp"
	SendRecovery = "recovery"
)

type IdentityMetrics struct {
	SignInSuccess    int
	SignInFailure    int
	OTPSent          int
	OTPVerifySuccess int
	OTPVerifyFailure int
	ResolveFailure   int
	RecoverySent     int
	RateLimited      int
}

type IdentityEvents struct {
	SignIn     string
	OTPRequest string
	OTPVerify  string
	Recovery   string
}

// IdentityDeps serves every workflow that accepts a free-form identifier.
// None of them touch the session store: a successful provider call surfaces
// through the provider's event stream.
type IdentityDeps struct {
	Common

	Resolve   func(ctx context.Context, identifier string) (string, error)
	AllowSend func(ctx context.Context, action, email string) error

	SignInWithPassword    func(ctx context.Context, email, password string) (*provider.Session, error)
	SignInWithOTP         func(ctx context.Context, email string) error
	VerifyOTP             func(context.Context, provider.VerifyOTPRequest) (*provider.Session, error)
	ResetPasswordForEmail func(ctx context.Context, email, redirectTo string) error
	RecoveryRedirect      func(email string) (string, error)

	Events  IdentityEvents
	Metrics IdentityMetrics
}

func normalizeIdentityDeps(deps *IdentityDeps) {
	normalizeCommon(&deps.Common)
	if deps.AllowSend == nil {
		deps.AllowSend = func(context.Context, string, string) error { return nil }
	}
	if deps.RecoveryRedirect == nil {
		deps.RecoveryRedirect = func(string) (string, error) { return "", nil }
	}
}

func resolveIntent(ctx context.Context, event, identifier, code string, deps IdentityDeps) (Intent, error) {
	intent := Intent{Identifier: strings.TrimSpace(identifier), Code: strings.TrimSpace(code)}
	if intent.Identifier == "" {
		deps.EmitAudit(ctx, event, false, "", "", deps.Errors.InvalidRequest, nil)
		return intent, deps.Errors.InvalidRequest
	}
	email, err := deps.Resolve(ctx, intent.Identifier)
	if err != nil {
		deps.MetricInc(deps.Metrics.ResolveFailure)
		deps.EmitAudit(ctx, event, false, "", "", err, func() map[string]string {
			return map[string]string{"stage": "resolve"}
		})
		return intent, err
	}
	intent.Email = email
	return intent, nil
}

func allowSend(ctx context.Context, event, action string, intent Intent, deps IdentityDeps) error {
	if err := deps.AllowSend(ctx, action, intent.Email); err != nil {
		deps.MetricInc(deps.Metrics.RateLimited)
		deps.EmitAudit(ctx, event, false, "", intent.Email, err, func() map[string]string {
			return map[string]string{"stage": "throttle"}
		})
		return err
	}
	return nil
}

// RunSignIn resolves identifier and signs in with password.
func RunSignIn(ctx context.Context, identifier, password string, deps IdentityDeps) (Intent, error) {
	normalizeIdentityDeps(&deps)

	if password == "" {
		deps.EmitAudit(ctx, deps.Events.SignIn, false, "", "", deps.Errors.InvalidRequest, nil)
		return Intent{Identifier: identifier}, deps.Errors.InvalidRequest
	}
	intent, err := resolveIntent(ctx, deps.Events.SignIn, identifier, "", deps)
	if err != nil {
		return intent, err
	}

	sess, err := deps.SignInWithPassword(ctx, intent.Email, password)
	if err != nil {
		wrapped := deps.WrapProvider("sign_in_with_password", err)
		deps.MetricInc(deps.Metrics.SignInFailure)
		deps.EmitAudit(ctx, deps.Events.SignIn, false, "", intent.Email, wrapped, nil)
		return intent, wrapped
	}

	deps.MetricInc(deps.Metrics.SignInSuccess)
	deps.EmitAudit(ctx, deps.Events.SignIn, true, sess.UserID(), intent.Email, nil, nil)
	return intent, nil
}

// RunSignInWithOTP resolves identifier and asks the provider to send a
// one-time code.
func RunSignInWithOTP(ctx context.Context, identifier string, deps IdentityDeps) (Intent, error) {
	normalizeIdentityDeps(&deps)

	intent, err := resolveIntent(ctx, deps.Events.OTPRequest, identifier, "", deps)
	if err != nil {
		return intent, err
	}
	if err := allowSend(ctx, deps.Events.OTPRequest, SendOTP, intent, deps); err != nil {
		return intent, err
	}

	if err := deps.SignInWithOTP(ctx, intent.Email); err != nil {
		wrapped := deps.WrapProvider("sign_in_with_otp", err)
		deps.EmitAudit(ctx, deps.Events.OTPRequest, false, "", intent.Email, wrapped, nil)
		return intent, wrapped
	}

	deps.MetricInc(deps.Metrics.OTPSent)
	deps.EmitAudit(ctx, deps.Events.OTPRequest, true, "", intent.Email, nil, nil)
	return intent, nil
}

// RunVerifyOTP resolves identifier and verifies code as an email sign-in code.
func RunVerifyOTP(ctx context.Context, identifier, code string, deps IdentityDeps) (Intent, error) {
	normalizeIdentityDeps(&deps)

	if strings.TrimSpace(code) == "" {
		deps.EmitAudit(ctx, deps.Events.OTPVerify, false, "", "", deps.Errors.InvalidRequest, nil)
		return Intent{Identifier: identifier}, deps.Errors.InvalidRequest
	}
	intent, err := resolveIntent(ctx, deps.Events.OTPVerify, identifier, code, deps)
	if err != nil {
		return intent, err
	}

	sess, err := deps.VerifyOTP(ctx, provider.VerifyOTPRequest{
		Email: intent.Email,
		Token: intent.Code,
		Type:  provider.OTPEmail,
	})
	if err != nil {
		wrapped := deps.WrapProvider("verify_otp", err)
		deps.MetricInc(deps.Metrics.OTPVerifyFailure)
		deps.EmitAudit(ctx, deps.Events.OTPVerify, false, "", intent.Email, wrapped, nil)
		return intent, wrapped
	}

	deps.MetricInc(deps.Metrics.OTPVerifySuccess)
	deps.EmitAudit(ctx, deps.Events.OTPVerify, true, sess.UserID(), intent.Email, nil, nil)
	return intent, nil
}

// RunForgotPassword resolves identifier and requests a recovery email whose
// redirect target carries the resolved email. It returns that target.
func RunForgotPassword(ctx context.Context, identifier string, deps IdentityDeps) (string, error) {
	normalizeIdentityDeps(&deps)

	intent, err := resolveIntent(ctx, deps.Events.Recovery, identifier, "", deps)
	if err != nil {
		return "", err
	}
	redirect, err := deps.RecoveryRedirect(intent.Email)
	if err != nil {
		deps.EmitAudit(ctx, deps.Events.Recovery, false, "", intent.Email, err, nil)
		return "", err
	}
	if err := allowSend(ctx, deps.Events.Recovery, SendRecovery, intent, deps); err != nil {
		return "", err
	}

	if err := deps.ResetPasswordForEmail(ctx, intent.Email, redirect); err != nil {
		wrapped := deps.WrapProvider("reset_password_for_email", err)
		deps.EmitAudit(ctx, deps.Events.Recovery, false, "", intent.Email, wrapped, nil)
		return "", wrapped
	}

	deps.MetricInc(deps.Metrics.RecoverySent)
	deps.EmitAudit(ctx, deps.Events.Recovery, true, "", intent.Email, nil, nil)
	return redirect, nil
}

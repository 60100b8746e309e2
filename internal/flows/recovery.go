package flows

import (
	"context"
	"strings"

	"github.com/indrasol/tmauth/provider"
)

// ResetStep is a state of the code-exchange password reset.
//
//	Idle → TokenReceived → CodeExchanging → PasswordUpdating → Completed
//
// Failed is reachable from every non-terminal step. CodeExchanging is skipped
// when a session already exists.
type ResetStep uint8

const (
	ResetIdle ResetStep = iota
	ResetTokenReceived
	ResetCodeExchanging
	ResetPasswordUpdating
	ResetCompleted
	ResetFailed
)

func (s ResetStep) String() string {
	switch s {
	case ResetIdle:
		return "idle"
	case ResetTokenReceived:
		return "token_received"
	case ResetCodeExchanging:
		return "code_exchanging"
	case ResetPasswordUpdating:
		return "password_updating"
	case ResetCompleted:
		return "completed"
	case ResetFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends the reset.
func (s ResetStep) Terminal() bool {
	return s == ResetCompleted || s == ResetFailed
}

// ResetTransition is one state change. Err is set only when To is
// ResetFailed.
type ResetTransition struct {
	From ResetStep
	To   ResetStep
	Err  error
}

type resetMachine struct {
	state   ResetStep
	observe func(ResetTransition)
}

func (m *resetMachine) advance(to ResetStep) {
	if m.state.Terminal() {
		return
	}
	from := m.state
	m.state = to
	m.observe(ResetTransition{From: from, To: to})
}

func (m *resetMachine) fail(err error) error {
	if !m.state.Terminal() {
		from := m.state
		m.state = ResetFailed
		m.observe(ResetTransition{From: from, To: ResetFailed, Err: err})
	}
	return err
}

type RecoveryMetrics struct {
	ResetSuccess int
	ResetFailure int
}

type RecoveryEvents struct {
	ResetOTP       string
	ResetWithToken string
}

type RecoveryDeps struct {
	Common

	OTPEnabled          bool
	CodeExchangeEnabled bool

	CurrentSession func() *provider.Session
	VerifyOTP      func(context.Context, provider.VerifyOTPRequest) (*provider.Session, error)
	// ExchangeCode returns errors already mapped by the caller.
	ExchangeCode func(ctx context.Context, code string) (*provider.Session, error)
	// AwaitSession reports whether the store holds userID before its bound
	// elapses.
	AwaitSession func(ctx context.Context, userID string) bool
	UpdateUser   func(context.Context, provider.UserAttributes) (*provider.User, error)
	SignOut      func(context.Context) error
	OnTransition func(ResetTransition)

	Events  RecoveryEvents
	Metrics RecoveryMetrics
}

func normalizeRecoveryDeps(deps *RecoveryDeps) {
	normalizeCommon(&deps.Common)
	if deps.CurrentSession == nil {
		deps.CurrentSession = func() *provider.Session { return nil }
	}
	if deps.AwaitSession == nil {
		deps.AwaitSession = func(context.Context, string) bool { return true }
	}
	if deps.SignOut == nil {
		deps.SignOut = func(context.Context) error { return nil }
	}
	if deps.OnTransition == nil {
		deps.OnTransition = func(ResetTransition) {}
	}
}

// RunResetPasswordOTP verifies otp as a recovery code when given, which
// establishes a provider session, then updates the password under the
// current session.
func RunResetPasswordOTP(ctx context.Context, email, newPassword, otp string, deps RecoveryDeps) error {
	normalizeRecoveryDeps(&deps)
	event := deps.Events.ResetOTP

	if !deps.OTPEnabled {
		deps.EmitAudit(ctx, event, false, "", email, deps.Errors.StrategyDisabled, nil)
		return deps.Errors.StrategyDisabled
	}
	email = strings.TrimSpace(email)
	otp = strings.TrimSpace(otp)
	if newPassword == "" || (otp != "" && email == "") {
		deps.EmitAudit(ctx, event, false, "", email, deps.Errors.InvalidRequest, nil)
		return deps.Errors.InvalidRequest
	}

	if otp != "" {
		if _, err := deps.VerifyOTP(ctx, provider.VerifyOTPRequest{Email: email, Token: otp, Type: provider.OTPRecovery}); err != nil {
			wrapped := deps.WrapProvider("verify_otp", err)
			deps.MetricInc(deps.Metrics.ResetFailure)
			deps.EmitAudit(ctx, event, false, "", email, wrapped, func() map[string]string {
				return map[string]string{"stage": "verify"}
			})
			return wrapped
		}
	} else if deps.CurrentSession() == nil {
		deps.MetricInc(deps.Metrics.ResetFailure)
		deps.EmitAudit(ctx, event, false, "", email, deps.Errors.MissingSession, nil)
		return deps.Errors.MissingSession
	}

	user, err := deps.UpdateUser(ctx, provider.UserAttributes{Password: newPassword})
	if err != nil {
		wrapped := deps.WrapProvider("update_user", err)
		deps.MetricInc(deps.Metrics.ResetFailure)
		deps.EmitAudit(ctx, event, false, "", email, wrapped, func() map[string]string {
			return map[string]string{"stage": "update"}
		})
		return wrapped
	}

	deps.MetricInc(deps.Metrics.ResetSuccess)
	deps.EmitAudit(ctx, event, true, userID(user), email, nil, nil)
	return nil
}

// RunResetPasswordWithToken runs the code-exchange reset. Without a current
// session the one-time code is exchanged first. After the password update the
// session is always signed out so the caller re-authenticates with the new
// password.
func RunResetPasswordWithToken(ctx context.Context, newPassword, code string, deps RecoveryDeps) error {
	normalizeRecoveryDeps(&deps)
	event := deps.Events.ResetWithToken
	m := &resetMachine{state: ResetIdle, observe: deps.OnTransition}

	failed := func(stage string, err error) error {
		deps.MetricInc(deps.Metrics.ResetFailure)
		deps.EmitAudit(ctx, event, false, "", "", err, func() map[string]string {
			return map[string]string{"stage": stage}
		})
		return m.fail(err)
	}

	if !deps.CodeExchangeEnabled {
		deps.EmitAudit(ctx, event, false, "", "", deps.Errors.StrategyDisabled, nil)
		return m.fail(deps.Errors.StrategyDisabled)
	}
	if newPassword == "" {
		return failed(ResetIdle.String(), deps.Errors.InvalidRequest)
	}

	code = strings.TrimSpace(code)
	existing := deps.CurrentSession()
	if existing == nil && code == "" {
		return failed(ResetIdle.String(), deps.Errors.MissingSession)
	}
	m.advance(ResetTokenReceived)

	if existing == nil {
		m.advance(ResetCodeExchanging)
		sess, err := deps.ExchangeCode(ctx, code)
		if err != nil {
			return failed(ResetCodeExchanging.String(), err)
		}
		if sess == nil {
			return failed(ResetCodeExchanging.String(), deps.WrapProvider("exchange_code_for_session", errEmptyProviderResult))
		}
		if !deps.AwaitSession(ctx, sess.UserID()) {
			deps.Warn("exchanged session not observed before propagation bound, continuing")
		}
	}

	m.advance(ResetPasswordUpdating)
	user, err := deps.UpdateUser(ctx, provider.UserAttributes{Password: newPassword})
	if err != nil {
		return failed(ResetPasswordUpdating.String(), deps.WrapProvider("update_user", err))
	}

	if err := deps.SignOut(ctx); err != nil {
		deps.Warn("sign-out after password reset failed: %v", err)
	}
	m.advance(ResetCompleted)

	deps.MetricInc(deps.Metrics.ResetSuccess)
	deps.EmitAudit(ctx, event, true, userID(user), "", nil, nil)
	return nil
}

func userID(u *provider.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

package tmauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/indrasol/tmauth/internal/flows"
	"github.com/indrasol/tmauth/internal/rate"
	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/resolver"
	"github.com/sirupsen/logrus"
)

func (c *Client) common() flows.Common {
	return flows.Common{
		MetricInc: func(id int) { c.metrics.Inc(MetricID(id)) },
		EmitAudit: c.emitAudit,
		Warn:      func(format string, args ...any) { c.logger.Warnf(format, args...) },
		WrapProvider: func(op string, err error) error {
			return wrapProvider(op, err)
		},
		Errors: flows.Errors{
			InvalidRequest:       ErrInvalidRequest,
			IdentifierResolution: ErrIdentifierResolution,
			MissingSession:       ErrMissingSession,
			WrongCredential:      ErrWrongCredential,
			RateLimited:          ErrRateLimited,
			StrategyDisabled:     ErrPasswordResetStrategy,
		},
	}
}

// initFlows binds every flow to this Client once, at Build.
func (c *Client) initFlows() {
	common := c.common()
	p := c.provider

	c.flows = flows.Deps{
		SignUp: flows.SignUpDeps{
			Common:         common,
			SignUp:         p.SignUp,
			Reconcile:      c.reconcile,
			EnqueueProfile: func(ctx context.Context, u provider.User, email, username string) { c.enqueueProfile(ctx, u, email, username) },
			Event:          AuditSignUp,
			Metrics: flows.SignUpMetrics{
				Success:        int(MetricSignUpSuccess),
				ConfirmPending: int(MetricSignUpConfirmPending),
				Failure:        int(MetricSignUpFailure),
			},
		},
		Identity: flows.IdentityDeps{
			Common:                common,
			Resolve:               c.resolve,
			AllowSend:             c.allowSend,
			SignInWithPassword:    p.SignInWithPassword,
			SignInWithOTP:         p.SignInWithOTP,
			VerifyOTP:             p.VerifyOTP,
			ResetPasswordForEmail: p.ResetPasswordForEmail,
			RecoveryRedirect:      c.recoveryRedirect,
			Events: flows.IdentityEvents{
				SignIn:     AuditSignIn,
				OTPRequest: AuditOTPRequest,
				OTPVerify:  AuditOTPVerify,
				Recovery:   AuditRecoveryRequest,
			},
			Metrics: flows.IdentityMetrics{
				SignInSuccess:    int(MetricSignInSuccess),
				SignInFailure:    int(MetricSignInFailure),
				OTPSent:          int(MetricOTPSent),
				OTPVerifySuccess: int(MetricOTPVerifySuccess),
				OTPVerifyFailure: int(MetricOTPVerifyFailure),
				ResolveFailure:   int(MetricIdentifierResolveFailure),
				RecoverySent:     int(MetricRecoveryEmailSent),
				RateLimited:      int(MetricSendRateLimited),
			},
		},
		Recovery: flows.RecoveryDeps{
			Common:              common,
			OTPEnabled:          c.cfg.Recovery.Strategy == ResetOTP,
			CodeExchangeEnabled: c.cfg.Recovery.Strategy == ResetCodeExchange,
			CurrentSession:      c.store.current,
			VerifyOTP:           p.VerifyOTP,
			ExchangeCode:        c.exchangeCode,
			AwaitSession: func(ctx context.Context, userID string) bool {
				return c.store.waitForUser(ctx, userID, c.cfg.Recovery.PropagationDelay)
			},
			UpdateUser:   p.UpdateUser,
			SignOut:      c.signOut,
			OnTransition: c.observeResetStep,
			Events: flows.RecoveryEvents{
				ResetOTP:       AuditPasswordResetOTP,
				ResetWithToken: AuditPasswordResetToken,
			},
			Metrics: flows.RecoveryMetrics{
				ResetSuccess: int(MetricPasswordResetSuccess),
				ResetFailure: int(MetricPasswordResetFailure),
			},
		},
		ChangePassword: flows.ChangePasswordDeps{
			Common:             common,
			CurrentSession:     c.store.current,
			SignInWithPassword: p.SignInWithPassword,
			UpdateUser:         p.UpdateUser,
			Event:              AuditPasswordChange,
			Metrics: flows.ChangePasswordMetrics{
				Success:         int(MetricPasswordChangeSuccess),
				WrongCredential: int(MetricPasswordChangeWrongCredential),
				Failure:         int(MetricPasswordChangeFailure),
			},
		},
	}
}

func (c *Client) resolve(ctx context.Context, identifier string) (string, error) {
	email, err := c.resolver.Resolve(ctx, identifier)
	if err != nil {
		c.logger.WithError(err).Warn("identifier resolution failed")
		return "", err
	}
	return email, nil
}

// forgetRejected drops the cached email of a username the provider just
// rejected, so a username whose email changed resolves afresh next time.
func (c *Client) forgetRejected(identifier string, err error) {
	var pe *ProviderError
	if err == nil || resolver.IsEmail(identifier) || !errors.As(err, &pe) {
		return
	}
	c.resolver.Forget(identifier)
}

// allowSend applies the send throttle. Redis outages fail open.
func (c *Client) allowSend(ctx context.Context, action, email string) error {
	if c.limiter == nil {
		return nil
	}
	err := c.limiter.AllowSend(ctx, action, email)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rate.ErrRateLimited):
		return ErrRateLimited
	default:
		c.logger.WithError(err).WithField("action", action).Warn("send throttle unavailable, allowing send")
		return nil
	}
}

// recoveryRedirect builds the recovery landing URL carrying email. An empty
// RedirectURL leaves the choice to the provider.
func (c *Client) recoveryRedirect(email string) (string, error) {
	raw := c.cfg.Recovery.RedirectURL
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: recovery redirect: %v", ErrInvalidRequest, err)
	}
	q := u.Query()
	q.Set(c.cfg.Recovery.EmailParam, email)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) exchangeCode(ctx context.Context, code string) (*Session, error) {
	sess, err := c.provider.ExchangeCodeForSession(ctx, code)
	if err != nil {
		c.metrics.Inc(MetricCodeExchangeFailure)
		c.logger.WithError(err).Warn("code exchange failed")
		return nil, wrapProvider("exchange_code_for_session", err)
	}
	return sess, nil
}

// signOut ends the provider session and clears local state. Local state is
// cleared even when the provider call fails.
func (c *Client) signOut(ctx context.Context) error {
	uid := c.store.current().UserID()
	perr := c.provider.SignOut(ctx)
	c.reconcile(ctx, nil)
	c.metrics.Inc(MetricSignOut)
	if perr != nil {
		c.logger.WithError(perr).Warn("provider sign-out failed, local session cleared")
		wrapped := wrapProvider("sign_out", perr)
		c.emitAudit(ctx, AuditSignOut, false, uid, "", wrapped, nil)
		return wrapped
	}
	c.emitAudit(ctx, AuditSignOut, true, uid, "", nil, nil)
	return nil
}

func (c *Client) observeResetStep(t ResetTransition) {
	entry := c.logger.WithFields(logrus.Fields{"from": t.From.String(), "to": t.To.String()})
	if t.Err != nil {
		entry.WithError(t.Err).Warn("password reset failed")
	} else {
		entry.Debug("password reset step")
	}
	if c.onResetStep != nil {
		c.onResetStep(t)
	}
}

// SignUp creates an account. When the provider returns a session it becomes
// current immediately; otherwise the account awaits email confirmation.
// Backend profile creation is queued in both cases and never fails the call.
func (c *Client) SignUp(ctx context.Context, email, password, username string) (res *SignUpResult, err error) {
	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	ctx, end := c.begin(ctx, "signup")
	defer func() { end(err) }()

	deps := c.flows.SignUp
	var taskID string
	deps.EnqueueProfile = func(ctx context.Context, u provider.User, email, username string) {
		taskID = c.enqueueProfile(ctx, u, email, username)
	}

	out, err := flows.RunSignUp(ctx, provider.SignUpRequest{Email: email, Password: password, Username: username}, deps)
	if err != nil {
		return nil, err
	}
	status := StatusConfirmEmail
	if out.Status == flows.SignUpRegistered {
		status = StatusRegistered
	}
	return &SignUpResult{User: out.User, Session: out.Session, Status: status, ProfileTaskID: taskID}, nil
}

// SignIn resolves identifier and signs in with password. The session
// arrives through the provider's event stream.
func (c *Client) SignIn(ctx context.Context, identifier, password string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "signin")
	defer func() { end(err) }()

	_, err = flows.RunSignIn(ctx, identifier, password, c.flows.Identity)
	c.forgetRejected(identifier, err)
	return err
}

// SignInWithOTP resolves identifier and requests a one-time code.
func (c *Client) SignInWithOTP(ctx context.Context, identifier string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "signin_with_otp")
	defer func() { end(err) }()

	_, err = flows.RunSignInWithOTP(ctx, identifier, c.flows.Identity)
	return err
}

// VerifyOTP resolves identifier and verifies code as an email sign-in code.
func (c *Client) VerifyOTP(ctx context.Context, identifier, code string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "verify_otp")
	defer func() { end(err) }()

	_, err = flows.RunVerifyOTP(ctx, identifier, code, c.flows.Identity)
	c.forgetRejected(identifier, err)
	return err
}

// ForgotPassword resolves identifier and requests a recovery email. The
// returned redirect target carries the resolved email.
func (c *Client) ForgotPassword(ctx context.Context, identifier string) (redirect string, err error) {
	if err := c.ensureRunning(); err != nil {
		return "", err
	}
	ctx, end := c.begin(ctx, "forgot_password")
	defer func() { end(err) }()

	return flows.RunForgotPassword(ctx, identifier, c.flows.Identity)
}

// ExchangeCodeForSession trades a magic-link or recovery code for a session.
// The session becomes current through the provider's event stream.
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (sess *Session, err error) {
	if err := c.ensureRunning(); err != nil {
		return nil, err
	}
	ctx, end := c.begin(ctx, "exchange_code")
	defer func() { end(err) }()

	if code == "" {
		c.emitAudit(ctx, AuditCodeExchange, false, "", "", ErrInvalidRequest, nil)
		return nil, ErrInvalidRequest
	}
	sess, err = c.exchangeCode(ctx, code)
	if err != nil {
		c.emitAudit(ctx, AuditCodeExchange, false, "", "", err, nil)
		return nil, err
	}
	c.emitAudit(ctx, AuditCodeExchange, true, sess.UserID(), sess.User.Email, nil, nil)
	return sess, nil
}

// SignOut ends the session at the provider and locally. The local session
// is cleared even when the provider call fails.
func (c *Client) SignOut(ctx context.Context) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "signout")
	defer func() { end(err) }()

	return c.signOut(ctx)
}

// OnPasswordRecovery registers fn for every PasswordRecovery event, which
// the provider emits when a recovery code or link is consumed. Calls to fn are
// serialized in event order on their own goroutine and are queued while fn
// runs, so a slow fn never holds up the provider's event stream. Close does
// not wait for a call in progress. The returned func unsubscribes.
func (c *Client) OnPasswordRecovery(fn func(*Session)) func() {
	if fn == nil || c.closed.Load() {
		return func() {}
	}
	events, cancel := c.provider.Subscribe()
	done := make(chan struct{})

	var (
		mu      sync.Mutex
		pending []*Session
	)
	wake := make(chan struct{}, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-c.stop:
				cancel()
				return
			case ev := <-events:
				if ev.Kind != provider.PasswordRecovery {
					continue
				}
				mu.Lock()
				pending = append(pending, ev.Session.Clone())
				mu.Unlock()
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-c.stop:
				return
			case <-wake:
			}
			for {
				mu.Lock()
				if len(pending) == 0 {
					mu.Unlock()
					break
				}
				next := pending[0]
				pending = pending[1:]
				mu.Unlock()
				c.deliverRecovery(fn, next)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
}

func (c *Client) deliverRecovery(fn func(*Session), s *Session) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("password recovery callback panicked")
		}
	}()
	fn(s)
}

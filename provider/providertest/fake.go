// Package providertest provides an in-memory [provider.IdentityProvider] for
// tests. It keeps one current session, counts every capability call, and
// publishes the same events a real adapter would.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/indrasol/tmauth/provider"
)

var (
	// ErrInvalidCredentials is returned for unknown emails or wrong passwords.
	ErrInvalidCredentials = errors.New("invalid login credentials")
	// ErrInvalidCode is returned for unknown one-time codes.
	ErrInvalidCode = errors.New("invalid or expired code")
	// ErrNoSession is returned by UpdateUser without a current session.
	ErrNoSession = errors.New("auth session missing")
)

// Operation names accepted by [Fake.Calls].
const (
	OpSignUp                 = "SignUp"
	OpSignInWithPassword     = "SignInWithPassword"
	OpSignInWithOTP          = "SignInWithOTP"
	OpVerifyOTP              = "VerifyOTP"
	OpResetPasswordForEmail  = "ResetPasswordForEmail"
	OpUpdateUser             = "UpdateUser"
	OpExchangeCodeForSession = "ExchangeCodeForSession"
	OpGetSession             = "GetSession"
	OpSignOut                = "SignOut"
)

type account struct {
	user     provider.User
	password string
}

// RecoveryRequest records one ResetPasswordForEmail call.
type RecoveryRequest struct {
	Email      string
	RedirectTo string
}

// Fake is a scripted identity provider. The zero value is not usable; call
// [New].
type Fake struct {
	// SignUpResult, when set, is returned verbatim by SignUp instead of
	// creating an account.
	SignUpResult *provider.SignUpResult
	// AutoConfirm makes SignUp return a session alongside the user.
	AutoConfirm bool
	// Errors forces an operation to fail with the given error.
	Errors map[string]error

	events *provider.Broadcaster

	mu        sync.Mutex
	accounts  map[string]*account
	otps      map[string]string
	codes     map[string]string
	recovery  map[string]bool
	current   *provider.Session
	calls     map[string]int
	recovered []RecoveryRequest
	nextID    int
	nextToken int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Errors:   make(map[string]error),
		events:   provider.NewBroadcaster(64),
		accounts: make(map[string]*account),
		otps:     make(map[string]string),
		codes:    make(map[string]string),
		recovery: make(map[string]bool),
		calls:    make(map[string]int),
	}
}

// AddUser registers an account and returns its user record.
func (f *Fake) AddUser(email, password, username string) provider.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addUserLocked(email, password, username).user
}

func (f *Fake) addUserLocked(email, password, username string) *account {
	f.nextID++
	acc := &account{
		user:     provider.User{ID: fmt.Sprintf("user-%d", f.nextID), Email: email, Username: username},
		password: password,
	}
	f.accounts[email] = acc
	return acc
}

// IssueOTP makes code valid for email on the next VerifyOTP.
func (f *Fake) IssueOTP(email, code string) {
	f.mu.Lock()
	f.otps[email] = code
	f.mu.Unlock()
}

// IssueCode makes code exchangeable for a session of email. Recovery codes
// emit PasswordRecovery instead of SignedIn.
func (f *Fake) IssueCode(code, email string, recovery bool) {
	f.mu.Lock()
	f.codes[code] = email
	f.recovery[code] = recovery
	f.mu.Unlock()
}

// SetSession installs s as the current session without emitting an event,
// as if it had been restored from storage.
func (f *Fake) SetSession(s *provider.Session) {
	f.mu.Lock()
	f.current = s.Clone()
	f.mu.Unlock()
}

// Emit publishes ev and adopts its session as the provider's current one.
func (f *Fake) Emit(ev provider.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Kind == provider.SignedOut {
		f.current = nil
	} else {
		f.current = ev.Session.Clone()
	}
	f.events.Publish(context.Background(), ev)
}

// Refresh rotates the access token of the current session and emits
// TokenRefreshed.
func (f *Fake) Refresh() (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, ErrNoSession
	}
	next := f.sessionLocked(f.current.User)
	f.current = next
	f.events.Publish(context.Background(), provider.Event{Kind: provider.TokenRefreshed, Session: next})
	return next.Clone(), nil
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Password returns the stored password of email.
func (f *Fake) Password(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.accounts[email]; ok {
		return acc.password
	}
	return ""
}

// RecoveryRequests returns every recorded recovery email request.
func (f *Fake) RecoveryRequests() []RecoveryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecoveryRequest(nil), f.recovered...)
}

// Current returns the provider-side session.
func (f *Fake) Current() *provider.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone()
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	return f.Errors[op]
}

func (f *Fake) sessionLocked(u provider.User) *provider.Session {
	f.nextToken++
	return &provider.Session{
		AccessToken:  fmt.Sprintf("access-%s-%d", u.ID, f.nextToken),
		RefreshToken: fmt.Sprintf("refresh-%s-%d", u.ID, f.nextToken),
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		User:         u,
	}
}

func (f *Fake) establishLocked(kind provider.EventKind, u provider.User) *provider.Session {
	s := f.sessionLocked(u)
	f.current = s
	f.events.Publish(context.Background(), provider.Event{Kind: kind, Session: s})
	return s.Clone()
}

func (f *Fake) SignUp(_ context.Context, req provider.SignUpRequest) (*provider.SignUpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSignUp); err != nil {
		return nil, err
	}
	if f.SignUpResult != nil {
		out := &provider.SignUpResult{Session: f.SignUpResult.Session.Clone()}
		if f.SignUpResult.User != nil {
			u := *f.SignUpResult.User
			out.User = &u
		}
		if out.Session != nil {
			f.current = out.Session.Clone()
			f.events.Publish(context.Background(), provider.Event{Kind: provider.SignedIn, Session: out.Session})
		}
		return out, nil
	}
	if _, exists := f.accounts[req.Email]; exists {
		return nil, errors.New("user already registered")
	}

	acc := f.addUserLocked(req.Email, req.Password, req.Username)
	u := acc.user
	out := &provider.SignUpResult{User: &u}
	if f.AutoConfirm {
		out.Session = f.establishLocked(provider.SignedIn, u)
	}
	return out, nil
}

func (f *Fake) SignInWithPassword(_ context.Context, email, password string) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSignInWithPassword); err != nil {
		return nil, err
	}
	acc, ok := f.accounts[email]
	if !ok || acc.password != password {
		return nil, ErrInvalidCredentials
	}
	return f.establishLocked(provider.SignedIn, acc.user), nil
}

func (f *Fake) SignInWithOTP(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSignInWithOTP); err != nil {
		return err
	}
	if _, ok := f.accounts[email]; !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func (f *Fake) VerifyOTP(_ context.Context, req provider.VerifyOTPRequest) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpVerifyOTP); err != nil {
		return nil, err
	}
	acc, ok := f.accounts[req.Email]
	if !ok || f.otps[req.Email] == "" || f.otps[req.Email] != req.Token {
		return nil, ErrInvalidCode
	}
	delete(f.otps, req.Email)

	kind := provider.SignedIn
	if req.Type == provider.OTPRecovery {
		kind = provider.PasswordRecovery
	}
	return f.establishLocked(kind, acc.user), nil
}

func (f *Fake) ResetPasswordForEmail(_ context.Context, email, redirectTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpResetPasswordForEmail); err != nil {
		return err
	}
	f.recovered = append(f.recovered, RecoveryRequest{Email: email, RedirectTo: redirectTo})
	return nil
}

func (f *Fake) UpdateUser(_ context.Context, attrs provider.UserAttributes) (*provider.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpUpdateUser); err != nil {
		return nil, err
	}
	if f.current == nil {
		return nil, ErrNoSession
	}
	acc, ok := f.accounts[f.current.User.Email]
	if !ok {
		return nil, ErrNoSession
	}
	if attrs.Password != "" {
		acc.password = attrs.Password
	}
	u := acc.user
	return &u, nil
}

func (f *Fake) ExchangeCodeForSession(_ context.Context, code string) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpExchangeCodeForSession); err != nil {
		return nil, err
	}
	email, ok := f.codes[code]
	if !ok {
		return nil, ErrInvalidCode
	}
	recovery := f.recovery[code]
	delete(f.codes, code)
	delete(f.recovery, code)

	acc, ok := f.accounts[email]
	if !ok {
		return nil, ErrInvalidCode
	}
	kind := provider.SignedIn
	if recovery {
		kind = provider.PasswordRecovery
	}
	return f.establishLocked(kind, acc.user), nil
}

func (f *Fake) GetSession(_ context.Context) (*provider.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpGetSession); err != nil {
		return nil, err
	}
	return f.current.Clone(), nil
}

func (f *Fake) Subscribe() (<-chan provider.Event, func()) {
	return f.events.Subscribe()
}

func (f *Fake) SignOut(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(OpSignOut); err != nil {
		return err
	}
	f.current = nil
	f.events.Publish(context.Background(), provider.Event{Kind: provider.SignedOut})
	return nil
}

var _ provider.IdentityProvider = (*Fake)(nil)

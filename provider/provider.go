package provider

import (
	"context"
	"time"
)

// User is an immutable snapshot of the provider's user record.
type User struct {
	ID       string
	Email    string
	Username string
}

// Session is provider-issued proof of authentication. Values are replaced,
// never mutated, once handed to a consumer.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Clone returns a deep copy of s. A nil session clones to nil.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// UserID returns the session user id, or "" for a nil session.
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired reports whether the access token is expired at now, allowing skew.
func (s *Session) Expired(now time.Time, skew time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

// OTPType selects the verification context of a one-time code.
type OTPType string

const (
	// OTPEmail verifies a sign-in code sent by SignInWithOTP.
	OTPEmail OTPType = "email"
	// OTPRecovery verifies a password-recovery code.
	OTPRecovery OTPType = "recovery"
	// OTPSignup verifies an email-confirmation code.
	OTPSignup OTPType = "signup"
)

// SignUpRequest is the input for [IdentityProvider.SignUp].
type SignUpRequest struct {
	Email    string
	Password string
	Username string
}

// SignUpResult carries whatever the provider returned. Either field may be nil:
// a user without a session means email confirmation is pending.
type SignUpResult struct {
	User    *User
	Session *Session
}

// VerifyOTPRequest is the input for [IdentityProvider.VerifyOTP].
type VerifyOTPRequest struct {
	Email string
	Token string
	Type  OTPType
}

// UserAttributes lists the mutable attributes of the current user. Empty
// fields are left unchanged.
type UserAttributes struct {
	Password string
}

// IdentityProvider is the external system of record for credentials and
// session issuance. Implementations emit an [Event] on Subscribe streams for
// every change of their current session.
type IdentityProvider interface {
	SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignInWithOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*Session, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	GetSession(ctx context.Context) (*Session, error)
	Subscribe() (<-chan Event, func())
	SignOut(ctx context.Context) error
}

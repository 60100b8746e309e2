package tmauth

import (
	"github.com/indrasol/tmauth/internal/flows"
	"github.com/indrasol/tmauth/provider"
)

// Session is the provider-issued session held by the Client. Values handed
// out by the Client are copies.
type Session = provider.Session

// User is an immutable snapshot of the signed-in user.
type User = provider.User

// SignUpStatus reports whether a new account is usable immediately.
type SignUpStatus uint8

const (
	// StatusRegistered means the provider returned a session.
	StatusRegistered SignUpStatus = iota + 1
	// StatusConfirmEmail means the account exists but the email must be
	// confirmed before signing in.
	StatusConfirmEmail
)

// Message returns the user-facing confirmation text for s.
func (s SignUpStatus) Message() string {
	switch s {
	case StatusRegistered:
		return "User registered successfully"
	case StatusConfirmEmail:
		return "User registered successfully. Please check your email for confirmation."
	default:
		return ""
	}
}

func (s SignUpStatus) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusConfirmEmail:
		return "confirm_email"
	default:
		return "unknown"
	}
}

// SignUpResult is returned by SignUp.
type SignUpResult struct {
	User    User
	Session *Session
	Status  SignUpStatus
	// ProfileTaskID identifies the queued profile creation, empty when the
	// profile could not be queued.
	ProfileTaskID string
}

// Message is shorthand for Status.Message.
func (r *SignUpResult) Message() string {
	if r == nil {
		return ""
	}
	return r.Status.Message()
}

// IdentityChange is delivered to identity subscribers when the current user
// changes, including sign-in from nothing and sign-out. Token refreshes for
// the same user are not identity changes.
type IdentityChange struct {
	Previous *User
	Current  *User
}

// SignedIn reports whether the change ends with a user.
func (c IdentityChange) SignedIn() bool {
	return c.Current != nil
}

// ResetStep is a state of the code-exchange password reset.
type ResetStep = flows.ResetStep

// ResetTransition is one state change of the code-exchange password reset.
type ResetTransition = flows.ResetTransition

const (
	ResetIdle             = flows.ResetIdle
	ResetTokenReceived    = flows.ResetTokenReceived
	ResetCodeExchanging   = flows.ResetCodeExchanging
	ResetPasswordUpdating = flows.ResetPasswordUpdating
	ResetCompleted        = flows.ResetCompleted
	ResetFailed           = flows.ResetFailed
)

package tmauth

import (
	"context"

	"github.com/indrasol/tmauth/internal/flows"
)

// ResetPassword is the one-time-code reset, enabled by ResetOTP. A non-empty
// otp is verified as a recovery code for email first, which establishes a
// session; without otp the current session is used. The session stays
// signed in afterwards.
func (c *Client) ResetPassword(ctx context.Context, email, newPassword, otp string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "reset_password")
	defer func() { end(err) }()

	return flows.RunResetPasswordOTP(ctx, email, newPassword, otp, c.flows.Recovery)
}

// ResetPasswordWithToken is the code-exchange reset, enabled by
// ResetCodeExchange. Without a current session code is exchanged first and
// the Client waits up to Recovery.PropagationDelay for the new session to
// become current. After the password update the session is always signed
// out, so the user re-authenticates with the new password.
func (c *Client) ResetPasswordWithToken(ctx context.Context, newPassword, code string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "reset_password_with_token")
	defer func() { end(err) }()

	return flows.RunResetPasswordWithToken(ctx, newPassword, code, c.flows.Recovery)
}

// ChangePassword re-authenticates the current user with currentPassword and
// then sets newPassword. A wrong current password returns
// ErrWrongCredential and leaves the account untouched.
func (c *Client) ChangePassword(ctx context.Context, currentPassword, newPassword string) (err error) {
	if err := c.ensureRunning(); err != nil {
		return err
	}
	ctx, end := c.begin(ctx, "change_password")
	defer func() { end(err) }()

	return flows.RunChangePassword(ctx, currentPassword, newPassword, c.flows.ChangePassword)
}

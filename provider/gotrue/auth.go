package gotrue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/indrasol/tmauth/provider"
	"golang.org/x/oauth2"
)

// recoverySuffix marks a stored verifier as belonging to a recovery email, so
// the exchange can announce PasswordRecovery instead of SignedIn.
const recoverySuffix = "/PASSWORD_RECOVERY"

type pkceParams struct {
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// startPKCE stores a fresh verifier and returns its challenge.
func (c *Client) startPKCE(ctx context.Context, recovery bool) (pkceParams, error) {
	verifier := oauth2.GenerateVerifier()
	stored := verifier
	if recovery {
		stored += recoverySuffix
	}
	if err := c.store.SaveCodeVerifier(ctx, stored); err != nil {
		return pkceParams{}, fmt.Errorf("store code verifier: %w", err)
	}
	return pkceParams{
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "s256",
	}, nil
}

type signUpResponse struct {
	tokenResponse
	userResponse
}

// SignUp registers an account. The result carries a session when the server
// auto-confirms, only a user when confirmation is pending.
func (c *Client) SignUp(ctx context.Context, req provider.SignUpRequest) (*provider.SignUpResult, error) {
	pkce, err := c.startPKCE(ctx, false)
	if err != nil {
		return nil, err
	}
	body := struct {
		Email    string            `json:"email"`
		Password string            `json:"password"`
		Data     map[string]string `json:"data,omitempty"`
		pkceParams
	}{Email: req.Email, Password: req.Password, pkceParams: pkce}
	if req.Username != "" {
		body.Data = map[string]string{"username": req.Username}
	}

	var resp signUpResponse
	if err := c.call(ctx, http.MethodPost, "signup", nil, "", body, &resp); err != nil {
		return nil, err
	}

	if resp.AccessToken != "" {
		s, err := c.toSession(&resp.tokenResponse)
		if err != nil {
			return nil, err
		}
		c.commit(ctx, s, provider.SignedIn, "")
		user := s.User
		return &provider.SignUpResult{User: &user, Session: s.Clone()}, nil
	}
	if resp.ID != "" {
		user := resp.userResponse.toUser()
		return &provider.SignUpResult{User: &user}, nil
	}
	return &provider.SignUpResult{}, nil
}

// SignInWithPassword uses the password grant.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	var resp tokenResponse
	err := c.call(ctx, http.MethodPost, "token", url.Values{"grant_type": {"password"}}, "",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, &resp, provider.SignedIn)
}

// SignInWithOTP emails a one-time code to an existing account.
func (c *Client) SignInWithOTP(ctx context.Context, email string) error {
	pkce, err := c.startPKCE(ctx, false)
	if err != nil {
		return err
	}
	body := struct {
		Email      string `json:"email"`
		CreateUser bool   `json:"create_user"`
		pkceParams
	}{Email: email, pkceParams: pkce}
	return c.call(ctx, http.MethodPost, "otp", nil, "", body, nil)
}

// VerifyOTP trades a one-time code for a session. Recovery codes announce
// PasswordRecovery.
func (c *Client) VerifyOTP(ctx context.Context, req provider.VerifyOTPRequest) (*provider.Session, error) {
	otpType := req.Type
	if otpType == "" {
		otpType = provider.OTPEmail
	}
	var resp tokenResponse
	err := c.call(ctx, http.MethodPost, "verify", nil, "", map[string]string{
		"type":  string(otpType),
		"email": req.Email,
		"token": req.Token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	kind := provider.SignedIn
	if otpType == provider.OTPRecovery {
		kind = provider.PasswordRecovery
	}
	return c.establish(ctx, &resp, kind)
}

// ResetPasswordForEmail sends a recovery email. redirectTo may be empty.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	pkce, err := c.startPKCE(ctx, true)
	if err != nil {
		return err
	}
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	body := struct {
		Email string `json:"email"`
		pkceParams
	}{Email: email, pkceParams: pkce}
	return c.call(ctx, http.MethodPost, "recover", query, "", body, nil)
}

// ExchangeCodeForSession redeems an email-link code with the pending verifier.
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	stored, err := c.store.TakeCodeVerifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("load code verifier: %w", err)
	}
	if stored == "" {
		return nil, ErrMissingVerifier
	}
	verifier, recovery := strings.CutSuffix(stored, recoverySuffix)

	var resp tokenResponse
	err = c.call(ctx, http.MethodPost, "token", url.Values{"grant_type": {"pkce"}}, "",
		map[string]string{"auth_code": code, "code_verifier": verifier}, &resp)
	if err != nil {
		return nil, err
	}
	kind := provider.SignedIn
	if recovery {
		kind = provider.PasswordRecovery
	}
	return c.establish(ctx, &resp, kind)
}

// UpdateUser changes attributes of the signed-in user. The stored session
// picks up the returned user without emitting an event.
func (c *Client) UpdateUser(ctx context.Context, attrs provider.UserAttributes) (*provider.User, error) {
	cur, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNoSession
	}

	body := map[string]string{}
	if attrs.Password != "" {
		body["password"] = attrs.Password
	}
	var resp userResponse
	if err := c.call(ctx, http.MethodPut, "user", nil, cur.AccessToken, body, &resp); err != nil {
		return nil, err
	}
	user := resp.toUser()
	if user.ID == "" {
		user = cur.User
	}

	c.mu.Lock()
	if c.current != nil && c.current.AccessToken == cur.AccessToken {
		c.current.User = user
		if err := c.store.Save(ctx, toRecord(c.current, c.now())); err != nil {
			c.logger.WithError(err).Warn("persist session failed")
		}
	}
	c.mu.Unlock()
	return &user, nil
}

// SignOut revokes the session server-side and always clears it locally. A
// server that no longer knows the session is not an error.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		c.logger.WithError(err).Warn("load session before sign-out failed")
	}
	cur := c.snapshot()

	var result error
	if cur != nil {
		err := c.call(ctx, http.MethodPost, "logout", url.Values{"scope": {"local"}}, cur.AccessToken, nil, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				err = nil
			}
		}
		result = err
	}
	c.clear(ctx)
	return result
}

func (c *Client) establish(ctx context.Context, resp *tokenResponse, kind provider.EventKind) (*provider.Session, error) {
	s, err := c.toSession(resp)
	if err != nil {
		return nil, err
	}
	c.commit(ctx, s, kind, "")
	return s.Clone(), nil
}

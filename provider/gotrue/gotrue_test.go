package gotrue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/session"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func signToken(t *testing.T, secret []byte, sub, email, username string, exp time.Time) string {
	t.Helper()
	claims := gojwt.MapClaims{
		"sub":   sub,
		"email": email,
		"exp":   exp.Unix(),
		"user_metadata": map[string]any{
			"username": username,
		},
	}
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return tok
}

// fakeServer emulates the subset of the GoTrue REST surface the adapter uses.
type fakeServer struct {
	t      *testing.T
	secret []byte

	mu            sync.Mutex
	requests      []string
	bodies        map[string]map[string]any
	bearer        map[string]string
	challenge     string
	refreshHits   atomic.Int32
	refreshGate   chan struct{}
	logoutCode    int
	rejectRefresh bool
	omitUser      bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{
		t:      t,
		secret: testSecret,
		bodies: make(map[string]map[string]any),
		bearer: make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) grant(w http.ResponseWriter, user, email, suffix string) {
	exp := time.Now().Add(time.Hour)
	resp := map[string]any{
		"access_token":  signToken(f.t, f.secret, user, email, "alice", exp),
		"refresh_token": "refresh-" + suffix,
		"expires_in":    3600,
		"token_type":    "bearer",
	}
	if !f.omitUser {
		resp["user"] = map[string]any{
			"id":            user,
			"email":         email,
			"user_metadata": map[string]any{"username": "alice"},
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	if gt := r.URL.Query().Get("grant_type"); gt != "" {
		key += "?" + gt
	}
	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	f.mu.Lock()
	f.requests = append(f.requests, key)
	f.bodies[key] = body
	f.bearer[key] = r.Header.Get("Authorization")
	if c, ok := body["code_challenge"].(string); ok {
		f.challenge = c
	}
	challenge := f.challenge
	logoutCode := f.logoutCode
	reject := f.rejectRefresh
	gate := f.refreshGate
	f.mu.Unlock()

	if r.Header.Get("apikey") != "anon-key" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "no api key"})
		return
	}

	switch key {
	case "POST /auth/v1/signup":
		if body["email"] == "confirm@example.com" {
			writeJSON(w, http.StatusOK, map[string]any{"id": "user-2", "email": "confirm@example.com"})
			return
		}
		if body["email"] == "empty@example.com" {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		f.grant(w, "user-1", body["email"].(string), "signup")
	case "POST /auth/v1/token?password":
		if body["password"] != "correct" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"})
			return
		}
		f.grant(w, "user-1", body["email"].(string), "password")
	case "POST /auth/v1/token?refresh_token":
		f.refreshHits.Add(1)
		if gate != nil {
			<-gate
		}
		if reject {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token"})
			return
		}
		f.grant(w, "user-1", "a@b.com", "rotated")
	case "POST /auth/v1/token?pkce":
		verifier, _ := body["code_verifier"].(string)
		if oauth2.S256ChallengeFromVerifier(verifier) != challenge || body["auth_code"] != "good-code" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error_code": "bad_code_verifier", "msg": "code challenge does not match"})
			return
		}
		f.grant(w, "user-1", "a@b.com", "pkce")
	case "POST /auth/v1/otp", "POST /auth/v1/recover":
		writeJSON(w, http.StatusOK, map[string]any{})
	case "POST /auth/v1/verify":
		if body["token"] != "123456" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error_code": "otp_expired", "msg": "Token has expired or is invalid"})
			return
		}
		f.grant(w, "user-1", body["email"].(string), "otp")
	case "PUT /auth/v1/user":
		writeJSON(w, http.StatusOK, map[string]any{"id": "user-1", "email": "a@b.com", "user_metadata": map[string]any{"username": "alice"}})
	case "POST /auth/v1/logout":
		if logoutCode != 0 {
			writeJSON(w, logoutCode, map[string]string{"msg": "logout failed"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "no route " + key})
	}
}

func (f *fakeServer) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, k := range f.requests {
		if k == key {
			n++
		}
	}
	return n
}

func (f *fakeServer) authorization(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bearer[key]
}

func (f *fakeServer) body(key string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[key]
}

func newTestClient(t *testing.T, srv *httptest.Server, store session.Store, secret []byte) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c, err := New(Config{
		URL:         srv.URL + "/auth/v1",
		APIKey:      "anon-key",
		Timeout:     2 * time.Second,
		EventBuffer: 16,
		JWTSecret:   secret,
	}, store, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, ch <-chan provider.Event) provider.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for provider event")
	}
	return provider.Event{}
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "ftp://auth.example.com"}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{URL: "://"}, nil, nil)
	require.Error(t, err)
}

func TestSignInPersistsAndPublishes(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	c := newTestClient(t, srv, store, testSecret)
	events, cancel := c.Subscribe()
	defer cancel()

	sess, err := c.SignInWithPassword(context.Background(), "a@b.com", "correct")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.User.ID)
	assert.Equal(t, "alice", sess.User.Username)
	assert.Equal(t, "refresh-password", sess.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	ev := nextEvent(t, events)
	assert.Equal(t, provider.SignedIn, ev.Kind)
	assert.Equal(t, sess.AccessToken, ev.Session.AccessToken)

	rec, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, sess.AccessToken, rec.AccessToken)
	assert.Equal(t, "Bearer anon-key", f.authorization("POST /auth/v1/token?password"))
}

func TestSignInWrongPasswordReturnsAPIError(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)

	_, err := c.SignInWithPassword(context.Background(), "a@b.com", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid_grant", apiErr.Code)
	assert.Equal(t, "Invalid login credentials", apiErr.Message)
	assert.True(t, IsAuthError(err))

	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimsFallbackWhenUserMissing(t *testing.T) {
	f, srv := newFakeServer(t)
	f.omitUser = true
	c := newTestClient(t, srv, nil, nil)

	sess, err := c.SignInWithPassword(context.Background(), "claims@example.com", "correct")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.User.ID)
	assert.Equal(t, "claims@example.com", sess.User.Email)
	assert.Equal(t, "alice", sess.User.Username)
}

func TestVerificationRejectsForeignSignature(t *testing.T) {
	f, srv := newFakeServer(t)
	f.secret = []byte("some-other-secret-some-other-secret-xx")
	c := newTestClient(t, srv, nil, testSecret)

	_, err := c.SignInWithPassword(context.Background(), "a@b.com", "correct")
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestSignUpVariants(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	c := newTestClient(t, srv, store, nil)
	ctx := context.Background()

	res, err := c.SignUp(ctx, provider.SignUpRequest{Email: "new@example.com", Password: "pw", Username: "alice"})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	require.NotNil(t, res.User)
	assert.Equal(t, "user-1", res.User.ID)
	body := f.body("POST /auth/v1/signup")
	assert.Equal(t, map[string]any{"username": "alice"}, body["data"])
	assert.Equal(t, "s256", body["code_challenge_method"])
	assert.NotEmpty(t, body["code_challenge"])

	res, err = c.SignUp(ctx, provider.SignUpRequest{Email: "confirm@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	require.NotNil(t, res.User)
	assert.Equal(t, "user-2", res.User.ID)

	res, err = c.SignUp(ctx, provider.SignUpRequest{Email: "empty@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Nil(t, res.User)
}

func TestOTPSignInAndVerify(t *testing.T) {
	f, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)
	ctx := context.Background()
	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.SignInWithOTP(ctx, "a@b.com"))
	assert.Equal(t, false, f.body("POST /auth/v1/otp")["create_user"])

	_, err := c.VerifyOTP(ctx, provider.VerifyOTPRequest{Email: "a@b.com", Token: "000000"})
	require.Error(t, err)
	assert.True(t, IsAuthError(err))

	sess, err := c.VerifyOTP(ctx, provider.VerifyOTPRequest{Email: "a@b.com", Token: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "email", f.body("POST /auth/v1/verify")["type"])
	assert.Equal(t, provider.SignedIn, nextEvent(t, events).Kind)

	_, err = c.VerifyOTP(ctx, provider.VerifyOTPRequest{Email: "a@b.com", Token: "123456", Type: provider.OTPRecovery})
	require.NoError(t, err)
	assert.Equal(t, provider.PasswordRecovery, nextEvent(t, events).Kind)
	assert.NotEmpty(t, sess.AccessToken)
}

func TestRecoveryCodeExchangeEmitsPasswordRecovery(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	c := newTestClient(t, srv, store, nil)
	ctx := context.Background()
	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.ResetPasswordForEmail(ctx, "a@b.com", "https://app.example.com/reset?email=a%40b.com"))
	f.mu.Lock()
	redirectSeen := f.requests[len(f.requests)-1]
	f.mu.Unlock()
	assert.Equal(t, "POST /auth/v1/recover", redirectSeen)

	sess, err := c.ExchangeCodeForSession(ctx, "good-code")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.User.ID)
	ev := nextEvent(t, events)
	assert.Equal(t, provider.PasswordRecovery, ev.Kind)

	_, err = c.ExchangeCodeForSession(ctx, "good-code")
	require.ErrorIs(t, err, ErrMissingVerifier)
}

func TestEmailLinkExchangeEmitsSignedIn(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)
	ctx := context.Background()
	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.SignInWithOTP(ctx, "a@b.com"))
	_, err := c.ExchangeCodeForSession(ctx, "good-code")
	require.NoError(t, err)
	assert.Equal(t, provider.SignedIn, nextEvent(t, events).Kind)
}

func TestExchangeRejectsWrongCode(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	require.NoError(t, c.ResetPasswordForEmail(ctx, "a@b.com", ""))
	_, err := c.ExchangeCodeForSession(ctx, "stale-code")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad_code_verifier", apiErr.Code)
}

func TestGetSessionRestoresFromStore(t *testing.T) {
	_, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	first := newTestClient(t, srv, store, nil)
	sess, err := first.SignInWithPassword(context.Background(), "a@b.com", "correct")
	require.NoError(t, err)

	second := newTestClient(t, srv, store, nil)
	got, err := second.GetSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.AccessToken, got.AccessToken)
	assert.Equal(t, sess.User, got.User)
}

func TestExpiredSessionRefreshesOnce(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		UserID:       "user-1",
		Email:        "a@b.com",
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))
	c := newTestClient(t, srv, store, nil)
	events, cancel := c.Subscribe()
	defer cancel()

	f.mu.Lock()
	f.refreshGate = make(chan struct{})
	gate := f.refreshGate
	f.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]*provider.Session, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.GetSession(context.Background())
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.refreshHits.Load())
	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, "refresh-rotated", s.RefreshToken)
	}
	assert.Equal(t, "refresh-old", f.body("POST /auth/v1/token?refresh_token")["refresh_token"])
	assert.Equal(t, provider.TokenRefreshed, nextEvent(t, events).Kind)
}

func TestRejectedRefreshSignsOut(t *testing.T) {
	f, srv := newFakeServer(t)
	f.rejectRefresh = true
	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		UserID:       "user-1",
		AccessToken:  "stale",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))
	c := newTestClient(t, srv, store, nil)
	events, cancel := c.Subscribe()
	defer cancel()

	_, err := c.GetSession(context.Background())
	require.Error(t, err)
	assert.Equal(t, provider.SignedOut, nextEvent(t, events).Kind)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, session.ErrNotFound)
	got, err := c.GetSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAutoRefreshFiresBeforeExpiry(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &session.Record{
		UserID:       "user-1",
		AccessToken:  "soon-stale",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(10 * time.Second).Unix(),
	}))
	logger, _ := test.NewNullLogger()
	c, err := New(Config{
		URL:           srv.URL + "/auth/v1",
		APIKey:        "anon-key",
		AutoRefresh:   true,
		RefreshMargin: 20 * time.Second,
	}, store, logger)
	require.NoError(t, err)
	defer c.Close()
	events, cancel := c.Subscribe()
	defer cancel()

	_, err = c.GetSession(context.Background())
	require.NoError(t, err)
	ev := nextEvent(t, events)
	assert.Equal(t, provider.TokenRefreshed, ev.Kind)
	assert.Equal(t, int32(1), f.refreshHits.Load())
}

func TestUpdateUserUsesSessionBearer(t *testing.T) {
	f, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	_, err := c.UpdateUser(ctx, provider.UserAttributes{Password: "new"})
	require.ErrorIs(t, err, ErrNoSession)

	sess, err := c.SignInWithPassword(ctx, "a@b.com", "correct")
	require.NoError(t, err)
	events, cancel := c.Subscribe()
	defer cancel()

	user, err := c.UpdateUser(ctx, provider.UserAttributes{Password: "new"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "Bearer "+sess.AccessToken, f.authorization("PUT /auth/v1/user"))
	assert.Equal(t, "new", f.body("PUT /auth/v1/user")["password"])

	select {
	case ev := <-events:
		t.Fatalf("update user published %s", ev.Kind)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSignOutClearsEvenWhenServerForgotSession(t *testing.T) {
	f, srv := newFakeServer(t)
	store := session.NewMemoryStore()
	c := newTestClient(t, srv, store, nil)
	ctx := context.Background()

	_, err := c.SignInWithPassword(ctx, "a@b.com", "correct")
	require.NoError(t, err)
	f.mu.Lock()
	f.logoutCode = http.StatusNotFound
	f.mu.Unlock()

	require.NoError(t, c.SignOut(ctx))
	got, err := c.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, f.count("POST /auth/v1/logout"))
}

func TestSignOutReportsServerFailureButClears(t *testing.T) {
	f, srv := newFakeServer(t)
	c := newTestClient(t, srv, nil, nil)
	ctx := context.Background()

	_, err := c.SignInWithPassword(ctx, "a@b.com", "correct")
	require.NoError(t, err)
	f.mu.Lock()
	f.logoutCode = http.StatusInternalServerError
	f.mu.Unlock()
	events, cancel := c.Subscribe()
	defer cancel()

	err = c.SignOut(ctx)
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.Equal(t, provider.SignedOut, nextEvent(t, events).Kind)
	got, _ := c.GetSession(ctx)
	assert.Nil(t, got)
}

func TestMissingAPIKeyIsRejected(t *testing.T) {
	_, srv := newFakeServer(t)
	logger, _ := test.NewNullLogger()
	c, err := New(Config{URL: srv.URL + "/auth/v1"}, nil, logger)
	require.NoError(t, err)

	_, err = c.SignInWithPassword(context.Background(), "a@b.com", "correct")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "no api key", apiErr.Message)
}

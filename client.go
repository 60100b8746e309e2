package tmauth

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/indrasol/tmauth/backend"
	"github.com/indrasol/tmauth/internal/audit"
	"github.com/indrasol/tmauth/internal/flows"
	"github.com/indrasol/tmauth/internal/rate"
	"github.com/indrasol/tmauth/profilesync"
	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/resolver"
	"github.com/indrasol/tmauth/tokencache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client orchestrates the identity provider, the session store and the
// credential workflows. Construct it with [Builder.Build], then call Start
// once before any workflow.
type Client struct {
	cfg      Config
	provider provider.IdentityProvider
	closers  []io.Closer

	store    *sessionStore
	tokens   *tokencache.Cache
	resolver *resolver.Resolver
	limiter  *rate.Limiter
	profiles *profilesync.Queue
	api      *backend.API

	audit   *audit.Dispatcher
	metrics *Metrics
	logger  logrus.FieldLogger
	tracer  trace.Tracer

	flows            flows.Deps
	onSessionExpired func(context.Context)
	onResetStep      func(ResetTransition)

	lifecycleMu sync.Mutex
	started     bool
	closed      atomic.Bool
	loading     atomic.Bool
	ready       chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// Start restores the persisted session and begins applying provider events.
// It subscribes before reading the session so no event is lost, performs
// exactly one GetSession and reconciles its result, then clears Loading.
// A GetSession failure is logged and treated as signed out.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}

	events, unsubscribe := c.provider.Subscribe()
	c.unsubscribe = unsubscribe

	sess, err := c.provider.GetSession(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("restoring session failed, starting signed out")
		sess = nil
	}
	c.reconcile(ctx, sess)

	c.loading.Store(false)
	close(c.ready)
	c.started = true

	c.wg.Add(1)
	go c.listen(events)

	if c.profiles != nil {
		if err := c.profiles.Start(ctx); err != nil {
			c.logger.WithError(err).Error("profile sync did not start")
		}
	}
	return nil
}

// listen applies provider events to the store in arrival order.
func (c *Client) listen(events <-chan provider.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev := <-events:
			c.apply(ev)
		}
	}
}

func (c *Client) apply(ev provider.Event) {
	log := c.logger.WithField("event", ev.Kind.String())
	switch ev.Kind {
	case provider.SignedOut:
		c.reconcile(context.Background(), nil)
	case provider.SignedIn, provider.TokenRefreshed, provider.PasswordRecovery:
		if ev.Session == nil {
			log.Warn("session event without session ignored")
			return
		}
		c.reconcile(context.Background(), ev.Session)
	default:
		log.Warn("unknown session event ignored")
		return
	}
	log.Debug("session event applied")
}

func (c *Client) reconcile(ctx context.Context, sess *Session) {
	c.record(ctx, c.store.reconcile(ctx, sess))
}

func (c *Client) record(ctx context.Context, res reconcileResult) {
	switch {
	case res.Changed:
		c.metrics.Inc(MetricIdentityChanged)
		var prevID, curID string
		if res.Change.Previous != nil {
			prevID = res.Change.Previous.ID
		}
		if res.Change.Current != nil {
			curID = res.Change.Current.ID
		}
		c.logger.WithFields(logrus.Fields{"previous": prevID, "current": curID}).Info("identity changed")
		c.emitAudit(ctx, AuditIdentityChange, true, curID, "", nil, func() map[string]string {
			return map[string]string{"previous_user_id": prevID}
		})
	case res.Refreshed:
		c.metrics.Inc(MetricSessionRefreshed)
	}
}

// Close stops the listener, drains profile sync and the audit dispatcher,
// and releases adapters owned by the Client. It is idempotent.
func (c *Client) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	close(c.stop)
	c.wg.Wait()

	if c.profiles != nil {
		c.profiles.Close()
	}
	c.audit.Close()

	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Loading reports whether the initial session restore is still running.
// A nil User while Loading is not a signed-out state.
func (c *Client) Loading() bool {
	return c.loading.Load()
}

// Ready is closed once the initial session restore has finished.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *Session {
	return c.store.current()
}

// User returns the current user, or nil.
func (c *Client) User() *User {
	return c.store.user()
}

// Token returns the cached access token. It is present exactly when a
// session is.
func (c *Client) Token() (string, bool) {
	return c.store.token()
}

// OnIdentityChange registers fn for every change of the current user,
// including sign-out. Notifications arrive in reconcile order on the
// goroutine that reconciled. fn must not call workflows synchronously.
func (c *Client) OnIdentityChange(fn func(IdentityChange)) func() {
	if fn == nil {
		return func() {}
	}
	return c.store.subscribe(fn)
}

// API returns the signed backend client. Requests carry the current token;
// a 401 clears the session everywhere before ErrSessionExpired is returned.
func (c *Client) API() (*backend.API, error) {
	if c.api == nil {
		return nil, ErrNoBackend
	}
	return c.api, nil
}

// handleUnauthorized is the central reaction to a rejected token. Only the
// session that token belongs to is cleared; a late 401 for a token already
// replaced by a refresh or another sign-in is ignored.
func (c *Client) handleUnauthorized(ctx context.Context, token string) {
	res, ok := c.store.clearIfToken(ctx, token)
	if !ok {
		c.logger.Debug("ignoring 401 for a replaced token")
		return
	}
	var uid string
	if res.Change.Previous != nil {
		uid = res.Change.Previous.ID
	}
	c.record(ctx, res)
	if err := c.provider.SignOut(ctx); err != nil {
		c.logger.WithError(err).Warn("provider sign-out after 401 failed")
	}
	c.metrics.Inc(MetricSessionExpired)
	c.emitAudit(ctx, AuditSessionExpired, true, uid, "", nil, nil)
	c.logger.WithField("user_id", uid).Info("session expired")
	if c.onSessionExpired != nil {
		c.onSessionExpired(ctx)
	}
}

// MetricsSnapshot returns a copy of every counter.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// ProfileTask returns the state of a queued profile creation.
func (c *Client) ProfileTask(ctx context.Context, id string) (profilesync.Task, error) {
	if c.profiles == nil {
		return profilesync.Task{}, profilesync.ErrTaskNotFound
	}
	return c.profiles.Task(ctx, id)
}

// RetryProfileTask re-queues a failed profile creation.
func (c *Client) RetryProfileTask(ctx context.Context, id string) error {
	if c.profiles == nil {
		return profilesync.ErrTaskNotFound
	}
	return c.profiles.Retry(ctx, id)
}

// ProfileUpdates streams profile task state changes until cancel is called.
func (c *Client) ProfileUpdates() (<-chan profilesync.Task, func()) {
	if c.profiles == nil {
		ch := make(chan profilesync.Task)
		return ch, func() {}
	}
	return c.profiles.Subscribe()
}

func (c *Client) enqueueProfile(ctx context.Context, user provider.User, email, username string) string {
	if c.profiles == nil {
		return ""
	}
	if user.Email != "" {
		email = user.Email
	}
	id, err := c.profiles.Enqueue(ctx, profilesync.Profile{UserID: user.ID, Email: email, Username: username})
	if err != nil {
		c.metrics.Inc(MetricProfileEnqueueFailure)
		c.logger.WithError(err).WithField("user_id", user.ID).Warn("profile creation not queued")
		return ""
	}
	return id
}

func (c *Client) ensureRunning() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case <-c.ready:
		return nil
	default:
		return ErrClientNotStarted
	}
}

// begin opens the span of one workflow call. The returned func ends it and
// records latency.
func (c *Client) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "tmauth."+op)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.Observe(MetricWorkflowLatency, time.Since(start))
	}
}

package tmauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/indrasol/tmauth/backend"
	"github.com/indrasol/tmauth/internal/audit"
	"github.com/indrasol/tmauth/internal/rate"
	"github.com/indrasol/tmauth/profilesync"
	"github.com/indrasol/tmauth/provider"
	"github.com/indrasol/tmauth/provider/gotrue"
	"github.com/indrasol/tmauth/resolver"
	"github.com/indrasol/tmauth/session"
	"github.com/indrasol/tmauth/tokencache"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/indrasol/tmauth"

// Builder assembles a Client. It is single use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	provider     provider.IdentityProvider
	logger       logrus.FieldLogger
	auditSink    AuditSink
	creator      profilesync.Creator
	lookup       resolver.EmailLookup
	tokenStorage tokencache.Storage
	httpClient   *http.Client
	tracer       trace.TracerProvider

	onSessionExpired func(context.Context)
	onResetStep      func(ResetTransition)

	built bool
}

// New returns a Builder holding DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis enables durable token storage, session persistence for the
// built-in provider, the send throttle and the persistent profile queue.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithProvider injects an identity provider. Provider settings in Config
// are then ignored.
func (b *Builder) WithProvider(p provider.IdentityProvider) *Builder {
	b.provider = p
	return b
}

func (b *Builder) WithLogger(logger logrus.FieldLogger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithProfileCreator replaces the backend /register-confirm call.
func (b *Builder) WithProfileCreator(creator profilesync.Creator) *Builder {
	b.creator = creator
	return b
}

// WithEmailLookup replaces the backend /get-email call.
func (b *Builder) WithEmailLookup(lookup resolver.EmailLookup) *Builder {
	b.lookup = lookup
	return b
}

// WithTokenStorage replaces the durable token storage.
func (b *Builder) WithTokenStorage(storage tokencache.Storage) *Builder {
	b.tokenStorage = storage
	return b
}

// WithHTTPClient sets the base HTTP client of the provider and backend
// adapters.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracer = tp
	return b
}

// WithSessionExpiredHandler registers fn to run after a 401 cleared the
// session.
func (b *Builder) WithSessionExpiredHandler(fn func(context.Context)) *Builder {
	b.onSessionExpired = fn
	return b
}

// WithResetObserver registers fn for every step of ResetPasswordWithToken.
func (b *Builder) WithResetObserver(fn func(ResetTransition)) *Builder {
	b.onResetStep = fn
	return b
}

// Build validates the configuration and wires every component. No network
// I/O happens until Client.Start.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	cfg := cloneConfig(b.config)
	if cfg.Throttle.Enabled && b.redis == nil {
		return nil, errors.New("Throttle.Enabled requires WithRedis")
	}

	logger := b.logger
	if logger == nil {
		l, err := newLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	logger = logger.WithField("component", "tmauth")

	c := &Client{
		cfg:              cfg,
		metrics:          NewMetrics(cfg.Metrics),
		logger:           logger,
		onSessionExpired: b.onSessionExpired,
		onResetStep:      b.onResetStep,
		ready:            make(chan struct{}),
		stop:             make(chan struct{}),
	}
	c.loading.Store(true)

	tp := b.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	c.tracer = tp.Tracer(tracerName)

	p, closers, err := b.buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.provider = p
	c.closers = closers

	storage := b.tokenStorage
	if storage == nil {
		if b.redis != nil {
			storage = tokencache.NewRedisStorage(b.redis, cfg.TokenCache.RedisPrefix)
		} else {
			storage = tokencache.NewMemoryStorage()
		}
	}
	c.tokens = tokencache.New(storage, cfg.TokenCache.Key, logger)
	c.store = newSessionStore(c.tokens, logger)

	var backendClient *backend.Client
	if cfg.Backend.BaseURL != "" {
		backendClient, err = backend.New(backend.Config{
			BaseURL:      cfg.Backend.BaseURL,
			APIKey:       cfg.Backend.APIKey,
			APIKeyHeader: cfg.Backend.APIKeyHeader,
			Timeout:      cfg.Backend.Timeout,
			HTTPClient:   b.httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		c.api, err = backend.NewAPI(backend.APIConfig{
			BaseURL:    cfg.Backend.BaseURL,
			Timeout:    cfg.Backend.Timeout,
			HTTPClient: b.httpClient,
		}, c.Token, c.handleUnauthorized)
		if err != nil {
			return nil, fmt.Errorf("backend api: %w", err)
		}
	}

	lookup := b.lookup
	if lookup == nil && backendClient != nil {
		lookup = backendClient
	}
	c.resolver = resolver.New(lookup, resolver.Config{
		CacheSize: cfg.Resolver.CacheSize,
		CacheTTL:  cfg.Resolver.CacheTTL,
	})

	if cfg.Throttle.Enabled {
		c.limiter = rate.New(b.redis, rate.Config{
			Prefix:   cfg.Throttle.RedisPrefix,
			MaxSends: cfg.Throttle.MaxSends,
			Window:   cfg.Throttle.Window,
		})
	}

	creator := b.creator
	if creator == nil && backendClient != nil {
		creator = profilesync.CreatorFunc(func(ctx context.Context, p profilesync.Profile) error {
			return backendClient.ConfirmRegistration(ctx, backend.Registration{
				UserID:   p.UserID,
				Email:    p.Email,
				Username: p.Username,
			})
		})
	}
	if cfg.ProfileSync.Enabled && creator != nil {
		var store profilesync.TaskStore
		if b.redis != nil {
			store = profilesync.NewRedisTaskStore(b.redis, cfg.ProfileSync.RedisPrefix, cfg.ProfileSync.Retention)
		}
		c.profiles = profilesync.New(creator, store, profilesync.Config{
			Workers:        cfg.ProfileSync.Workers,
			QueueSize:      cfg.ProfileSync.QueueSize,
			MaxAttempts:    cfg.ProfileSync.MaxAttempts,
			BaseBackoff:    cfg.ProfileSync.BaseBackoff,
			MaxBackoff:     cfg.ProfileSync.MaxBackoff,
			AttemptTimeout: cfg.ProfileSync.AttemptTimeout,
			SweepSpec:      cfg.ProfileSync.Sweep,
		}, logger)
	}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NewLogrusSink(logger)
	}
	c.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink, logger)

	c.initFlows()
	b.built = true
	return c, nil
}

func (b *Builder) buildProvider(cfg Config, logger logrus.FieldLogger) (provider.IdentityProvider, []io.Closer, error) {
	if b.provider != nil {
		return b.provider, nil, nil
	}
	if cfg.Provider.URL == "" {
		return nil, nil, errors.New("no identity provider: set Provider.URL or use WithProvider")
	}

	var store session.Store
	if b.redis != nil {
		store = session.NewRedisStore(b.redis, cfg.Provider.RedisPrefix, 0)
	} else {
		store = session.NewMemoryStore()
	}
	gt, err := gotrue.New(gotrue.Config{
		URL:           cfg.Provider.URL,
		APIKey:        cfg.Provider.APIKey,
		Timeout:       cfg.Provider.Timeout,
		HTTPClient:    b.httpClient,
		AutoRefresh:   cfg.Provider.AutoRefresh,
		RefreshMargin: cfg.Provider.RefreshMargin,
		EventBuffer:   cfg.Provider.EventBuffer,
		JWTSecret:     []byte(cfg.Provider.JWTSecret),
	}, store, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: %w", err)
	}
	return gt, []io.Closer{gt}, nil
}

func newLogger(cfg LogConfig) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("Log.Level: %w", err)
	}
	l.SetLevel(lvl)
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

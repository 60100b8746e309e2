package tokencache

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultKey is the durable-storage key holding the access token.
const DefaultKey = "access_token"

// Cache holds the current access token.
type Cache struct {
	mu      sync.RWMutex
	token   string
	present bool

	storage Storage
	key     string
	logger  logrus.FieldLogger
}

// New creates an empty Cache mirrored into storage under key. A nil storage
// keeps the token in memory only.
func New(storage Storage, key string, logger logrus.FieldLogger) *Cache {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		storage: storage,
		key:     key,
		logger:  logger.WithField("component", "tokencache"),
	}
}

// Get returns the cached token and whether one is present.
func (c *Cache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.present
}

// Set replaces the cached token and writes it through to durable storage.
// The memory value is updated even when the durable write fails; the write
// error is logged and returned.
func (c *Cache) Set(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.present = true
	c.mu.Unlock()

	if c.storage == nil {
		return nil
	}
	if err := c.storage.Set(ctx, c.key, token); err != nil {
		c.logger.WithError(err).Warn("durable token write failed")
		return err
	}
	return nil
}

// Clear removes the token from memory and durable storage.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.token = ""
	c.present = false
	c.mu.Unlock()

	if c.storage == nil {
		return nil
	}
	if err := c.storage.Delete(ctx, c.key); err != nil {
		c.logger.WithError(err).Warn("durable token delete failed")
		return err
	}
	return nil
}

// Persisted reads the durable copy. It is meant for diagnostics and tests;
// request signing reads [Cache.Get].
func (c *Cache) Persisted(ctx context.Context) (string, bool, error) {
	if c.storage == nil {
		return "", false, nil
	}
	return c.storage.Get(ctx, c.key)
}

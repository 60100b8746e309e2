package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/indrasol/tmauth"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	redisAddr  string
	verbose    bool

	client *tmauth.Client
	redis  redis.UniversalClient
	logger *logrus.Logger
}

func (a *app) loadConfig() (tmauth.Config, error) {
	var (
		cfg tmauth.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = tmauth.LoadConfigFile(a.configPath)
	} else {
		cfg, err = tmauth.LoadConfigFromEnv()
	}
	if err != nil {
		return tmauth.Config{}, err
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// open builds and starts the Client. It is called lazily by commands so
// --help never touches the network.
func (a *app) open(ctx context.Context) (*tmauth.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a.logger = logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		a.logger.SetLevel(lvl)
	}
	if cfg.Log.JSON {
		a.logger.SetFormatter(&logrus.JSONFormatter{})
	}

	builder := tmauth.New().WithConfig(cfg).WithLogger(a.logger)
	if a.redisAddr != "" {
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{a.redisAddr}})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.WithError(err).Warn("redis unreachable, continuing")
		}
		builder = builder.WithRedis(a.redis)
	} else if cfg.Throttle.Enabled {
		a.logger.Warn("send throttle needs --redis-addr, disabling it")
		cfg.Throttle.Enabled = false
		builder = builder.WithConfig(cfg)
	}

	client, err := builder.Build()
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	a.client = client
	return client, nil
}

func (a *app) close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	return errors.Join(errs...)
}

// withClient opens the Client for the duration of one command.
func (a *app) withClient(fn func(cmd *cobra.Command, args []string, client *tmauth.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		client, err := a.open(cmd.Context())
		if err != nil {
			_ = a.close()
			return err
		}
		defer func() {
			if cerr := a.close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args, client)
	}
}

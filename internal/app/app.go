package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/push"
	"github.com/vovakirdan/wirechat-relay/internal/relay"
	"github.com/vovakirdan/wirechat-relay/internal/service/groups"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/badgerdb"
	"github.com/vovakirdan/wirechat-relay/internal/store/redisreg"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-relay/internal/transport/http"
	"github.com/vovakirdan/wirechat-relay/internal/utils"
)

// App wires together store, relay and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	registry        *redisreg.Registry
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Store.Driver).Str("path", cfg.Store.Path).Msg("store initialized")

	a := &App{
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		log:             logger,
	}

	var registry store.ConnectionStore = st
	var node string
	if cfg.Registry.Driver == "redis" {
		reg, err := redisreg.New(ctx, redisreg.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		if err != nil {
			a.cleanup()
			return nil, fmt.Errorf("init registry: %w", err)
		}
		a.registry = reg
		registry = reg
		node = nodeID(cfg.Relay)
		logger.Info().Str("addr", cfg.Registry.RedisAddr).Str("node", node).Msg("redis connection registry initialized")
	}

	m := metrics.New()
	gateway := push.NewGateway(cfg.Push.WriteTimeout)

	relaySvc := relay.NewService(relay.Deps{
		Groups:   st,
		Messages: st,
		Registry: registry,
		Pusher:   gateway,
		Logger:   logger,
		Metrics:  m,
	}, relay.Options{
		Payload:          relay.PayloadPolicy(cfg.Broadcast.Payload),
		Recipients:       relay.RecipientPolicy(cfg.Broadcast.Recipients),
		ExcludeSender:    cfg.Broadcast.ExcludeSender,
		MaxConcurrency:   cfg.Broadcast.MaxConcurrency,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
		NodeID:           node,
	})

	a.server = transporthttp.NewServer(transporthttp.Deps{
		Relay:   relaySvc,
		Groups:  groups.New(st, registry, groups.WithNodeID(node)),
		Gateway: gateway,
		Metrics: m,
	}, *cfg, logger)

	return a, nil
}

// nodeID names this process in a shared registry. A stable name lets a
// restarted process prune the entries it left behind.
func nodeID(cfg config.RelayConfig) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return utils.NewConnectionID()
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "badger":
		st, err := badgerdb.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite", "":
		st, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.registry != nil {
		if err := a.registry.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close registry")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

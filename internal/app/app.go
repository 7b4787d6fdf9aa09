// Package app assembles the dispatch components from configuration. Every
// piece of infrastructure left unconfigured falls back to its in-process
// implementation so a single binary runs locally with no dependencies.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

const etaCacheTTL = 2 * time.Minute

type App struct {
	Store    storage.Store
	Registry *registry.Registry
	Hub      *realtime.Hub
	Dispatch *dispatch.Service
	Payments *payments.Syncer // nil without a Stripe key
	Auth     *httpapi.Authenticator

	internalToken string
	closers       []func() error
	logger        *slog.Logger
}

func Build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger, internalToken: cfg.InternalToken}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	a.Registry = registry.New(store, a.geoIndex(ctx, cfg), logger)

	var publisher ingest.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		a.closers = append(a.closers, producer.Close)
		publisher = producer
		logger.Info("kafka location stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaLocationTopic)
	}
	recorder := ingest.NewRecorder(store, publisher, logger)

	a.Hub = realtime.NewHub(realtime.Deps{
		Locations: recorder,
		Positions: a.Registry,
		Statuses:  store,
	}, realtime.Options{SendQueue: cfg.WSSendQueue, WriteTimeout: cfg.WSWriteTimeout, PongWait: cfg.WSPongWait}, logger)

	delivery := notify.NewAsync(a.gateways(cfg), notify.AsyncOptions{}, logger)
	a.closers = append(a.closers, delivery.Close)
	notifier := notify.Mirror{Pusher: a.Hub, Next: delivery}

	estimator := &eta.Estimator{SpeedMps: cfg.DefaultSpeedMps, Cache: eta.NewCache(etaCacheTTL)}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	a.Dispatch = dispatch.New(dispatch.Deps{
		Store:     store,
		Registry:  a.Registry,
		Rides:     rides.NewMachine(store, a.Registry, logger),
		Notifier:  notifier,
		Hub:       a.Hub,
		Locations: recorder,
		ETA:       estimator,
	}, dispatch.Options{RequestTTL: cfg.RequestTTL}, logger)

	if cfg.StripeAPIKey != "" {
		a.Payments = payments.NewSyncer(payments.NewStripeClient(cfg.StripeAPIKey), store, notifier, logger)
	}
	a.Auth = httpapi.NewAuthenticator(cfg.JWTSecret, a.Registry)
	return a, nil
}

// Handler returns the HTTP surface over the assembled components.
func (a *App) Handler() *httpapi.Server {
	deps := httpapi.Deps{Dispatch: a.Dispatch, Registry: a.Registry, Hub: a.Hub, Auth: a.Auth, InternalToken: a.internalToken}
	if a.Payments != nil {
		deps.Payments = a.Payments
	}
	return httpapi.NewServer(deps, a.logger)
}

// Close drops live connections and releases infrastructure clients.
func (a *App) Close() error {
	a.Hub.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) openStore(ctx context.Context, cfg config.ServerConfig) (storage.Store, error) {
	if cfg.PGDSN == "" {
		a.logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	if cfg.RunMigrations {
		if err := migrate(ctx, pg, filepath.Join("migrations", "001_create_dispatch.sql")); err != nil {
			return nil, err
		}
		a.logger.Info("migration applied", "file", "001_create_dispatch.sql")
	}
	return pg, nil
}

func migrate(ctx context.Context, pg *storage.PostgresStore, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := pg.DB().ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

func (a *App) geoIndex(ctx context.Context, cfg config.ServerConfig) geo.Index {
	if cfg.RedisAddr == "" {
		return geo.NewMemoryIndex()
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rc.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis unavailable, using in-memory geo index", "addr", cfg.RedisAddr, "error", err)
		_ = rc.Close()
		return geo.NewMemoryIndex()
	}
	a.closers = append(a.closers, rc.Close)
	return geo.NewRedisGeo(rc, cfg.RedisGeoKey)
}

// gateways builds the outbound notification fan-out. With nothing
// configured notifications are only logged.
func (a *App) gateways(cfg config.ServerConfig) notify.Gateway {
	multi := notify.NewMulti()
	if cfg.AMQPURL != "" {
		gw, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.logger.Warn("rabbitmq unavailable, skipping amqp notifications", "error", err)
		} else {
			a.closers = append(a.closers, gw.Close)
			multi.Add("amqp", gw)
		}
	}
	if cfg.NotifyWebhookURL != "" {
		multi.Add("webhook", notify.NewWebhookGateway(cfg.NotifyWebhookURL))
	}
	if cfg.FCMEndpoint != "" {
		multi.Add("fcm", notify.NewFCMGateway(cfg.FCMEndpoint, cfg.FCMKey))
	}
	if multi.Len() == 0 {
		return notify.LogGateway{Logger: a.logger}
	}
	return multi
}

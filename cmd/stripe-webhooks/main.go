// Command stripe-webhooks runs the webhook ingestion service: it receives
// Stripe subscription lifecycle events, reconciles them into canonical
// subscription records in PostgreSQL and forwards completed snapshots to
// the configured downstream sink.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/commercekit/stripe-webhooks/pkg/config"
	"github.com/commercekit/stripe-webhooks/pkg/events"
	prommetrics "github.com/commercekit/stripe-webhooks/pkg/metrics/prometheus"
	"github.com/commercekit/stripe-webhooks/pkg/notify"
	"github.com/commercekit/stripe-webhooks/server"
	"github.com/commercekit/stripe-webhooks/storage/postgres"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; the environment wins in production.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		stderrLogger := zerolog.New(os.Stderr)
		stderrLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("service exited")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return err
	}

	storeConfig := postgres.DefaultConfig()
	storeConfig.ConnectionString = cfg.DatabaseURL
	store, err := postgres.New(ctx, storeConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	sink, closeSink, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	notifier := notify.New(sink, logger)
	handler := events.NewHandler(store, notifier, logger)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           server.New(handler, cfg.StripeWebhookSecret, logger, prommetrics.DefaultMetrics("stripe")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("web server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newSink builds the downstream collaborator selected by configuration.
func newSink(cfg *config.Config) (notify.Sink, func(), error) {
	switch cfg.Sink.Kind {
	case config.SinkKindGRPC:
		conn, err := grpc.NewClient(cfg.Sink.GRPCTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}

		var creds *notify.Credentials
		if cfg.OAuth.TokenURL != "" {
			creds = notify.NewCredentials(cfg.OAuth.TokenURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.Scope)
		}

		closeFn := func() {
			//nolint:errcheck // Connection teardown on shutdown
			_ = conn.Close()
		}
		return notify.NewGRPCSink(conn, creds), closeFn, nil

	default:
		opts, err := redis.ParseURL(cfg.Sink.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)

		closeFn := func() {
			//nolint:errcheck // Connection teardown on shutdown
			_ = client.Close()
		}
		return notify.NewRedisSink(client, cfg.Sink.RedisChannel), closeFn, nil
	}
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Logger()
}

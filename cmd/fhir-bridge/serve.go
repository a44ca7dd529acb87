package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hospigen/fhir-bridge/internal/config"
	"github.com/hospigen/fhir-bridge/internal/domain/changefeed"
	"github.com/hospigen/fhir-bridge/internal/domain/envelope"
	"github.com/hospigen/fhir-bridge/internal/domain/routing"
	"github.com/hospigen/fhir-bridge/internal/platform/auth"
	"github.com/hospigen/fhir-bridge/internal/platform/broker"
	"github.com/hospigen/fhir-bridge/internal/platform/db"
	"github.com/hospigen/fhir-bridge/internal/platform/fhirstore"
	"github.com/hospigen/fhir-bridge/internal/platform/middleware"
	"github.com/hospigen/fhir-bridge/internal/platform/telemetry"
)

const serviceName = "fhir-bridge"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Str("instance", cfg.InstanceID).
		Logger()
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return fmt.Errorf("invalid configuration: %w", err)
	}

	project := cfg.ProjectID
	if project == "" && cfg.FHIRAuth == config.FHIRAuthGoogle {
		project = fhirstore.DetectProject(ctx)
	}
	if project == "" {
		logger.Warn().Msg("no project configured; resolving per notification")
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	var pool *pgxpool.Pool
	if cfg.Broker == string(broker.KindOutbox) {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	publisher, err := newPublisher(ctx, cfg, project, pool, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("close publisher")
		}
	}()
	if err := broker.WaitReady(ctx, publisher, cfg.BrokerWait, logger); err != nil {
		return err
	}
	logger.Info().Str("broker", cfg.Broker).Msg("broker ready")

	metrics := telemetry.NewCollector(serviceName, cfg.InstanceID)
	if cfg.RedisURL != "" {
		client, err := telemetry.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		reporter := telemetry.NewReporter(metrics, client, cfg.MetricsInterval, logger)
		reporter.Start(ctx)
		defer reporter.Stop()
		logger.Info().Str("key", reporter.Key()).Msg("metrics reporting to redis")
	}

	router := changefeed.NewRouter(
		fetcher,
		routing.NewClassifier(routing.DefaultTable(), cfg.Topics),
		envelope.NewBuilder(cfg.SourceSystem, cfg.LogicID),
		publisher,
		changefeed.WithProject(project),
		changefeed.WithPublishTimeout(cfg.PublishTimeout),
		changefeed.WithLogger(logger),
		changefeed.WithMetrics(metrics),
	)

	pushMiddleware, err := pushChain(ctx, cfg, logger)
	if err != nil {
		return err
	}

	e := newEcho(cfg, logger)
	changefeed.NewHandler(router, publisher, metrics).RegisterRoutes(e, pushMiddleware...)
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("project", project).
			Str("rules", routing.TableVersion).
			Bool("push_auth", cfg.PushAuthEnabled()).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}

// pushChain returns the middleware applied to the webhook route only.
func pushChain(ctx context.Context, cfg *config.Config, logger zerolog.Logger) ([]echo.MiddlewareFunc, error) {
	var chain []echo.MiddlewareFunc
	if cfg.PushAuthEnabled() {
		verifier, err := auth.NewPushVerifier(ctx, auth.PushConfig{
			Audience: cfg.PushAuthAudience,
			Issuer:   cfg.PushAuthIssuer,
			JWKSURL:  cfg.PushAuthJWKSURL,
			Email:    cfg.PushAuthEmail,
		}, logger)
		if err != nil {
			return nil, err
		}
		chain = append(chain, verifier.Middleware())
	}
	chain = append(chain, middleware.Throttle(middleware.ThrottleConfig{
		RequestsPerSecond: cfg.PushRateLimit,
		BurstSize:         cfg.PushRateBurst,
	}))
	return chain, nil
}

func newFetcher(ctx context.Context, cfg *config.Config) (*fhirstore.Client, error) {
	opts := []fhirstore.Option{fhirstore.WithTimeout(cfg.FetchTimeout)}
	if cfg.FHIRAuth == config.FHIRAuthNone {
		return fhirstore.New(cfg.FHIRBaseURL, opts...), nil
	}
	return fhirstore.NewGoogle(ctx, cfg.FHIRBaseURL, opts...)
}

// newPublisher selects the broker backend. pool is only used by the outbox.
func newPublisher(ctx context.Context, cfg *config.Config, project string, pool *pgxpool.Pool, logger zerolog.Logger) (broker.Publisher, error) {
	kind, err := broker.ParseKind(cfg.Broker)
	if err != nil {
		return nil, err
	}

	switch kind {
	case broker.KindPubSub:
		return broker.NewPubSub(ctx, project, cfg.PublishOrigin)
	case broker.KindKafka:
		return broker.NewKafka(cfg.KafkaBrokerList(), cfg.PublishOrigin, cfg.PublishTimeout), nil
	case broker.KindRabbitMQ:
		return broker.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQExchange, cfg.PublishOrigin), nil
	case broker.KindOutbox:
		if pool == nil {
			return nil, errors.New("outbox broker requires a database pool")
		}
		return broker.NewOutbox(pool, cfg.PublishOrigin), nil
	default:
		return broker.NewLog(logger, cfg.PublishOrigin), nil
	}
}

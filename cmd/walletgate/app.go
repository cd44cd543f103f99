package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amelin/walletgate/internal/db"
	"github.com/amelin/walletgate/internal/events"
	"github.com/amelin/walletgate/internal/events/kafka"
	"github.com/amelin/walletgate/internal/handlers"
	"github.com/amelin/walletgate/internal/handlers/middleware"
	"github.com/amelin/walletgate/internal/logger"
	"github.com/amelin/walletgate/internal/repository/postgres"
	"github.com/amelin/walletgate/internal/service/ledger"
	"github.com/amelin/walletgate/internal/service/provider"
	"github.com/amelin/walletgate/internal/service/reconciler"
	"github.com/amelin/walletgate/internal/service/user"
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Reconciler *reconciler.Reconciler

	logger  logger.Logger
	closers []func() error
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	// Initialize repositories
	storage := postgres.NewStorage(pool)

	app := &ServerApp{
		ListenAddr: c.ListenAddr,
		logger:     logger,
	}

	// Settlement events go to kafka when brokers are configured
	var publisher events.Publisher = events.NopPublisher{}
	if len(c.KafkaBrokers) != 0 {
		kafkaPublisher := kafka.NewPublisher(c.KafkaBrokers)
		app.closers = append(app.closers, kafkaPublisher.Close)
		publisher = kafkaPublisher
	}

	// Initialize services
	userService := user.NewService(storage)
	ledgerService := ledger.NewService(storage, publisher, logger)
	providerClient := provider.NewClient(c.ProviderAddr, logger)

	app.Reconciler = reconciler.New(reconciler.Config{
		CountWorkers:      c.SweepWorkers,
		SweepInterval:     c.SweepInterval,
		MaxSubmitAttempts: c.MaxSubmitAttempts,
	}, providerClient, ledgerService, logger)

	// Writes are replayed from redis when the caller retries with the
	// same Idempotency-Key, if redis is configured
	mds := []func(next http.Handler) http.Handler{}
	if c.RedisAddr != "" {
		cache := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, cache.Close)
		mds = append(mds, middleware.IdempotencyMiddleware(cache, c.IdempotencyTTL, logger))
	}

	app.Handler = handlers.NewRouter(ledgerService, userService, logger, mds...)

	return app, nil
}

// Run starts the http server and the reconciliation loop, and closes both
// gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	reconcilerStopped := s.Reconciler.Run(srvCtx)

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "addr", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	<-reconcilerStopped

	for _, closeFn := range s.closers {
		if closeErr := closeFn(); closeErr != nil {
			s.logger.Error("Failed to close resource", "error", closeErr)
		}
	}

	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nsridhar76/go-fulfillment/internal/config"
	"github.com/nsridhar76/go-fulfillment/internal/health"
	"github.com/nsridhar76/go-fulfillment/internal/httpx"
	"github.com/nsridhar76/go-fulfillment/internal/messaging"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/kafka"
	"github.com/nsridhar76/go-fulfillment/internal/messaging/rabbitmq"
	"github.com/nsridhar76/go-fulfillment/internal/obs"
	"github.com/nsridhar76/go-fulfillment/internal/store/postgres"
)

// app carries what every service command shares: settings, logger, the
// optional database pool, broker supervisors and the health reporter.
type app struct {
	name   string
	cfg    *config.Config
	logger *slog.Logger
	health *health.Reporter

	pool    *pgxpool.Pool
	sups    []*messaging.Supervisor
	closers []func()
}

func newApp(name string, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.store != "" {
		cfg.Store = flags.store
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.httpAddr != "" {
		cfg.HTTPAddr = flags.httpAddr
	}
	if flags.grpcAddr != "" {
		cfg.GRPCAddr = flags.grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := obs.NewLogger(os.Stdout, cfg.LogLevel).With("service", name)
	return &app{
		name:   name,
		cfg:    cfg,
		logger: logger,
		health: health.NewReporter(logger),
	}, nil
}

func (a *app) memoryStore() bool {
	return a.cfg.Store == config.StoreMemory
}

// db opens the Postgres pool once and applies the schema.
func (a *app) db(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := postgres.NewPool(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

func (a *app) supervisorConfig() messaging.SupervisorConfig {
	b := a.cfg.Broker
	return messaging.SupervisorConfig{
		StartupDelay: b.StartupDelay,
		Retry: messaging.RetryPolicy{
			Delay:       b.RetryDelay,
			Multiplier:  b.RetryFactor,
			MaxDelay:    b.MaxRetryDelay,
			MaxAttempts: b.MaxAttempts,
		},
		PublishTimeout: b.PublishTimeout,
		HandlerTimeout: b.HandlerTimeout,
	}
}

// supervisor returns a tracked supervisor over t. It is started by run.
func (a *app) supervisor(t messaging.Transport) *messaging.Supervisor {
	sup := messaging.NewSupervisor(t, a.supervisorConfig(), a.logger)
	a.health.Track(t.Name(), sup)
	a.sups = append(a.sups, sup)
	return sup
}

func (a *app) kafka() *messaging.Supervisor {
	return a.supervisor(kafka.NewTransport(kafka.Config{Brokers: a.cfg.KafkaBrokers}))
}

func (a *app) rabbitmq() *messaging.Supervisor {
	return a.supervisor(rabbitmq.NewTransport(rabbitmq.Config{URL: a.cfg.RabbitMQURL}))
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// run serves HTTP and gRPC health, starts the supervisors and background
// loops, then blocks until ctx is cancelled and shuts everything down.
func (a *app) run(ctx context.Context, routes func(chi.Router), loops ...func(context.Context)) error {
	defer a.close()

	r := chi.NewRouter()
	r.Use(httpx.WithRequestID, httpx.WithLogging(a.logger))
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"message": a.name + " service running"})
	})
	routes(r)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, sup := range a.sups {
		sup.Start(runCtx)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 2)
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(runCtx)
		}(loop)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.health.Serve(runCtx, a.cfg.GRPCAddr); err != nil {
			errc <- err
		}
	}()

	go func() {
		a.logger.Info("http listening", "addr", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errc:
		a.logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}

	cancel()
	for _, sup := range a.sups {
		sup.Close()
	}
	wg.Wait()
	a.logger.Info("service stopped")
	return runErr
}

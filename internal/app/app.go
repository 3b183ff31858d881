package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
	"github.com/xenking/mlflow-authorizer/internal/handler"
	"github.com/xenking/mlflow-authorizer/internal/storage/postgres"
	"github.com/xenking/mlflow-authorizer/internal/storage/secretsmanager"
	"github.com/xenking/mlflow-authorizer/pkg/health"
	"github.com/xenking/mlflow-authorizer/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the authorizer.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("backend", cfg.Secret.Backend),
		zap.String("secret", cfg.Secret.Name),
		zap.String("key", cfg.Secret.Key),
	)

	healthSvc := health.New(lg)

	store, cleanup, err := openStore(ctx, cfg, healthSvc)
	if err != nil {
		return errors.Wrap(err, "open secret store")
	}
	defer cleanup()

	authorizer, err := NewAuthorizer(store, cfg, lg, m)
	if err != nil {
		return errors.Wrap(err, "create authorizer")
	}

	if cfg.Cache.Prefetch {
		// A failed prefetch is not fatal: requests are denied until the store
		// answers, and readiness reports the failure.
		if _, err := authorizer.FetchCredential(ctx); err != nil {
			lg.Warn("Credential prefetch failed", zap.Error(err))
		}
	}

	healthSvc.AddReadinessCheck("secret-store", cfg.Cache.FetchTimeout+time.Second,
		health.CredentialCheck(authorizer.FetchCredential))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Cache.FetchTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           NewHTTPHandler(ctx, cfg, lg, m, authorizer, healthSvc),
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		defer healthSvc.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	return g.Wait()
}

// NewAuthorizer builds the token authorizer from configuration.
func NewAuthorizer(store auth.SecretStore, cfg *Config, lg *zap.Logger, t httpmiddleware.Telemetry) (*auth.Authorizer, error) {
	return auth.NewAuthorizer(store,
		auth.SecretRef{Name: cfg.Secret.Name, Key: cfg.Secret.Key},
		auth.Options{
			TTL:                cfg.Cache.TTL,
			FetchTimeout:       cfg.Cache.FetchTimeout,
			RefreshOnMismatch:  cfg.Cache.RefreshOnMismatch,
			MinRefreshInterval: cfg.Cache.MinRefreshInterval,
			Logger:             lg,
			MeterProvider:      t.MeterProvider(),
		},
	)
}

// NewHTTPHandler mounts the health and authorization endpoints behind the
// middleware chain.
func NewHTTPHandler(
	ctx context.Context,
	cfg *Config,
	lg *zap.Logger,
	t httpmiddleware.Telemetry,
	authorizer handler.Authorizer,
	healthSvc *health.Health,
) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	handler.NewHandler(authorizer).Register(mux)

	return httpmiddleware.Wrap(mux,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.Instrument("mlflow-authorizer", t),
		httpmiddleware.LogRequests(),
	)
}

// openStore connects the configured secret backend. The returned cleanup
// releases its resources.
func openStore(ctx context.Context, cfg *Config, healthSvc *health.Health) (auth.SecretStore, func(), error) {
	switch cfg.Secret.Backend {
	case BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Secret.DatabaseURL, cfg.Cache.FetchTimeout)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		store := postgres.NewSecretStore(pool)
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, store.Ping)
		return store, pool.Close, nil
	default:
		store, err := secretsmanager.New(ctx, secretsmanager.Config{
			Region:      cfg.Secret.Region,
			Endpoint:    cfg.Secret.Endpoint,
			MaxAttempts: cfg.Cache.MaxAttempts,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

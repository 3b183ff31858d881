// Command seed-secret writes a bearer credential payload {"<key>":"<token>"}
// into a secret backend, for local stacks and integration tests.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
	"github.com/xenking/mlflow-authorizer/internal/storage/postgres"
	"github.com/xenking/mlflow-authorizer/internal/storage/secretsmanager"
)

type config struct {
	Backend     string `default:"postgres" usage:"Secret backend: postgres or secretsmanager" flag:"backend"`
	Name        string `usage:"Secret identifier (or MLFLOW_SECRET_NAME)" flag:"name"`
	Key         string `usage:"Key of the token inside the payload (or MLFLOW_KEY)" flag:"key"`
	Token       string `usage:"Token value to store" flag:"token"`
	DatabaseURL string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	Region      string `usage:"AWS region (or AWS_REGION)" flag:"region"`
	Endpoint    string `usage:"Secrets Manager endpoint override" flag:"endpoint"`
}

type secretWriter interface {
	PutSecret(ctx context.Context, name string, payload []byte) error
}

func main() {
	lg, _ := zap.NewProduction()
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SEED",
		SkipFiles: true,
	}).Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&cfg.Name, "MLFLOW_SECRET_NAME")
	fill(&cfg.Key, "MLFLOW_KEY")
	fill(&cfg.DatabaseURL, "DATABASE_URL")
	fill(&cfg.Region, "AWS_REGION")

	if cfg.Name == "" || cfg.Key == "" || cfg.Token == "" {
		lg.Fatal("Secret name, key and token are required: set --name, --key and --token")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed", zap.String("secret", cfg.Name), zap.String("key", cfg.Key))
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	var w secretWriter
	switch cfg.Backend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		lg.Info("Connecting to database")
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 10*time.Second)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		lg.Info("Running migrations")
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
		w = postgres.NewSecretStore(pool)
	case "secretsmanager":
		store, err := secretsmanager.New(ctx, secretsmanager.Config{
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
		if err != nil {
			return err
		}
		w = store
	default:
		return errors.Errorf("unknown backend %q", cfg.Backend)
	}

	if err := w.PutSecret(ctx, cfg.Name, auth.EncodePayload(cfg.Key, cfg.Token)); err != nil {
		return errors.Wrap(err, "put secret")
	}
	return nil
}

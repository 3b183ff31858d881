// Command track-eval logs evaluation metrics of a regression model to an
// MLflow tracking server behind the bearer authorizer. The bearer credential
// is read from the same secret the authorizer checks against.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
	"github.com/xenking/mlflow-authorizer/internal/storage/secretsmanager"
	"github.com/xenking/mlflow-authorizer/internal/tracking"
)

type config struct {
	TrackingURI      string `required:"true" usage:"MLflow tracking server URL" flag:"tracking-uri"`
	ExperimentName   string `required:"true" usage:"Experiment to log into" flag:"experiment-name"`
	RunName          string `usage:"Optional run name" flag:"run-name"`
	Region           string `default:"us-west-2" usage:"AWS region of the secret" flag:"region"`
	SecretName       string `usage:"Secret identifier (or MLFLOW_SECRET_NAME)" flag:"secret-name"`
	SecretKey        string `usage:"Key of the token in the secret (or MLFLOW_KEY)" flag:"secret-key"`
	SecretsEndpoint  string `usage:"Secrets Manager endpoint override" flag:"secrets-endpoint"`
	Predictions      string `required:"true" usage:"CSV file with target and prediction columns" flag:"predictions"`
	TargetColumn     string `default:"target" usage:"Target column name" flag:"target"`
	PredictionColumn string `default:"prediction" usage:"Prediction column name" flag:"prediction"`
	NEstimators      int    `default:"10" usage:"Number of trees of the evaluated model" flag:"n-estimators"`
	MinSamplesLeaf   int    `default:"3" usage:"Minimum samples per leaf of the evaluated model" flag:"min-samples-leaf"`
	Features         string `usage:"Space separated feature names of the evaluated model" flag:"features"`
}

func loadConfig() (*config, error) {
	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "TRACK",
		SkipFiles: true,
	}).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.SecretName == "" {
		cfg.SecretName = os.Getenv("MLFLOW_SECRET_NAME")
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv("MLFLOW_KEY")
	}
	if cfg.SecretName == "" || cfg.SecretKey == "" {
		return nil, errors.New("secret name and key are required: set MLFLOW_SECRET_NAME and MLFLOW_KEY")
	}
	return &cfg, nil
}

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(ctx, lg, m, cfg)
	})
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *config) error {
	f, err := os.Open(cfg.Predictions)
	if err != nil {
		return errors.Wrap(err, "open predictions")
	}
	targets, predictions, err := tracking.ReadPredictions(f, cfg.TargetColumn, cfg.PredictionColumn)
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "read %s", cfg.Predictions)
	}
	metrics, err := tracking.AbsErrorPercentiles(targets, predictions, tracking.DefaultQuantiles)
	if err != nil {
		return errors.Wrap(err, "evaluate")
	}
	for _, mt := range metrics {
		lg.Info("Evaluation metric", zap.String("metric", mt.Key), zap.Float64("value", mt.Value))
	}

	store, err := secretsmanager.New(ctx, secretsmanager.Config{
		Region:   cfg.Region,
		Endpoint: cfg.SecretsEndpoint,
	})
	if err != nil {
		return err
	}
	source, err := auth.NewAuthorizer(store,
		auth.SecretRef{Name: cfg.SecretName, Key: cfg.SecretKey},
		auth.Options{
			TTL:           5 * time.Minute,
			FetchTimeout:  10 * time.Second,
			Logger:        lg,
			MeterProvider: m.MeterProvider(),
		},
	)
	if err != nil {
		return errors.Wrap(err, "create credential source")
	}

	client := tracking.NewClient(cfg.TrackingURI,
		tracking.NewHTTPClient(source, m.TracerProvider(), m.MeterProvider()))

	expID, err := client.GetOrCreateExperiment(ctx, cfg.ExperimentName)
	if err != nil {
		return err
	}
	runID, err := client.CreateRun(ctx, expID, cfg.RunName)
	if err != nil {
		return err
	}
	lg.Info("Run started", zap.String("experiment_id", expID), zap.String("run_id", runID))

	params := []tracking.Param{
		{Key: "n-estimators", Value: strconv.Itoa(cfg.NEstimators)},
		{Key: "min-samples-leaf", Value: strconv.Itoa(cfg.MinSamplesLeaf)},
		{Key: "features", Value: cfg.Features},
	}
	status := tracking.RunFinished
	logErr := client.LogBatch(ctx, runID, params, metrics)
	if logErr != nil {
		status = tracking.RunFailed
	}
	if logErr != nil {
		lg.Error("Log metrics", zap.Error(logErr))
	}
	if err := client.FinishRun(ctx, runID, status); err != nil {
		return err
	}
	if logErr != nil {
		return logErr
	}
	lg.Info("Run finished", zap.String("run_id", runID))
	return nil
}

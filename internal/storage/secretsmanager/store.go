// Package secretsmanager implements auth.SecretStore on AWS Secrets Manager.
package secretsmanager

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/go-faster/errors"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
)

var _ auth.SecretStore = (*Store)(nil)

// API is the subset of the Secrets Manager client used by Store.
type API interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// Config describes how to reach Secrets Manager.
type Config struct {
	Region string
	// Endpoint overrides the service endpoint (LocalStack and similar).
	Endpoint string
	// MaxAttempts bounds SDK retries with backoff on transient errors.
	MaxAttempts int
}

// Store reads secret payloads from AWS Secrets Manager.
type Store struct {
	api API
}

// New loads the default AWS configuration (environment, shared config,
// instance role) for cfg.Region and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API) *Store {
	return &Store{api: api}
}

// SecretValue returns the current version of the secret. SecretString is
// preferred; binary secrets are returned as-is.
func (s *Store) SecretValue(ctx context.Context, name string) ([]byte, error) {
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, errors.Wrapf(auth.ErrSecretNotFound, "secret %q", name)
		}
		return nil, errors.Wrap(err, "get secret value")
	}

	switch {
	case out.SecretString != nil:
		return []byte(*out.SecretString), nil
	case out.SecretBinary != nil:
		return out.SecretBinary, nil
	default:
		return nil, errors.New("secret has no value")
	}
}

// PutSecret stores payload as a new version of an existing secret.
func (s *Store) PutSecret(ctx context.Context, name string, payload []byte) error {
	_, err := s.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(string(payload)),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return errors.Wrapf(auth.ErrSecretNotFound, "secret %q", name)
		}
		return errors.Wrap(err, "put secret value")
	}
	return nil
}

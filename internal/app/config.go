package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Secret backends.
const (
	BackendSecretsManager = "secretsmanager"
	BackendPostgres       = "postgres"
)

// Config holds the complete authorizer configuration, loadable from
// environment variables (AUTHORIZER_ prefix), flags, or YAML config files.
// The deployment variables MLFLOW_SECRET_NAME, MLFLOW_KEY, AWS_REGION,
// DATABASE_URL and PORT are honoured as well.
type Config struct {
	Addr      string `default:"0.0.0.0:8080" usage:"Authorizer listen address"`
	Secret    SecretConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Graceful  GracefulConfig
}

// SecretConfig locates the credential.
type SecretConfig struct {
	Name        string `usage:"Secret identifier (MLFLOW_SECRET_NAME)" flag:"secret-name"`
	Key         string `usage:"Key of the token inside the secret JSON (MLFLOW_KEY)" flag:"secret-key"`
	Region      string `usage:"AWS region of the secret (AWS_REGION)" flag:"region"`
	Backend     string `default:"secretsmanager" usage:"Secret backend: secretsmanager or postgres" flag:"secret-backend"`
	Endpoint    string `usage:"Secrets Manager endpoint override" flag:"secrets-endpoint"`
	DatabaseURL string `usage:"PostgreSQL URL for the postgres backend (DATABASE_URL)" flag:"database-url"`
}

// CacheConfig controls credential caching and refresh.
type CacheConfig struct {
	TTL                time.Duration `default:"5m"   usage:"Credential cache TTL, 0 disables caching"`
	FetchTimeout       time.Duration `default:"3s"   usage:"Secret store call timeout"`
	MaxAttempts        int           `default:"3"    usage:"Secret store attempts per fetch"`
	RefreshOnMismatch  bool          `default:"true" usage:"Refetch once when a token does not match"`
	MinRefreshInterval time.Duration `default:"30s"  usage:"Minimum credential age before a mismatch refetch"`
	Prefetch           bool          `default:"true" usage:"Fetch the credential at startup"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"0"  usage:"Max requests per window, 0 disables"`
	Window time.Duration `default:"1m" usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and command-line flags, then applies deployment defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(os.Args[1:])
}

func loadConfig(args []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "AUTHORIZER",
		Args:      args,
		Files:     []string{"config.yaml", "/etc/mlflow-authorizer/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the variables the Lambda authorizer and the
// training jobs already use onto empty fields.
func (c *Config) applyPlatformDefaults() {
	fill := func(dst *string, env string) {
		if *dst != "" {
			return
		}
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	fill(&c.Secret.Name, "MLFLOW_SECRET_NAME")
	fill(&c.Secret.Key, "MLFLOW_KEY")
	fill(&c.Secret.Region, "AWS_REGION")
	fill(&c.Secret.DatabaseURL, "DATABASE_URL")

	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	if c.Secret.Name == "" {
		return errors.New("secret name is required: set MLFLOW_SECRET_NAME")
	}
	if c.Secret.Key == "" {
		return errors.New("secret key is required: set MLFLOW_KEY")
	}
	switch c.Secret.Backend {
	case BackendSecretsManager:
		if c.Secret.Region == "" {
			return errors.New("aws region is required: set AWS_REGION")
		}
	case BackendPostgres:
		if c.Secret.DatabaseURL == "" {
			return errors.New("database URL is required for the postgres backend: set DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown secret backend %q", c.Secret.Backend)
	}
	if c.Cache.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be positive")
	}
	return nil
}

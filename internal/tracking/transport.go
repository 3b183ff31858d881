package tracking

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
)

// CredentialSource provides the bearer credential, usually an
// *auth.Authorizer so the tracking client shares its cache.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (auth.Credential, error)
}

var _ CredentialSource = (*auth.Authorizer)(nil)

// BearerTransport sets "Authorization: Bearer <credential>" on every request.
type BearerTransport struct {
	Source CredentialSource
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper. The request is cloned, never
// mutated.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cred, err := t.Source.FetchCredential(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, errors.Wrap(err, "bearer credential")
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+cred.Value)
	return t.base().RoundTrip(r)
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewHTTPClient returns an instrumented client authenticating with source.
func NewHTTPClient(source CredentialSource, tp trace.TracerProvider, mp metric.MeterProvider) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(&BearerTransport{Source: source},
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		),
	}
}

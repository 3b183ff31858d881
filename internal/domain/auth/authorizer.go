package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const bearerPrefix = "Bearer "

// Options configures caching and refresh behaviour of an Authorizer.
type Options struct {
	// TTL bounds how long a fetched credential is reused. Zero or negative
	// disables caching: every check goes to the store (still single-flighted).
	TTL time.Duration
	// FetchTimeout bounds a single store call. Zero means no timeout.
	FetchTimeout time.Duration
	// RefreshOnMismatch re-fetches the credential once when a well-formed token
	// does not match, so a rotated secret is picked up before TTL expiry.
	RefreshOnMismatch bool
	// MinRefreshInterval is the minimum credential age before a mismatch may
	// trigger a refresh.
	MinRefreshInterval time.Duration

	Logger        *zap.Logger
	MeterProvider metric.MeterProvider
}

// Authorizer decides whether a request carries the bearer token stored in a
// secret store. It is safe for concurrent use; construct one per process.
type Authorizer struct {
	store SecretStore
	ref   SecretRef
	opts  Options
	lg    *zap.Logger
	now   func() time.Time

	cached atomic.Pointer[Credential]
	group  singleflight.Group

	decisions     metric.Int64Counter
	fetches       metric.Int64Counter
	fetchDuration metric.Float64Histogram
}

// NewAuthorizer creates an Authorizer reading ref from store.
func NewAuthorizer(store SecretStore, ref SecretRef, opts Options) (*Authorizer, error) {
	if store == nil {
		return nil, errors.New("secret store is required")
	}
	if ref.Name == "" || ref.Key == "" {
		return nil, errors.New("secret name and key are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = noop.NewMeterProvider()
	}

	a := &Authorizer{
		store: store,
		ref:   ref,
		opts:  opts,
		lg:    opts.Logger.Named("authorizer"),
		now:   time.Now,
	}

	meter := opts.MeterProvider.Meter("mlflow-authorizer/auth")
	var err error
	if a.decisions, err = meter.Int64Counter("authorizer.decisions",
		metric.WithDescription("Authorization decisions by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "decisions counter")
	}
	if a.fetches, err = meter.Int64Counter("authorizer.credential.fetches",
		metric.WithDescription("Secret store fetches by result"),
	); err != nil {
		return nil, errors.Wrap(err, "fetches counter")
	}
	if a.fetchDuration, err = meter.Float64Histogram("authorizer.credential.fetch.duration",
		metric.WithDescription("Secret store fetch latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "fetch duration histogram")
	}

	return a, nil
}

// Authorize reports whether header equals "Bearer " + credential. It never
// fails: malformed headers and unavailable credentials are denials.
func (a *Authorizer) Authorize(ctx context.Context, header string) Decision {
	reason := "match"
	ok := false
	defer func() {
		a.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("authorized", ok),
			attribute.String("reason", reason),
		))
	}()

	if !strings.HasPrefix(header, bearerPrefix) {
		reason = "malformed"
		a.lg.Debug("Denied", zap.Error(ErrMalformedRequest))
		return Decision{}
	}

	cred, err := a.FetchCredential(ctx)
	if err != nil {
		reason = "unavailable"
		a.lg.Warn("Denied: credential unavailable", zap.Stringer("secret", a.ref), zap.Error(err))
		return Decision{}
	}

	if tokenEqual(header, cred.Value) {
		ok = true
		return Decision{IsAuthorized: true}
	}

	if a.opts.RefreshOnMismatch && a.now().Sub(cred.FetchedAt) >= a.opts.MinRefreshInterval {
		fresh, err := a.newerThan(ctx, cred)
		if err != nil {
			a.lg.Warn("Credential refresh failed", zap.Stringer("secret", a.ref), zap.Error(err))
		} else if fresh.Value != cred.Value && tokenEqual(header, fresh.Value) {
			a.lg.Info("Credential rotated", zap.Stringer("secret", a.ref))
			ok = true
			return Decision{IsAuthorized: true}
		}
	}

	reason = "mismatch"
	a.lg.Debug("Denied: token mismatch")
	return Decision{}
}

// tokenEqual compares header against the expected bearer string in constant
// time. Both sides are hashed first so the comparison also hides length.
func tokenEqual(header, credential string) bool {
	got := sha256.Sum256([]byte(header))
	want := sha256.Sum256([]byte(bearerPrefix + credential))
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// FetchCredential returns the cached credential, fetching it when the cache
// is empty or older than the TTL. Concurrent misses share one store call.
func (a *Authorizer) FetchCredential(ctx context.Context) (Credential, error) {
	if c := a.cached.Load(); c != nil && a.fresh(c) {
		return *c, nil
	}
	return a.refresh(ctx)
}

// Invalidate drops the cached credential.
func (a *Authorizer) Invalidate() {
	a.cached.Store(nil)
}

// newerThan returns a credential fetched after old, reusing one that another
// request already refreshed.
func (a *Authorizer) newerThan(ctx context.Context, old Credential) (Credential, error) {
	if c := a.cached.Load(); c != nil && c.FetchedAt.After(old.FetchedAt) {
		return *c, nil
	}
	return a.refresh(ctx)
}

func (a *Authorizer) fresh(c *Credential) bool {
	return a.opts.TTL > 0 && a.now().Sub(c.FetchedAt) < a.opts.TTL
}

// refresh fetches the credential through the single-flight group. The store
// call is detached from the caller's cancellation so that one abandoned
// request does not fail every waiter, but it is still bounded by FetchTimeout.
func (a *Authorizer) refresh(ctx context.Context) (Credential, error) {
	ch := a.group.DoChan(a.ref.String(), func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		if a.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, a.opts.FetchTimeout)
			defer cancel()
		}

		start := a.now()
		cred, err := FetchCredential(fetchCtx, a.store, a.ref, start)
		result := "ok"
		if err != nil {
			result = "error"
		}
		a.fetches.Add(fetchCtx, 1, metric.WithAttributes(attribute.String("result", result)))
		a.fetchDuration.Record(fetchCtx, a.now().Sub(start).Seconds())
		if err != nil {
			return nil, err
		}

		a.cached.Store(&cred)
		a.lg.Debug("Credential fetched", zap.Stringer("secret", a.ref))
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, errors.Wrap(unavailable(ctx.Err()), "wait for credential")
	}
}

package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running,
// which usually means fetches or requests are leaking.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// CredentialCheck fails when fetch cannot produce a credential. Pass a
// cached fetch so the probe does not add load on the secret store.
func CredentialCheck[T any](fetch func(context.Context) (T, error)) CheckFunc {
	return func(ctx context.Context) error {
		if _, err := fetch(ctx); err != nil {
			return errors.Wrap(err, "fetch credential")
		}
		return nil
	}
}

package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

var (
	// ErrCredentialUnavailable is returned when the credential cannot be
	// obtained: the store is unreachable, the secret does not exist, or the
	// key is missing from the secret payload.
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrMalformedRequest is returned when the authorization header is absent
	// or not of the form "Bearer <value>".
	ErrMalformedRequest = errors.New("malformed authorization header")
	// ErrSecretNotFound is returned by stores when the secret identifier does
	// not exist.
	ErrSecretNotFound = errors.New("secret not found")
)

// SecretRef identifies a credential inside a secret store.
type SecretRef struct {
	// Name is the secret identifier in the store (MLFLOW_SECRET_NAME).
	Name string
	// Key selects the credential inside the JSON secret payload (MLFLOW_KEY).
	Key string
}

func (r SecretRef) String() string {
	return r.Name + "#" + r.Key
}

// Credential is a secret value fetched from a store.
type Credential struct {
	Value     string
	FetchedAt time.Time
}

// String never prints the value.
func (c Credential) String() string {
	return "Credential(redacted)"
}

// GoString never prints the value.
func (c Credential) GoString() string {
	return c.String()
}

// Decision is the complete response contract of an authorization check.
type Decision struct {
	IsAuthorized bool
}

// SecretStore reads raw secret payloads by name.
type SecretStore interface {
	SecretValue(ctx context.Context, name string) ([]byte, error)
}

// FetchCredential reads the secret referenced by ref and extracts the
// credential stored under ref.Key. All failures wrap ErrCredentialUnavailable.
func FetchCredential(ctx context.Context, store SecretStore, ref SecretRef, now time.Time) (Credential, error) {
	payload, err := store.SecretValue(ctx, ref.Name)
	if err != nil {
		return Credential{}, errors.Wrapf(unavailable(err), "read secret %q", ref.Name)
	}
	value, err := credentialFromPayload(payload, ref.Key)
	if err != nil {
		return Credential{}, errors.Wrapf(err, "secret %q", ref.Name)
	}
	return Credential{Value: value, FetchedAt: now}, nil
}

// credentialFromPayload extracts the string value at key from a JSON object.
func credentialFromPayload(payload []byte, key string) (string, error) {
	d := jx.DecodeBytes(payload)
	if d.Next() != jx.Object {
		return "", errors.Wrap(ErrCredentialUnavailable, "payload is not a JSON object")
	}

	var (
		value string
		found bool
	)
	if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != key {
			return d.Skip()
		}
		if d.Next() != jx.String {
			return errors.Errorf("key %q is not a string", key)
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		value, found = v, true
		return nil
	}); err != nil {
		return "", errors.Wrap(unavailable(err), "decode payload")
	}

	if !found {
		return "", errors.Wrapf(ErrCredentialUnavailable, "key %q missing", key)
	}
	if value == "" {
		return "", errors.Wrapf(ErrCredentialUnavailable, "key %q is empty", key)
	}
	return value, nil
}

// EncodePayload returns the secret payload {"<key>":"<value>"} that
// FetchCredential reads back.
func EncodePayload(key, value string) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart(key)
	e.Str(value)
	e.ObjEnd()
	return e.Bytes()
}

// unavailable marks err as ErrCredentialUnavailable while keeping the cause
// reachable through errors.Is/As.
func unavailable(err error) error {
	if errors.Is(err, ErrCredentialUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrCredentialUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrCredentialUnavailable, e.cause}
}

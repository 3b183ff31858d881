// Package tracking is a small client for the MLflow tracking REST API used
// by jobs that report evaluation metrics through the authorizer.
package tracking

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

var (
	// ErrNotFound is matched by API errors for missing resources.
	ErrNotFound = errors.New("resource does not exist")
	// ErrUnauthorized is matched by API errors the authorizer rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response from the tracking server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mlflow: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mlflow: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is reports whether e matches ErrNotFound or ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == "RESOURCE_DOES_NOT_EXIST" || e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	default:
		return false
	}
}

// RunStatus is the terminal state of a run.
type RunStatus string

// Run statuses accepted by runs/update.
const (
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
	RunKilled   RunStatus = "KILLED"
)

// Param is a run parameter.
type Param struct {
	Key   string
	Value string
}

// Metric is a single metric observation.
type Metric struct {
	Key   string
	Value float64
	Step  int64
}

// Client talks to an MLflow tracking server.
type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time
}

// NewClient returns a client for the tracking server at baseURL. httpClient
// carries authentication, see NewHTTPClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		now:     time.Now,
	}
}

// GetOrCreateExperiment returns the id of the named experiment, creating it
// when it does not exist.
func (c *Client) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name",
		url.Values{"experiment_name": {name}}, nil)
	switch {
	case err == nil:
		return lookupString(data, "experiment", "experiment_id")
	case !errors.Is(err, ErrNotFound):
		return "", errors.Wrapf(err, "get experiment %q", name)
	}

	zctx.From(ctx).Info("Creating experiment", zap.String("experiment", name))

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("name", func(e *jx.Encoder) { e.Str(name) })
	})
	data, err = c.do(ctx, http.MethodPost, "/api/2.0/mlflow/experiments/create", nil, e.Bytes())
	if err != nil {
		return "", errors.Wrapf(err, "create experiment %q", name)
	}
	return lookupString(data, "experiment_id")
}

// CreateRun starts a run in the experiment and returns its id.
func (c *Client) CreateRun(ctx context.Context, experimentID, runName string) (string, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("experiment_id", func(e *jx.Encoder) { e.Str(experimentID) })
		e.Field("start_time", func(e *jx.Encoder) { e.Int64(c.now().UnixMilli()) })
		if runName != "" {
			e.Field("run_name", func(e *jx.Encoder) { e.Str(runName) })
		}
	})
	data, err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/create", nil, e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "create run")
	}
	return lookupString(data, "run", "info", "run_id")
}

// LogBatch records params and metrics on a run in one request.
func (c *Client) LogBatch(ctx context.Context, runID string, params []Param, metrics []Metric) error {
	ts := c.now().UnixMilli()
	for _, m := range metrics {
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return errors.Errorf("metric %q is not finite", m.Key)
		}
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("run_id", func(e *jx.Encoder) { e.Str(runID) })
		e.Field("params", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, p := range params {
					e.Obj(func(e *jx.Encoder) {
						e.Field("key", func(e *jx.Encoder) { e.Str(p.Key) })
						e.Field("value", func(e *jx.Encoder) { e.Str(p.Value) })
					})
				}
			})
		})
		e.Field("metrics", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, m := range metrics {
					e.Obj(func(e *jx.Encoder) {
						e.Field("key", func(e *jx.Encoder) { e.Str(m.Key) })
						e.Field("value", func(e *jx.Encoder) { e.Float64(m.Value) })
						e.Field("timestamp", func(e *jx.Encoder) { e.Int64(ts) })
						e.Field("step", func(e *jx.Encoder) { e.Int64(m.Step) })
					})
				}
			})
		})
	})
	if _, err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-batch", nil, e.Bytes()); err != nil {
		return errors.Wrap(err, "log batch")
	}
	return nil
}

// FinishRun sets the terminal status and end time of a run.
func (c *Client) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("run_id", func(e *jx.Encoder) { e.Str(runID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(status)) })
		e.Field("end_time", func(e *jx.Encoder) { e.Int64(c.now().UnixMilli()) })
	})
	if _, err := c.do(ctx, http.MethodPost, "/api/2.0/mlflow/runs/update", nil, e.Bytes()); err != nil {
		return errors.Wrap(err, "update run")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	zctx.From(ctx).Debug("Tracking request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeAPIError reads {"error_code":..., "message":...}; bodies in other
// shapes leave Code empty.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	d := jx.DecodeBytes(data)
	if d.Next() != jx.Object {
		return apiErr
	}
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() != jx.String {
			return d.Skip()
		}
		switch string(key) {
		case "error_code":
			v, err := d.Str()
			apiErr.Code = v
			return err
		case "message":
			v, err := d.Str()
			apiErr.Message = v
			return err
		default:
			return d.Skip()
		}
	})
	return apiErr
}

// lookupString returns the string at path inside nested JSON objects.
func lookupString(data []byte, path ...string) (string, error) {
	v, ok, err := lookup(jx.DecodeBytes(data), path)
	if err != nil {
		return "", errors.Wrap(err, "decode response")
	}
	if !ok {
		return "", errors.Errorf("response has no %s", strings.Join(path, "."))
	}
	return v, nil
}

func lookup(d *jx.Decoder, path []string) (value string, found bool, err error) {
	if d.Next() != jx.Object {
		return "", false, d.Skip()
	}
	err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if found || string(key) != path[0] {
			return d.Skip()
		}
		if len(path) > 1 {
			v, ok, err := lookup(d, path[1:])
			value, found = v, ok
			return err
		}
		if d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		value, found = v, err == nil
		return err
	})
	return value, found, err
}

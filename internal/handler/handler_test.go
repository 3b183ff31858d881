package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
)

// --- Mock implementations ---

type mockAuthorizer struct {
	mu    sync.Mutex
	token string
	seen  []string
}

func (m *mockAuthorizer) Authorize(_ context.Context, header string) auth.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, header)
	return auth.Decision{IsAuthorized: header == "Bearer "+m.token}
}

func newTestServer(token string) (*mockAuthorizer, http.Handler) {
	m := &mockAuthorizer{token: token}
	mux := http.NewServeMux()
	NewHandler(m).Register(mux)
	return m, mux
}

func postEvent(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestAuthorize_Event(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "valid token",
			body: `{"version":"2.0","type":"REQUEST","routeArn":"arn:aws:execute-api:us-west-2:123:abc/$default/GET/api",
				"identitySource":["Bearer secrettoken"],"routeKey":"$default",
				"headers":{"accept":"*/*","authorization":"Bearer secrettoken","host":"example.com"},
				"requestContext":{"http":{"method":"GET","path":"/api/2.0/mlflow/experiments/list","sourceIp":"10.0.0.1"}}}`,
			want: true,
		},
		{
			name: "wrong token",
			body: `{"headers":{"authorization":"Bearer wrongtoken"}}`,
		},
		{
			name: "header name is case-insensitive",
			body: `{"headers":{"Authorization":"Bearer secrettoken"}}`,
			want: true,
		},
		{
			name: "header value is case-sensitive",
			body: `{"headers":{"authorization":"bearer secrettoken"}}`,
		},
		{
			name: "absent header",
			body: `{"headers":{"host":"example.com"}}`,
		},
		{
			name: "null headers",
			body: `{"headers":null}`,
		},
		{
			name: "identity source fallback",
			body: `{"identitySource":["Bearer secrettoken"],"headers":{}}`,
			want: true,
		},
		{
			name: "header takes precedence over identity source",
			body: `{"identitySource":["Bearer secrettoken"],"headers":{"authorization":"Bearer other"}}`,
		},
		{
			name: "non-string header",
			body: `{"headers":{"authorization":42}}`,
		},
		{
			name: "malformed json",
			body: `{"headers":{"authorization":"Bearer secrettoken"`,
		},
		{
			name: "not an object",
			body: `["Bearer secrettoken"]`,
		},
		{
			name: "empty body",
			body: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer("secrettoken")

			w := postEvent(h, tt.body)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			if tt.want {
				assert.JSONEq(t, `{"isAuthorized":true}`, w.Body.String())
			} else {
				assert.JSONEq(t, `{"isAuthorized":false}`, w.Body.String())
			}
		})
	}
}

func TestAuthorize_MalformedEventSkipsAuthorizer(t *testing.T) {
	m, h := newTestServer("secrettoken")

	postEvent(h, `not json`)
	assert.Empty(t, m.seen)
}

func TestAuthorize_OversizedEventDenied(t *testing.T) {
	m, h := newTestServer("secrettoken")

	body := `{"headers":{"authorization":"Bearer secrettoken"},"pad":"` + strings.Repeat("x", maxEventBytes) + `"}`
	w := postEvent(h, body)

	assert.JSONEq(t, `{"isAuthorized":false}`, w.Body.String())
	assert.Empty(t, m.seen)
}

func TestAuthorize_MethodNotAllowed(t *testing.T) {
	_, h := newTestServer("secrettoken")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authorize", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestForwardAuth(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid token", header: "Bearer secrettoken", want: http.StatusNoContent},
		{name: "wrong token", header: "Bearer wrongtoken", want: http.StatusUnauthorized},
		{name: "absent header", want: http.StatusUnauthorized},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer("secrettoken")

			req := httptest.NewRequest(http.MethodGet, "/auth", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestDecodeEvent_IdentitySourceString(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"identitySource":"Bearer abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", ev.header())
}

func TestEncodeDecision(t *testing.T) {
	assert.Equal(t, `{"isAuthorized":true}`, string(encodeDecision(true)))
	assert.Equal(t, `{"isAuthorized":false}`, string(encodeDecision(false)))
}

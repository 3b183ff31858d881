package handler

import (
	"context"
	"net/http"

	"github.com/xenking/mlflow-authorizer/internal/domain/auth"
)

// maxEventBytes bounds the authorizer event body. API Gateway events are a
// few kilobytes; anything larger is denied without being decoded.
const maxEventBytes = 1 << 20

// Authorizer decides on a raw Authorization header value.
type Authorizer interface {
	Authorize(ctx context.Context, header string) auth.Decision
}

// Compile-time check ensuring the domain authorizer satisfies Authorizer.
var _ Authorizer = (*auth.Authorizer)(nil)

// Handler serves the authorization endpoints.
type Handler struct {
	authorizer Authorizer
}

// NewHandler constructs a Handler around authorizer.
func NewHandler(authorizer Authorizer) *Handler {
	return &Handler{authorizer: authorizer}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /authorize", h.Authorize)
	mux.HandleFunc("/auth", h.ForwardAuth)
}

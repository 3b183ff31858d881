package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Authorize handles API Gateway HTTP API authorizer events and always answers
// 200 with {"isAuthorized":bool}. Unreadable or undecodable events deny.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	authorized := false
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	switch {
	case err != nil:
		lg.Warn("Read authorizer event", zap.Error(err))
	case len(body) > maxEventBytes:
		lg.Warn("Authorizer event too large")
	default:
		ev, err := decodeEvent(body)
		if err != nil {
			lg.Warn("Malformed authorizer event", zap.Error(err))
			break
		}
		authorized = h.authorizer.Authorize(ctx, ev.header()).IsAuthorized
	}

	lg.Info("Authorization decision", zap.Bool("authorized", authorized))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encodeDecision(authorized))
}

// ForwardAuth serves reverse-proxy subrequests (nginx auth_request, Traefik
// forwardAuth): 204 when the request's Authorization header is accepted,
// 401 otherwise.
func (h *Handler) ForwardAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	decision := h.authorizer.Authorize(ctx, r.Header.Get("Authorization"))
	zctx.From(ctx).Info("Authorization decision", zap.Bool("authorized", decision.IsAuthorized))

	w.Header().Set("Cache-Control", "no-store")
	if !decision.IsAuthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mlflow"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

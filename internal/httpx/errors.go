package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

// writeError writes a JSON error body with the given status code.
func writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain/registry errors to HTTP responses. Integrity
// failures stay generic; not-found is indistinguishable from forbidden to
// resist repository enumeration.
func mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	switch {
	case errors.Is(err, domain.ErrInvalidID):
		slog.Warn("service error", "cid", cid, "code", "invalid_id")
		writeError(ctx, w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, domain.ErrNotFound):
		slog.Info("service error", "cid", cid, "code", "not_found")
		writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrDenied):
		slog.Warn("service error", "cid", cid, "code", "denied")
		writeError(ctx, w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrConflict):
		slog.Warn("service error", "cid", cid, "code", "conflict")
		writeError(ctx, w, http.StatusConflict, "already exists")
	case errors.Is(err, domain.ErrUpstream):
		slog.Error("service error", "cid", cid, "code", "upstream")
		writeError(ctx, w, http.StatusBadGateway, "authorization unavailable")
	case errors.Is(err, domain.ErrIntegrity):
		slog.Warn("service error", "cid", cid, "code", "integrity")
		writeError(ctx, w, http.StatusBadRequest, "integrity check failed")
	default:
		// Internal / unexpected: do not echo raw error strings to clients.
		slog.Error("unhandled service error", "cid", cid, "code", "unhandled")
		writeError(ctx, w, http.StatusInternalServerError, "internal")
	}
}

// denyDecision translates a denied authorization decision into a response.
// Session and grant reasons are specific (they do not weaken the crypto);
// absence of any grant is reported as not-found to resist enumeration.
func denyDecision(ctx context.Context, w http.ResponseWriter, d registry.Decision) {
	cid, _ := GetCorrelationID(ctx)
	slog.Info("access denied", "cid", cid, "method", d.Method, "reason", d.Reason)
	switch d.Reason {
	case registry.ReasonNoCredentials:
		w.Header().Set("WWW-Authenticate", `Bearer realm="medvault"`)
		writeError(ctx, w, http.StatusUnauthorized, "authentication required")
	case registry.ReasonNoGrant, registry.ReasonSessionNotFound:
		writeError(ctx, w, http.StatusNotFound, "not found")
	default:
		writeError(ctx, w, http.StatusForbidden, d.Reason)
	}
}

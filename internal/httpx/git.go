package httpx

import (
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"
)

// handleInfoRefs implements GET /repos/{id}/info/refs?service=... — the
// smart-HTTP ref advertisement. A write advertisement against a nonexistent
// repository triggers push-to-create for principal-authenticated callers.
func (h *Handler) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := r.URL.Query().Get("service")
	if service != serviceUploadPack && service != serviceReceivePack {
		// The dumb protocol is not served; every blob here is opaque anyway.
		writeError(ctx, w, http.StatusBadRequest, "smart protocol required")
		return
	}
	op := domain.OpRead
	if service == serviceReceivePack {
		op = domain.OpWrite
	}
	id, ok := h.admit(w, r, op)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	if err := h.Store.AdvertiseRefs(ctx, service, id, w); err != nil {
		cid, _ := GetCorrelationID(ctx)
		slog.Error("advertise failed", "cid", cid, "repo", id.String(), "err", err)
		// Headers may already be written; nothing safe to add.
	}
}

// handleRPC returns the handler for POST /repos/{id}/git-{service}. The
// request body streams directly into the storage-engine subprocess and its
// output streams back, so arbitrarily large histories move under bounded
// memory.
func (h *Handler) handleRPC(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		op := domain.OpRead
		if service == serviceReceivePack {
			op = domain.OpWrite
		}
		id, ok := h.admit(w, r, op)
		if !ok {
			return
		}
		body := io.Reader(r.Body)
		if h.MaxBody > 0 {
			body = http.MaxBytesReader(w, r.Body, h.MaxBody)
		}
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(body)
			if err != nil {
				writeError(ctx, w, http.StatusBadRequest, "bad gzip body")
				return
			}
			defer gz.Close()
			body = gz
		}
		w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", service))
		if err := h.Store.ServicePack(ctx, service, id, body, w); err != nil {
			// The subprocess failed to launch; nothing has been streamed yet.
			writeError(ctx, w, http.StatusInternalServerError, "internal")
			return
		}
	}
}

// admit runs the shared per-request state machine: credential extraction,
// repository existence (with push-to-create), and the authorization check.
// It writes the failure response itself and reports success via ok.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, op domain.Operation) (domain.RepoID, bool) {
	ctx := r.Context()
	id, err := domain.ParseRepoID(r.PathValue("id"))
	if err != nil {
		// Malformed ids are indistinguishable from absent repositories.
		writeError(ctx, w, http.StatusNotFound, "not found")
		return "", false
	}
	cred, err := h.credential(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="medvault"`)
		writeError(ctx, w, http.StatusUnauthorized, "invalid credentials")
		return "", false
	}
	if cred.Principal == "" && cred.SessionToken == "" {
		denyDecision(ctx, w, registry.Decision{Method: "none", Reason: registry.ReasonNoCredentials})
		return "", false
	}
	if !h.Store.Exists(id) {
		// Push-to-create is reserved to principal-authenticated writers;
		// session-token callers must never be able to create repositories.
		if op != domain.OpWrite || cred.Principal == "" {
			writeError(ctx, w, http.StatusNotFound, "not found")
			return "", false
		}
		if !h.autoCreate(w, r, id, cred.Principal) {
			return "", false
		}
	}
	decision, err := h.Oracle.CheckAccess(ctx, cred, id, op)
	if err != nil {
		// The oracle is unreachable: fail closed, never open.
		mapServiceError(ctx, w, fmt.Errorf("%w: %v", domain.ErrUpstream, err))
		return "", false
	}
	if !decision.Allowed {
		denyDecision(ctx, w, decision)
		return "", false
	}
	return id, true
}

// autoCreate provisions bare storage then registers it with the oracle. If
// registration fails the storage is rolled back so registry and disk never
// diverge.
func (h *Handler) autoCreate(w http.ResponseWriter, r *http.Request, id domain.RepoID, principal string) bool {
	ctx := r.Context()
	cid, _ := GetCorrelationID(ctx)
	if err := h.Store.InitBare(ctx, id); err != nil {
		slog.Error("push-to-create storage failed", "cid", cid, "repo", id.String(), "err", err)
		writeError(ctx, w, http.StatusInternalServerError, "internal")
		return false
	}
	if _, err := h.Oracle.RegisterRepository(ctx, id, principal, "", "medical"); err != nil {
		if delErr := h.Store.Delete(id); delErr != nil {
			slog.Error("push-to-create rollback failed", "cid", cid, "repo", id.String(), "err", delErr)
		}
		mapServiceError(ctx, w, err)
		return false
	}
	slog.Info("push-to-create", "cid", cid, "repo", id.String())
	return true
}

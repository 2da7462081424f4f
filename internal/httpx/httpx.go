// Package httpx contains the HTTP delivery layer for the medvault service:
// the Git smart-HTTP transport endpoints and the internal authorization RPC.
// It maps requests to the registry and storage layers while enforcing
// credential extraction, per-request authorization, streaming semantics, and
// error translation. Handlers are split across files (git.go, internal.go,
// credentials.go, errors.go).
package httpx

import (
	"context"
	"io"
	"net/http"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

// Authorizer is the oracle every request decision flows through. It is
// satisfied in-process by *registry.Service and across deployments by
// OracleClient. There is no authorization shortcut inside this package.
type Authorizer interface {
	CheckAccess(ctx context.Context, cred registry.Credential, repoID domain.RepoID, op domain.Operation) (registry.Decision, error)
	RegisterRepository(ctx context.Context, id domain.RepoID, owner, description, repoType string) (*registry.Repository, error)
}

// GitStore abstracts the storage engine operations the transport needs.
// Satisfied by *gitx.Store in production and mocked in tests.
type GitStore interface {
	Exists(id domain.RepoID) bool
	InitBare(ctx context.Context, id domain.RepoID) error
	Delete(id domain.RepoID) error
	AdvertiseRefs(ctx context.Context, service string, id domain.RepoID, w io.Writer) error
	ServicePack(ctx context.Context, service string, id domain.RepoID, r io.Reader, w io.Writer) error
}

// RegistryPort is the wider registry surface the internal RPC exposes.
// Satisfied by *registry.Service.
type RegistryPort interface {
	Authorizer
	ListAccessibleRepositories(ctx context.Context, principal string) ([]registry.Repository, error)
	CreateScanSession(ctx context.Context, principal string, stagingRepoID domain.RepoID) (*registry.ScanSession, error)
	RevokeScanSession(ctx context.Context, token domain.SessionToken, principal string) error
	CleanupExpiredSessions(ctx context.Context) ([]domain.RepoID, error)
	DeleteRepository(ctx context.Context, id domain.RepoID) error
}

// Handler wires the HTTP endpoints to the oracle and storage engine.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Oracle         Authorizer
	Registry       RegistryPort // internal RPC surface; nil disables it
	Store          GitStore
	Tokens         TokenVerifier
	InternalSecret string
	MaxBody        int64 // cap on RPC request bodies (0 disables)
}

// New returns a configured Handler.
func New(oracle Authorizer, store GitStore, tokens TokenVerifier) *Handler {
	return &Handler{Oracle: oracle, Store: store, Tokens: tokens}
}

// Router constructs an http.Handler with all routes mounted, correlation-ID
// middleware, and cache-defeating headers applied.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{id}/info/refs", h.handleInfoRefs)
	mux.HandleFunc("POST /repos/{id}/git-upload-pack", h.handleRPC(serviceUploadPack))
	mux.HandleFunc("POST /repos/{id}/git-receive-pack", h.handleRPC(serviceReceivePack))
	if h.Registry != nil {
		mux.Handle("/internal/", h.internalGuard(h.internalRouter()))
	}
	return CorrelationIDMiddleware(h.noCache(mux))
}

// noCache middleware defeats proxy caching on every git endpoint; smart-HTTP
// responses are credential-scoped and must never be served stale.
func (h *Handler) noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

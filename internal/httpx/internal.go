package httpx

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"time"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"
)

// InternalAuthHeader guards the internal authorization RPC. The surface is
// JSON over HTTP and must never be exposed beyond the deployment boundary.
const InternalAuthHeader = "X-Internal-Auth"

// internalGuard rejects any internal RPC call lacking the shared secret.
func (h *Handler) internalGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(InternalAuthHeader)
		if h.InternalSecret == "" || !hmac.Equal([]byte(got), []byte(h.InternalSecret)) {
			writeError(r.Context(), w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) internalRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/check-access", h.handleCheckAccess)
	mux.HandleFunc("POST /internal/register-repo", h.handleRegisterRepo)
	mux.HandleFunc("GET /internal/user/repositories", h.handleListRepos)
	mux.HandleFunc("DELETE /internal/repos/{id}", h.handleDeleteRepo)
	mux.HandleFunc("POST /internal/scan/session", h.handleScanSession)
	mux.HandleFunc("POST /internal/scan/revoke", h.handleScanRevoke)
	mux.HandleFunc("POST /internal/scan/cleanup", h.handleScanCleanup)
	return mux
}

// checkAccessRequest mirrors the wire shape used by OracleClient.
type checkAccessRequest struct {
	Principal    string `json:"principal,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	RepoID       string `json:"repo_id"`
	Operation    string `json:"operation"`
}

func (h *Handler) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req checkAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "bad request")
		return
	}
	cred := registry.Credential{
		Principal:    req.Principal,
		SessionToken: domain.SessionToken(req.SessionToken),
	}
	d, err := h.Registry.CheckAccess(ctx, cred, domain.RepoID(req.RepoID), domain.Operation(req.Operation))
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		ID          string `json:"id"`
		Owner       string `json:"owner"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "bad request")
		return
	}
	id, err := domain.ParseRepoID(req.ID)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	repo, err := h.Registry.RegisterRepository(ctx, id, req.Owner, req.Description, req.Type)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repoJSON(repo))
}

func (h *Handler) handleListRepos(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		writeError(ctx, w, http.StatusBadRequest, "principal required")
		return
	}
	repos, err := h.Registry.ListAccessibleRepositories(ctx, principal)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	out := make([]map[string]any, 0, len(repos))
	for i := range repos {
		out = append(out, repoJSON(&repos[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseRepoID(r.PathValue("id"))
	if err != nil {
		mapServiceError(ctx, w, domain.ErrNotFound)
		return
	}
	// Registry first, storage second: a crash in between leaves an orphaned
	// directory, never a registry row pointing at missing storage.
	if err := h.Registry.DeleteRepository(ctx, id); err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	if err := h.Store.Delete(id); err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleScanSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Principal     string `json:"principal"`
		StagingRepoID string `json:"staging_repo_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "bad request")
		return
	}
	sess, err := h.Registry.CreateScanSession(ctx, req.Principal, domain.RepoID(req.StagingRepoID))
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}{Token: sess.Token.String(), ExpiresAt: sess.ExpiresAt})
}

func (h *Handler) handleScanRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Token     string `json:"token"`
		Principal string `json:"principal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "bad request")
		return
	}
	if err := h.Registry.RevokeScanSession(ctx, domain.SessionToken(req.Token), req.Principal); err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleScanCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := h.Registry.CleanupExpiredSessions(ctx)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	writeJSON(w, http.StatusOK, struct {
		StagingRepoIDs []string `json:"staging_repo_ids"`
	}{StagingRepoIDs: out})
}

func repoJSON(repo *registry.Repository) map[string]any {
	return map[string]any{
		"id":          repo.ID.String(),
		"owner":       repo.Owner,
		"description": repo.Description,
		"type":        repo.Type,
		"created_at":  repo.CreatedAt,
		"updated_at":  repo.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

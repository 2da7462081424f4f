package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/medvault/medvault/internal/domain"
)

// Credential is the tagged union of the two mutually exclusive credential
// schemes: a verified principal identity or an opaque scan-session token.
// Exactly one field should be set; Principal wins if both are.
type Credential struct {
	Principal    string
	SessionToken domain.SessionToken
}

// Deny reasons returned in Decision.Reason. Authorization reasons are
// deliberately specific (they do not weaken the crypto), unlike integrity
// errors which stay generic.
const (
	ReasonNoCredentials   = "no credentials"
	ReasonSessionNotFound = "session not found"
	ReasonSessionRevoked  = "session revoked"
	ReasonSessionExpired  = "session expired"
	ReasonScopeMismatch   = "session scope mismatch"
	ReasonNoGrant         = "no grant"
	ReasonWriteDenied     = "write denied"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool               `json:"allowed"`
	Level   domain.AccessLevel `json:"access_level,omitempty"`
	Method  string             `json:"auth_method"` // "principal", "session", or "none"
	Reason  string             `json:"reason,omitempty"`
}

// Service orchestrates registry operations over the Store port. It holds no
// mutable state beyond the store's own connection pool and is safe for
// concurrent use.
type Service struct {
	Store      Store
	Clock      Clock
	SessionTTL time.Duration // zero means domain.SessionTTL
	Logger     *slog.Logger
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger.With("domain", "registry")
	}
	return slog.Default().With("domain", "registry")
}

// RegisterRepository records a repository and grants the owner admin, inside
// one transaction; on any failure nothing is persisted.
func (s *Service) RegisterRepository(ctx context.Context, id domain.RepoID, owner, description, repoType string) (*Repository, error) {
	if !id.Valid() {
		return nil, domain.ErrInvalidID
	}
	if owner == "" {
		return nil, fmt.Errorf("register repository: empty owner")
	}
	now := s.Clock.Now()
	repo := Repository{
		ID:          id,
		Owner:       owner,
		Description: description,
		Type:        repoType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateRepository(ctx, repo); err != nil {
		return nil, err
	}
	s.log().Info("repository registered", "repo", id.String(), "staging", id.IsStaging())
	return &repo, nil
}

// CheckAccess is the single authorization decision point. The two credential
// paths are mutually exclusive; a missing credential denies outright.
func (s *Service) CheckAccess(ctx context.Context, cred Credential, repoID domain.RepoID, op domain.Operation) (Decision, error) {
	switch {
	case cred.Principal != "":
		return s.checkPrincipal(ctx, cred.Principal, repoID, op)
	case cred.SessionToken != "":
		return s.checkSession(ctx, cred.SessionToken, repoID)
	default:
		return Decision{Method: "none", Reason: ReasonNoCredentials}, nil
	}
}

func (s *Service) checkPrincipal(ctx context.Context, principal string, repoID domain.RepoID, op domain.Operation) (Decision, error) {
	d := Decision{Method: "principal"}
	g, err := s.Store.GetGrant(ctx, repoID, principal)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.Reason = ReasonNoGrant
			return d, nil
		}
		return d, err
	}
	if op == domain.OpWrite && !g.Level.CanWrite() {
		d.Reason = ReasonWriteDenied
		d.Level = g.Level
		return d, nil
	}
	d.Allowed = true
	d.Level = g.Level
	return d, nil
}

func (s *Service) checkSession(ctx context.Context, token domain.SessionToken, repoID domain.RepoID) (Decision, error) {
	d := Decision{Method: "session"}
	sess, err := s.Store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			d.Reason = ReasonSessionNotFound
			return d, nil
		}
		return d, err
	}
	now := s.Clock.Now()
	switch {
	case sess.Revoked:
		d.Reason = ReasonSessionRevoked
	case !now.Before(sess.ExpiresAt): // valid strictly before expiry
		d.Reason = ReasonSessionExpired
	case sess.StagingRepoID != repoID:
		d.Reason = ReasonScopeMismatch
	default:
		// A live, matching session always grants read-write: the clinician
		// may clone and push a reply within the window.
		d.Allowed = true
		d.Level = domain.AccessReadWrite
	}
	return d, nil
}

// ListAccessibleRepositories returns every repository the principal holds a
// grant on, newest-created first.
func (s *Service) ListAccessibleRepositories(ctx context.Context, principal string) ([]Repository, error) {
	return s.Store.ListByPrincipal(ctx, principal)
}

// CreateScanSession mints an unguessable token bound 1:1 to a staging
// repository. The staging id must lie in the reserved namespace.
func (s *Service) CreateScanSession(ctx context.Context, principal string, stagingRepoID domain.RepoID) (*ScanSession, error) {
	if !stagingRepoID.IsStaging() {
		return nil, domain.ErrInvalidID
	}
	if principal == "" {
		return nil, fmt.Errorf("create scan session: empty principal")
	}
	token, err := domain.NewSessionToken()
	if err != nil {
		return nil, err
	}
	ttl := s.SessionTTL
	if ttl <= 0 {
		ttl = domain.SessionTTL
	}
	now := s.Clock.Now()
	sess := ScanSession{
		Token:         token,
		StagingRepoID: stagingRepoID,
		Principal:     principal,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	if err := s.Store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	s.log().Info("scan session created", "staging", stagingRepoID.String(), "expires_at", sess.ExpiresAt)
	return &sess, nil
}

// RevokeScanSession revokes a session. Only the creating principal may
// revoke; an already revoked session is an idempotent no-op.
func (s *Service) RevokeScanSession(ctx context.Context, token domain.SessionToken, principal string) error {
	sess, err := s.Store.GetSession(ctx, token)
	if err != nil {
		return err
	}
	if sess.Principal != principal {
		return domain.ErrDenied
	}
	if sess.Revoked {
		return nil
	}
	if err := s.Store.RevokeSession(ctx, token, s.Clock.Now()); err != nil {
		return err
	}
	s.log().Info("scan session revoked", "staging", sess.StagingRepoID.String())
	return nil
}

// CleanupExpiredSessions deletes registry state for sessions past their grace
// window (15 minutes after expiry, or 5 minutes after revocation) and returns
// the staging repo ids whose physical storage the caller must remove. Running
// it again over an already-cleaned set is a no-op.
func (s *Service) CleanupExpiredSessions(ctx context.Context) ([]domain.RepoID, error) {
	now := s.Clock.Now()
	ids, err := s.Store.PurgeSessions(ctx, now.Add(-domain.ExpiryGrace), now.Add(-domain.RevokeGrace))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.log().Info("sessions purged", "count", len(ids))
	}
	return ids, nil
}

// HasRepository reports whether a repository row exists. The staging janitor
// uses it to tell live staging repos from orphans left by a crash between
// registry and storage deletion.
func (s *Service) HasRepository(ctx context.Context, id domain.RepoID) (bool, error) {
	_, err := s.Store.GetRepository(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteRepository removes a repository and cascades its grants and scan
// sessions.
func (s *Service) DeleteRepository(ctx context.Context, id domain.RepoID) error {
	if !id.Valid() {
		return domain.ErrInvalidID
	}
	return s.Store.DeleteRepository(ctx, id)
}

// MergePrincipals migrates every repository and grant owned by loser onto
// winner. The store performs the whole migration in one transaction,
// preserving at most one grant per (repo, principal).
func (s *Service) MergePrincipals(ctx context.Context, winner, loser string) error {
	if winner == "" || loser == "" || winner == loser {
		return fmt.Errorf("merge principals: invalid pair")
	}
	if err := s.Store.MergePrincipals(ctx, winner, loser); err != nil {
		return err
	}
	s.log().Info("principals merged")
	return nil
}

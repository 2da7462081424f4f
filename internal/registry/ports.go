// Package registry implements the access-control service: the durable record
// of repositories, per-principal grants, and ephemeral scan sessions. It is
// the single authorization oracle; every decision in the system, including
// push-to-create, flows through Service.CheckAccess. Persistence concerns are
// isolated behind the Store port so the SQLite adapter can be tested and
// evolved independently.
package registry

import (
	"context"
	"time"

	"github.com/medvault/medvault/internal/domain"
)

// Repository is a registered record tree.
type Repository struct {
	ID          domain.RepoID
	Owner       string
	Description string
	Type        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Grant binds a principal to a repository at an access level.
type Grant struct {
	RepoID    domain.RepoID
	Principal string
	Level     domain.AccessLevel
	CreatedAt time.Time
}

// ScanSession is a time-boxed, revocable grant scoped to exactly one staging
// repository. The (token → repo) binding is immutable after creation; only
// the revoked flag and deletion ever change.
type ScanSession struct {
	Token         domain.SessionToken
	StagingRepoID domain.RepoID
	Principal     string
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     time.Time
	CreatedAt     time.Time
}

// Clock abstracts time to enable deterministic testing of expiry logic.
type Clock interface {
	Now() time.Time
}

// Store is the persistence port backing the registry service. Multi-row
// mutations must be transactional: on any partial failure nothing persists.
type Store interface {
	// CreateRepository upserts the repository row and the owner's admin
	// grant in a single transaction.
	CreateRepository(ctx context.Context, repo Repository) error
	// GetRepository returns domain.ErrNotFound for absent ids.
	GetRepository(ctx context.Context, id domain.RepoID) (*Repository, error)
	// DeleteRepository removes the repository and cascades its grants and
	// any scan sessions bound to it.
	DeleteRepository(ctx context.Context, id domain.RepoID) error
	// ListByPrincipal joins grants to repositories, newest-created first.
	ListByPrincipal(ctx context.Context, principal string) ([]Repository, error)

	// GetGrant returns domain.ErrNotFound when no grant row exists.
	GetGrant(ctx context.Context, id domain.RepoID, principal string) (*Grant, error)
	// PutGrant inserts or replaces a grant row.
	PutGrant(ctx context.Context, g Grant) error

	// InsertSession persists a new scan session.
	InsertSession(ctx context.Context, s ScanSession) error
	// GetSession returns domain.ErrNotFound for unknown tokens.
	GetSession(ctx context.Context, token domain.SessionToken) (*ScanSession, error)
	// RevokeSession sets the revoked flag; idempotent if already revoked.
	RevokeSession(ctx context.Context, token domain.SessionToken, at time.Time) error
	// PurgeSessions deletes sessions expired before expiredBefore (unrevoked)
	// or revoked before revokedBefore, together with their staging repository
	// rows and grants, in one transaction. It returns the staging repo ids
	// for physical cleanup by the caller.
	PurgeSessions(ctx context.Context, expiredBefore, revokedBefore time.Time) ([]domain.RepoID, error)

	// MergePrincipals re-points every row owned by loser to winner inside a
	// single transaction, deleting grants that would collide.
	MergePrincipals(ctx context.Context, winner, loser string) error
}

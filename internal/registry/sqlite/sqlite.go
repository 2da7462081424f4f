// Package sqlite provides the SQLite-backed implementation of the
// registry.Store port for repositories, grants, and scan sessions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medvault/medvault/internal/domain"
	"github.com/medvault/medvault/internal/registry"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ registry.Store = (*Store)(nil)

// Store implements registry.Store using SQLite (via database/sql). It is safe
// for concurrent use; database/sql manages connection pooling and
// serialization.
type Store struct{ db *sql.DB }

// New constructs a Store, initializing the required schema if absent.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS repositories (
id TEXT PRIMARY KEY,
owner TEXT NOT NULL,
description TEXT NOT NULL DEFAULT '',
repo_type TEXT NOT NULL DEFAULT '',
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS grants (
repo_id TEXT NOT NULL,
principal TEXT NOT NULL,
level TEXT NOT NULL,
created_at INTEGER NOT NULL,
PRIMARY KEY (repo_id, principal)
);
CREATE TABLE IF NOT EXISTS scan_sessions (
token TEXT PRIMARY KEY,
staging_repo_id TEXT NOT NULL UNIQUE,
principal TEXT NOT NULL,
expires_at INTEGER NOT NULL,
revoked INTEGER NOT NULL DEFAULT 0,
revoked_at INTEGER,
created_at INTEGER NOT NULL
);`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRepository inserts the repository row and the owner's admin grant in
// one transaction; a duplicate id maps to domain.ErrConflict.
func (s *Store) CreateRepository(ctx context.Context, repo registry.Repository) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insRepo = `INSERT INTO repositories (id, owner, description, repo_type, created_at, updated_at) VALUES (?,?,?,?,?,?)`
	if _, err = tx.ExecContext(ctx, insRepo,
		repo.ID.String(), repo.Owner, repo.Description, repo.Type,
		repo.CreatedAt.Unix(), repo.UpdatedAt.Unix()); err != nil {
		if isUniqueViolation(err) {
			err = domain.ErrConflict
		}
		return err
	}
	const insGrant = `INSERT INTO grants (repo_id, principal, level, created_at) VALUES (?,?,?,?)`
	if _, err = tx.ExecContext(ctx, insGrant,
		repo.ID.String(), repo.Owner, string(domain.AccessAdmin), repo.CreatedAt.Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRepository returns the repository row or domain.ErrNotFound.
func (s *Store) GetRepository(ctx context.Context, id domain.RepoID) (*registry.Repository, error) {
	const q = `SELECT id, owner, description, repo_type, created_at, updated_at FROM repositories WHERE id=?`
	var (
		repo             registry.Repository
		idStr            string
		created, updated int64
	)
	row := s.db.QueryRowContext(ctx, q, id.String())
	if err := row.Scan(&idStr, &repo.Owner, &repo.Description, &repo.Type, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	repo.ID = domain.RepoID(idStr)
	repo.CreatedAt = time.Unix(created, 0).UTC()
	repo.UpdatedAt = time.Unix(updated, 0).UTC()
	return &repo, nil
}

// DeleteRepository removes the repository row and cascades grant and scan
// session deletion in one transaction.
func (s *Store) DeleteRepository(ctx context.Context, id domain.RepoID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM grants WHERE repo_id=?`, id.String()); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM scan_sessions WHERE staging_repo_id=?`, id.String()); err != nil {
		return err
	}
	var res sql.Result
	if res, err = tx.ExecContext(ctx, `DELETE FROM repositories WHERE id=?`, id.String()); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = domain.ErrNotFound
		return err
	}
	return tx.Commit()
}

// ListByPrincipal joins grants to repositories, newest-created first.
func (s *Store) ListByPrincipal(ctx context.Context, principal string) ([]registry.Repository, error) {
	const q = `SELECT r.id, r.owner, r.description, r.repo_type, r.created_at, r.updated_at
FROM repositories r JOIN grants g ON g.repo_id = r.id
WHERE g.principal = ? ORDER BY r.created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []registry.Repository
	for rows.Next() {
		var (
			repo             registry.Repository
			idStr            string
			created, updated int64
		)
		if err = rows.Scan(&idStr, &repo.Owner, &repo.Description, &repo.Type, &created, &updated); err != nil {
			return nil, err
		}
		repo.ID = domain.RepoID(idStr)
		repo.CreatedAt = time.Unix(created, 0).UTC()
		repo.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, repo)
	}
	return out, rows.Err()
}

// GetGrant returns the grant row or domain.ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, id domain.RepoID, principal string) (*registry.Grant, error) {
	const q = `SELECT repo_id, principal, level, created_at FROM grants WHERE repo_id=? AND principal=?`
	var (
		g       registry.Grant
		idStr   string
		level   string
		created int64
	)
	row := s.db.QueryRowContext(ctx, q, id.String(), principal)
	if err := row.Scan(&idStr, &g.Principal, &level, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	g.RepoID = domain.RepoID(idStr)
	g.Level = domain.AccessLevel(level)
	g.CreatedAt = time.Unix(created, 0).UTC()
	return &g, nil
}

// PutGrant inserts or replaces a grant row.
func (s *Store) PutGrant(ctx context.Context, g registry.Grant) error {
	const q = `INSERT OR REPLACE INTO grants (repo_id, principal, level, created_at) VALUES (?,?,?,?)`
	_, err := s.db.ExecContext(ctx, q, g.RepoID.String(), g.Principal, string(g.Level), g.CreatedAt.Unix())
	return err
}

// InsertSession persists a new scan session row. A second session for the
// same staging repository maps to domain.ErrConflict (1:1 binding).
func (s *Store) InsertSession(ctx context.Context, sess registry.ScanSession) error {
	const q = `INSERT INTO scan_sessions (token, staging_repo_id, principal, expires_at, revoked, revoked_at, created_at) VALUES (?,?,?,?,0,NULL,?)`
	_, err := s.db.ExecContext(ctx, q,
		sess.Token.String(), sess.StagingRepoID.String(), sess.Principal,
		sess.ExpiresAt.Unix(), sess.CreatedAt.Unix())
	if err != nil && isUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

// GetSession returns the session row or domain.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, token domain.SessionToken) (*registry.ScanSession, error) {
	const q = `SELECT token, staging_repo_id, principal, expires_at, revoked, revoked_at, created_at FROM scan_sessions WHERE token=?`
	var (
		sess              registry.ScanSession
		tokStr, repoStr   string
		revokedInt        int
		revokedAt         sql.NullInt64
		expires, created  int64
	)
	row := s.db.QueryRowContext(ctx, q, token.String())
	if err := row.Scan(&tokStr, &repoStr, &sess.Principal, &expires, &revokedInt, &revokedAt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sess.Token = domain.SessionToken(tokStr)
	sess.StagingRepoID = domain.RepoID(repoStr)
	sess.ExpiresAt = time.Unix(expires, 0).UTC()
	sess.Revoked = revokedInt == 1
	if revokedAt.Valid {
		sess.RevokedAt = time.Unix(revokedAt.Int64, 0).UTC()
	}
	sess.CreatedAt = time.Unix(created, 0).UTC()
	return &sess, nil
}

// RevokeSession sets the revoked flag once; repeated calls are no-ops.
func (s *Store) RevokeSession(ctx context.Context, token domain.SessionToken, at time.Time) error {
	const q = `UPDATE scan_sessions SET revoked=1, revoked_at=? WHERE token=? AND revoked=0`
	_, err := s.db.ExecContext(ctx, q, at.Unix(), token.String())
	return err
}

// PurgeSessions deletes reapable sessions together with their staging
// repository rows and grants, returning the staging ids. Registry deletion
// precedes physical deletion by the caller, so a crash leaves at worst an
// orphaned directory.
func (s *Store) PurgeSessions(ctx context.Context, expiredBefore, revokedBefore time.Time) (ids []domain.RepoID, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const sel = `SELECT staging_repo_id FROM scan_sessions
WHERE (revoked=0 AND expires_at < ?) OR (revoked=1 AND revoked_at < ?)`
	rows, err := tx.QueryContext(ctx, sel, expiredBefore.Unix(), revokedBefore.Unix())
	if err != nil {
		return nil, err
	}
	var repoIDs []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			if cErr := rows.Close(); cErr != nil {
				return nil, fmt.Errorf("scan error: %v; close error: %w", err, cErr)
			}
			return nil, err
		}
		repoIDs = append(repoIDs, id)
	}
	if cErr := rows.Close(); cErr != nil {
		err = cErr
		return nil, err
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(repoIDs) == 0 {
		err = tx.Commit()
		return nil, err
	}

	args := make([]any, len(repoIDs))
	for i, id := range repoIDs {
		args[i] = id
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(repoIDs)), ",")
	if _, err = tx.ExecContext(ctx, `DELETE FROM grants WHERE repo_id IN (`+ph+`)`, args...); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM repositories WHERE id IN (`+ph+`)`, args...); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM scan_sessions WHERE staging_repo_id IN (`+ph+`)`, args...); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	for _, id := range repoIDs {
		ids = append(ids, domain.RepoID(id))
	}
	return ids, nil
}

// MergePrincipals re-points the loser's repositories and grants at the winner
// inside one transaction. Colliding grant rows are deleted first so the
// (repo_id, principal) uniqueness constraint cannot fire mid-migration.
func (s *Store) MergePrincipals(ctx context.Context, winner, loser string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Clear-then-reinsert ordering: drop the loser's grants on repos where
	// the winner already holds one, then migrate the remainder.
	const clear = `DELETE FROM grants WHERE principal=? AND repo_id IN (SELECT repo_id FROM grants WHERE principal=?)`
	if _, err = tx.ExecContext(ctx, clear, loser, winner); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE grants SET principal=? WHERE principal=?`, winner, loser); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE repositories SET owner=? WHERE owner=?`, winner, loser); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE scan_sessions SET principal=? WHERE principal=?`, winner, loser); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

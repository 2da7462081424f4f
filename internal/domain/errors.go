// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	// ErrInvalidID indicates a malformed repository or session identifier.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrNotFound indicates the repository or session is absent. It is also
	// returned when a resource exists but the caller must not learn that.
	ErrNotFound = errors.New("not found")
	// ErrDenied indicates a valid credential with insufficient scope.
	ErrDenied = errors.New("access denied")
	// ErrConflict indicates a duplicate identifier on a non-idempotent create.
	ErrConflict = errors.New("already exists")
	// ErrUpstream indicates the authorization oracle was unreachable.
	// Callers must fail closed on this error.
	ErrUpstream = errors.New("authorization upstream unavailable")
	// ErrIntegrity is the single generic error for every envelope integrity
	// failure (bad MAC, malformed padding, truncation). Callers must not
	// distinguish the causes.
	ErrIntegrity = errors.New("envelope integrity check failed")
	// ErrPolicyViolation indicates a push introduced non-envelope content.
	ErrPolicyViolation = errors.New("content policy violation")
	// ErrStagingPush indicates the staging snapshot exists but its push has
	// not completed; the push is retryable without regenerating keys.
	ErrStagingPush = errors.New("staging push incomplete")
)

// Package domain id.go contains functions to generate, parse, and validate
// repository identifiers and scan-session tokens.
package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// StagingPrefix is the reserved namespace for short-lived disclosure
// repositories. Only identifiers carrying this prefix may ever be reaped by
// the lifecycle janitor.
const StagingPrefix = "staging-"

// RepoID is the canonical identifier for a stored repository.
// It is a 128-bit random value encoded as 32 lowercase hex characters,
// optionally carrying the staging namespace prefix.
type RepoID string

// NewRepoID generates a new cryptographically random RepoID.
func NewRepoID() (RepoID, error) {
	s, err := randomHex(16)
	if err != nil {
		return "", err
	}
	return RepoID(s), nil
}

// NewStagingID generates a RepoID inside the reserved staging namespace.
func NewStagingID() (RepoID, error) {
	id, err := NewRepoID()
	if err != nil {
		return "", err
	}
	return RepoID(StagingPrefix + string(id)), nil
}

// ParseRepoID validates s and returns it as a RepoID. It enforces:
// - 32 lowercase hex characters, or
// - the staging prefix followed by 32 lowercase hex characters.
// Returns ErrInvalidID on failure.
func ParseRepoID(s string) (RepoID, error) {
	id := RepoID(s)
	if !id.Valid() {
		return "", ErrInvalidID
	}
	return id, nil
}

// String returns the string form of the RepoID.
func (id RepoID) String() string { return string(id) }

// Valid reports whether the ID satisfies the same rules as ParseRepoID.
func (id RepoID) Valid() bool {
	s := string(id)
	s = strings.TrimPrefix(s, StagingPrefix)
	return isHex(s, 32)
}

// IsStaging reports whether the ID lies in the reserved staging namespace.
// The janitor re-validates with this immediately before any destructive
// filesystem step.
func (id RepoID) IsStaging() bool {
	return strings.HasPrefix(string(id), StagingPrefix) && id.Valid()
}

// SessionToken is an opaque, unguessable scan-session credential: a 256-bit
// random value encoded as 64 lowercase hex characters.
type SessionToken string

// NewSessionToken generates a new cryptographically random SessionToken.
func NewSessionToken() (SessionToken, error) {
	s, err := randomHex(32)
	if err != nil {
		return "", err
	}
	return SessionToken(s), nil
}

// String returns the string form of the SessionToken.
func (t SessionToken) String() string { return string(t) }

// Valid reports whether the token has the canonical shape.
func (t SessionToken) Valid() bool { return isHex(string(t), 64) }

// randomHex returns n random bytes hex-encoded (2n lowercase characters).
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	dst := make([]byte, 2*n)
	hex.Encode(dst, b) // hex.Encode always produces lowercase
	return string(dst), nil
}

// isHex performs validation without allocating errors.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

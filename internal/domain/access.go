// Package domain access.go defines access levels, operations, and the
// time windows governing scan-session lifecycles.
package domain

import "time"

// AccessLevel orders a principal's rights on a repository.
// admin ⊇ read-write ⊇ read-only for both read and write checks.
type AccessLevel string

const (
	AccessAdmin     AccessLevel = "admin"
	AccessReadWrite AccessLevel = "read-write"
	AccessReadOnly  AccessLevel = "read-only"
)

// Valid reports whether the level is one of the three known values.
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessAdmin, AccessReadWrite, AccessReadOnly:
		return true
	}
	return false
}

// CanRead reports whether the level permits read operations.
func (l AccessLevel) CanRead() bool { return l.Valid() }

// CanWrite reports whether the level permits write operations.
func (l AccessLevel) CanWrite() bool {
	return l == AccessAdmin || l == AccessReadWrite
}

// Operation classifies a transport request.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Scan-session lifecycle windows.
const (
	// SessionTTL is the default validity of a scan session.
	SessionTTL = time.Hour
	// ExpiryGrace is how long an expired, unrevoked session lingers before
	// cleanup removes it.
	ExpiryGrace = 15 * time.Minute
	// RevokeGrace is how long a revoked session lingers before cleanup
	// removes it.
	RevokeGrace = 5 * time.Minute
)

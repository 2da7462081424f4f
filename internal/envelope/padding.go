package envelope

import (
	"encoding/binary"
	"math/bits"

	"github.com/medvault/medvault/internal/domain"
)

// Plaintext length bounds for the standard (padded) envelope variant.
const (
	MinPlaintext = 1
	MaxPlaintext = 65535
)

// CalcPaddedLen returns the deterministic padded length for an unpadded
// plaintext length. The result depends only on n, never on key or nonce:
// lengths up to 32 share one bucket, then bucket width grows with the next
// power of two.
func CalcPaddedLen(n int) int {
	if n <= 32 {
		return 32
	}
	nextPow := 1 << bits.Len(uint(n-1))
	chunk := 32
	if nextPow > 256 {
		chunk = nextPow / 8
	}
	return chunk * ((n-1)/chunk + 1)
}

// pad prefixes the plaintext with its 2-byte big-endian length and extends
// with zero bytes to the bucket boundary.
func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < MinPlaintext || n > MaxPlaintext {
		return nil, domain.ErrIntegrity
	}
	padded := make([]byte, 2+CalcPaddedLen(n))
	binary.BigEndian.PutUint16(padded[:2], uint16(n))
	copy(padded[2:], plaintext)
	return padded, nil
}

// unpad recovers the plaintext and re-validates the structure: the declared
// length must be in range and the total padded length must match the bucket
// function exactly, so any structural tamper is rejected.
func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2+32 {
		return nil, domain.ErrIntegrity
	}
	n := int(binary.BigEndian.Uint16(padded[:2]))
	if n < MinPlaintext || n > MaxPlaintext {
		return nil, domain.ErrIntegrity
	}
	if len(padded) != 2+CalcPaddedLen(n) {
		return nil, domain.ErrIntegrity
	}
	return padded[2 : 2+n], nil
}

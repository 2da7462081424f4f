package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/chacha20"

	"github.com/medvault/medvault/internal/domain"
)

// Envelope version markers. The parser never confuses the two variants: each
// decrypts only under its own marker.
const (
	VersionStandard byte = 0x02 // padded, plaintext in [1, 65535]
	VersionLarge    byte = 0x03 // unpadded, unbounded (attachments)
)

const (
	nonceSize = 32
	macSize   = 32

	// Raw envelope size bounds for the standard variant:
	// 1 (version) + 32 (nonce) + 2+32 (min padded) + 32 (mac) = 99,
	// 1 + 32 + 2+65536 + 32 = 65603.
	minStandardRaw = 1 + nonceSize + 2 + 32 + macSize
	maxStandardRaw = 1 + nonceSize + 2 + 65536 + macSize

	// Large variant: version + nonce + at least one ciphertext byte + mac.
	minLargeRaw = 1 + nonceSize + 1 + macSize
)

// Encrypt seals plaintext under the standard padded variant and returns the
// base64 envelope. Plaintext length must lie in [MinPlaintext, MaxPlaintext].
func Encrypt(plaintext []byte, conv ConversationKey) (string, error) {
	padded, err := pad(plaintext)
	if err != nil {
		return "", err
	}
	return seal(VersionStandard, padded, conv)
}

// EncryptLarge seals plaintext under the unpadded large variant. Intended for
// attachments exceeding MaxPlaintext; any non-empty plaintext is accepted.
func EncryptLarge(plaintext []byte, conv ConversationKey) (string, error) {
	if len(plaintext) == 0 {
		return "", domain.ErrIntegrity
	}
	return seal(VersionLarge, plaintext, conv)
}

// Decrypt opens a standard envelope. Every integrity failure (size, version,
// MAC, padding) yields the same generic domain.ErrIntegrity.
func Decrypt(env string, conv ConversationKey) ([]byte, error) {
	padded, err := open(env, VersionStandard, minStandardRaw, maxStandardRaw, conv)
	if err != nil {
		return nil, err
	}
	return unpad(padded)
}

// DecryptLarge opens a large-variant envelope.
func DecryptLarge(env string, conv ConversationKey) ([]byte, error) {
	return open(env, VersionLarge, minLargeRaw, 0, conv)
}

// seal derives fresh message keys under a random nonce, encrypts the payload
// with ChaCha20, and appends HMAC-SHA256(macKey, nonce ‖ ciphertext).
func seal(version byte, payload []byte, conv ConversationKey) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encKey, encNonce, macKey, err := messageKeys(conv, nonce)
	if err != nil {
		return "", err
	}
	c, err := chacha20.NewUnauthenticatedCipher(encKey[:], encNonce[:])
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(payload))
	c.XORKeyStream(ct, payload)

	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(nonce)
	mac.Write(ct)

	raw := make([]byte, 0, 1+nonceSize+len(ct)+macSize)
	raw = append(raw, version)
	raw = append(raw, nonce...)
	raw = append(raw, ct...)
	raw = mac.Sum(raw)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// open validates size bounds and the version byte before touching any key
// material, verifies the MAC in constant time, and only then decrypts.
func open(env string, version byte, minRaw, maxRaw int, conv ConversationKey) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(env)
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	if len(raw) < minRaw || (maxRaw > 0 && len(raw) > maxRaw) {
		return nil, domain.ErrIntegrity
	}
	if raw[0] != version {
		return nil, domain.ErrIntegrity
	}
	nonce := raw[1 : 1+nonceSize]
	ct := raw[1+nonceSize : len(raw)-macSize]
	gotMAC := raw[len(raw)-macSize:]

	encKey, encNonce, macKey, err := messageKeys(conv, nonce)
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	mac := hmac.New(sha256.New, macKey[:])
	mac.Write(nonce)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), gotMAC) {
		return nil, domain.ErrIntegrity
	}
	c, err := chacha20.NewUnauthenticatedCipher(encKey[:], encNonce[:])
	if err != nil {
		return nil, domain.ErrIntegrity
	}
	payload := make([]byte, len(ct))
	c.XORKeyStream(payload, ct)
	return payload, nil
}

// Version reports an envelope's variant marker without decrypting it, so a
// reader can route to Decrypt or DecryptLarge. Only the first base64 quantum
// is decoded.
func Version(env string) (byte, error) {
	if len(env) < 4 {
		return 0, domain.ErrIntegrity
	}
	var first [3]byte
	if _, err := base64.StdEncoding.Decode(first[:], []byte(env[:4])); err != nil {
		return 0, domain.ErrIntegrity
	}
	switch first[0] {
	case VersionStandard, VersionLarge:
		return first[0], nil
	}
	return 0, domain.ErrIntegrity
}

// ValidateShape checks that s has the wire shape of an envelope (length,
// base64 alphabet, recognized version byte) without any key material. The
// content policy gate runs this over every blob a push introduces.
func ValidateShape(s string) error {
	if len(s) < base64.StdEncoding.EncodedLen(minLargeRaw) {
		return domain.ErrPolicyViolation
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return domain.ErrPolicyViolation
	}
	switch raw[0] {
	case VersionStandard:
		if len(raw) < minStandardRaw || len(raw) > maxStandardRaw {
			return domain.ErrPolicyViolation
		}
	case VersionLarge:
		if len(raw) < minLargeRaw {
			return domain.ErrPolicyViolation
		}
	default:
		return domain.ErrPolicyViolation
	}
	return nil
}

// Package envelope implements the authenticated-encryption wire format used
// for every blob and commit message in the vault. A conversation key derived
// via ECDH+HKDF feeds per-message ChaCha20 and HMAC-SHA256 keys; payloads are
// padded into deterministic buckets and sealed as versioned base64 envelopes.
//
// The package is stateless: callers hold keys, the package holds none.
package envelope

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// conversationSalt is the fixed HKDF-Extract domain separator. Changing it
// breaks interoperability with every envelope already written.
var conversationSalt = []byte("medvault-conversation-v1")

// ConversationKey is the 32-byte symmetric root from which all per-message
// keys are expanded.
type ConversationKey [32]byte

// messageKeyLen = cipher key (32) + cipher nonce (12) + MAC key (32).
const messageKeyLen = 76

// GenerateKeyPair returns a fresh P-256 keypair. Ephemeral disclosure keys
// must come from here once per disclosure and never be persisted.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// DeriveConversationKey computes ECDH(priv, pub), takes the x-coordinate of
// the shared point, and extracts the conversation key with HKDF-SHA256 under
// the fixed domain salt.
func DeriveConversationKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (ConversationKey, error) {
	var key ConversationKey
	shared, err := priv.ECDH(pub) // x-coordinate of the shared point
	if err != nil {
		return key, fmt.Errorf("ecdh: %w", err)
	}
	copy(key[:], hkdf.Extract(sha256.New, shared, conversationSalt))
	return key, nil
}

// SelfConversationKey derives the conversation key of a keypair with itself.
// At-rest storage uses the owner's long-term pair; ephemeral sharing uses a
// single fresh pair, so the private half alone recomputes the key.
func SelfConversationKey(priv *ecdh.PrivateKey) (ConversationKey, error) {
	return DeriveConversationKey(priv, priv.PublicKey())
}

// messageKeys expands the conversation key under the message nonce into the
// cipher key, cipher nonce, and MAC key. A fresh random nonce per message is
// mandatory; nonce reuse with the same conversation key is forbidden.
func messageKeys(conv ConversationKey, nonce []byte) (encKey [32]byte, encNonce [12]byte, macKey [32]byte, err error) {
	r := hkdf.Expand(sha256.New, conv[:], nonce)
	buf := make([]byte, messageKeyLen)
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	copy(encKey[:], buf[:32])
	copy(encNonce[:], buf[32:44])
	copy(macKey[:], buf[44:])
	return
}

// MarshalPrivateKeyHex encodes the private scalar for transport inside the
// disclosure payload.
func MarshalPrivateKeyHex(priv *ecdh.PrivateKey) string {
	return hex.EncodeToString(priv.Bytes())
}

// ParsePrivateKeyHex decodes a disclosure-payload private key.
func ParsePrivateKeyHex(s string) (*ecdh.PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key hex: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return priv, nil
}

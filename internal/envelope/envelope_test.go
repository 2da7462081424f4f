package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/medvault/internal/domain"
)

func testKey(t *testing.T) ConversationKey {
	t.Helper()
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := SelfConversationKey(priv)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	key := testKey(t)
	lengths := []int{1, 2, 31, 32, 33, 100, 255, 256, 257, 1000, 65535}
	for _, n := range lengths {
		pt := make([]byte, n)
		_, err := rand.Read(pt)
		require.NoError(t, err)
		env, err := Encrypt(pt, key)
		require.NoError(t, err, "len %d", n)
		got, err := Decrypt(env, key)
		require.NoError(t, err, "len %d", n)
		assert.True(t, bytes.Equal(pt, got), "round trip mismatch at len %d", n)
	}
}

func TestRoundTripLarge(t *testing.T) {
	key := testKey(t)
	pt := make([]byte, 70000)
	_, err := rand.Read(pt)
	require.NoError(t, err)
	env, err := EncryptLarge(pt, key)
	require.NoError(t, err)
	got, err := DecryptLarge(env, key)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(pt, got))
}

func TestEncryptRejectsOutOfRange(t *testing.T) {
	key := testKey(t)
	if _, err := Encrypt(nil, key); err == nil {
		t.Fatal("expected error for empty plaintext")
	}
	if _, err := Encrypt(make([]byte, 65536), key); err == nil {
		t.Fatal("expected error for oversized plaintext")
	}
	if _, err := EncryptLarge(nil, key); err == nil {
		t.Fatal("expected error for empty large plaintext")
	}
}

// TestTamperRejection flips every byte position class of a valid envelope and
// requires the single generic integrity error.
func TestTamperRejection(t *testing.T) {
	key := testKey(t)
	env, err := Encrypt([]byte("lab result: all clear"), key)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(env)
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		mut := make([]byte, len(raw))
		copy(mut, raw)
		mut[i] ^= 0x01
		_, err := Decrypt(base64.StdEncoding.EncodeToString(mut), key)
		assert.ErrorIs(t, err, domain.ErrIntegrity, "byte %d", i)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	env, err := Encrypt([]byte("payload"), testKey(t))
	require.NoError(t, err)
	_, err = Decrypt(env, testKey(t))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestDecryptMalformed(t *testing.T) {
	key := testKey(t)
	cases := []string{
		"",
		"not base64!!",
		base64.StdEncoding.EncodeToString([]byte{VersionStandard, 1, 2, 3}),
		base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, 99)), // unknown version
	}
	for _, c := range cases {
		_, err := Decrypt(c, key)
		assert.ErrorIs(t, err, domain.ErrIntegrity, "input %q", c)
	}
}

// TestVersionConfusion ensures standard and large payloads can never be
// parsed by the other variant's decryptor.
func TestVersionConfusion(t *testing.T) {
	key := testKey(t)
	std, err := Encrypt(bytes.Repeat([]byte{'a'}, 100), key)
	require.NoError(t, err)
	large, err := EncryptLarge(bytes.Repeat([]byte{'b'}, 100), key)
	require.NoError(t, err)

	_, err = DecryptLarge(std, key)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	_, err = Decrypt(large, key)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestCalcPaddedLen(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 32},
		{31, 32},
		{32, 32},
		{33, 64},
		{64, 64},
		{65, 96},
		{255, 256},
		{256, 256},
		{257, 320},
		{512, 512},
		{513, 640},
		{65535, 65536},
	}
	for _, c := range cases {
		if got := CalcPaddedLen(c.in); got != c.want {
			t.Errorf("CalcPaddedLen(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

// TestSelfECDHKeyRecovery verifies the private half alone recomputes the
// conversation key, which is what lets a disclosure payload carry only the
// ephemeral private key.
func TestSelfECDHKeyRecovery(t *testing.T) {
	priv, err := GenerateKeyPair()
	require.NoError(t, err)
	k1, err := SelfConversationKey(priv)
	require.NoError(t, err)

	restored, err := ParsePrivateKeyHex(MarshalPrivateKeyHex(priv))
	require.NoError(t, err)
	k2, err := SelfConversationKey(restored)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDeriveConversationKeySymmetric(t *testing.T) {
	a, err := GenerateKeyPair()
	require.NoError(t, err)
	b, err := GenerateKeyPair()
	require.NoError(t, err)
	kab, err := DeriveConversationKey(a, b.PublicKey())
	require.NoError(t, err)
	kba, err := DeriveConversationKey(b, a.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, kab, kba)
}

func TestValidateShape(t *testing.T) {
	key := testKey(t)
	std, err := Encrypt([]byte("ok"), key)
	require.NoError(t, err)
	large, err := EncryptLarge(make([]byte, 70000), key)
	require.NoError(t, err)

	assert.NoError(t, ValidateShape(std))
	assert.NoError(t, ValidateShape(large))

	bad := []string{
		"",
		"plaintext medical note",
		"short==",
		base64.StdEncoding.EncodeToString(append([]byte{0x01}, make([]byte, 120)...)),
	}
	for _, c := range bad {
		assert.ErrorIs(t, ValidateShape(c), domain.ErrPolicyViolation, "input %q", c)
	}
}

func TestVersionSniff(t *testing.T) {
	key := testKey(t)
	std, err := Encrypt([]byte("ok"), key)
	require.NoError(t, err)
	large, err := EncryptLarge(make([]byte, 70000), key)
	require.NoError(t, err)

	v, err := Version(std)
	require.NoError(t, err)
	assert.Equal(t, VersionStandard, v)
	v, err = Version(large)
	require.NoError(t, err)
	assert.Equal(t, VersionLarge, v)

	_, err = Version("")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	_, err = Version("!!!!")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	_, err = Version(base64.StdEncoding.EncodeToString([]byte{0x01, 0, 0}))
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

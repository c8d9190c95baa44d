package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p, err := New(testKey())
	require.NoError(t, err)

	subject := []byte("sponsor:s1:service:openai")
	plaintext := []byte("sk-super-secret-value")

	ciphertext, err := p.Encrypt(subject, "secret-vault", plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := p.Decrypt(subject, "secret-vault", ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	p, err := New(testKey())
	require.NoError(t, err)

	subject := []byte("sponsor:s1:service:openai")
	ciphertext, err := p.Encrypt(subject, "secret-vault", []byte("value"))
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = p.Decrypt(subject, "secret-vault", tampered)
	require.ErrorIs(t, err, ErrCryptoFailure)
}

func TestChainHashGenesis(t *testing.T) {
	require.Len(t, GenesisHash, 64)
	require.True(t, strings.Trim(GenesisHash, "0") == "")

	h1 := ChainHash(`{"a":1}`, GenesisHash)
	require.Len(t, h1, 64)

	h2 := ChainHash(`{"a":1}`, GenesisHash)
	require.Equal(t, h1, h2, "chain hash must be deterministic for identical input")
}

func TestIdentityFingerprintUnique(t *testing.T) {
	f1, err := IdentityFingerprint("agent-1", "sponsor-1")
	require.NoError(t, err)
	f2, err := IdentityFingerprint("agent-1", "sponsor-1")
	require.NoError(t, err)
	require.NotEqual(t, f1, f2, "fingerprint includes randomness, must not collide")
	require.Len(t, f1, 64)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	raw, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, APIKeyPrefix))
	require.Equal(t, hash, HashAPIKey(raw))
	require.NotEqual(t, hash, HashAPIKey(raw+"x"))
}

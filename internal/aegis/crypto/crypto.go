// Package crypto implements C3: symmetric AEAD encryption, the SHA3-256
// audit chain hash, identity fingerprinting, and API key generation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"

	infracrypto "github.com/fe-row/AEGIS/infrastructure/crypto"
)

// ErrCryptoFailure is returned on malformed ciphertext (MAC mismatch) or any
// other failure to authenticate/decrypt.
var ErrCryptoFailure = errors.New("crypto: operation failed")

// Primitives is process-wide state holding the single master key loaded at
// init, per spec.md §4.1's "single process-wide byte array" requirement.
type Primitives struct {
	masterKey []byte
}

// New constructs Primitives from a 32-byte master key.
func New(masterKey []byte) (*Primitives, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("crypto: master key must be 32 bytes, got %d", len(masterKey))
	}
	return &Primitives{masterKey: masterKey}, nil
}

// Encrypt seals plaintext under a key derived from the master key and the
// given subject (e.g. "sponsor:<id>:service:<name>").
func (p *Primitives) Encrypt(subject []byte, info string, plaintext []byte) ([]byte, error) {
	ct, err := infracrypto.EncryptEnvelope(p.masterKey, subject, info, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return ct, nil
}

// Decrypt opens ciphertext previously produced by Encrypt with the same
// subject and info.
func (p *Primitives) Decrypt(subject []byte, info string, ciphertext []byte) ([]byte, error) {
	pt, err := infracrypto.DecryptEnvelope(p.masterKey, subject, info, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return pt, nil
}

// ChainHash computes SHA3-256(previousHex || ":" || payload), the tie
// between one audit entry and its predecessor.
func ChainHash(payload, previousHex string) string {
	h := sha3.New256()
	h.Write([]byte(previousHex))
	h.Write([]byte(":"))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// GenesisHash is the previous_hash of the first audit entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IdentityFingerprint derives an agent's globally-unique identity
// fingerprint from its name, sponsor id, and 128 bits of randomness.
func IdentityFingerprint(name, sponsorID string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("crypto: read random: %w", err)
	}
	h := sha3.New256()
	h.Write([]byte(name))
	h.Write([]byte(":"))
	h.Write([]byte(sponsorID))
	h.Write([]byte(":"))
	h.Write(random)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// APIKeyPrefix is prepended to every raw, caller-facing API key.
const APIKeyPrefix = "aegis_"

// GenerateAPIKey mints a new raw/hash pair for long-lived sponsor
// credentials. The raw value is returned to the caller exactly once; only
// the hash is persisted.
func GenerateAPIKey() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("crypto: read random: %w", err)
	}
	raw = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	hash = HashAPIKey(raw)
	return raw, hash, nil
}

// HashAPIKey computes the stored hash for a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

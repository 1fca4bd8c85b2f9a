package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Supported AEAD algorithm identifiers. These strings are embedded in
// encrypted payloads and backup records, so they must stay stable.
const (
	AlgorithmAESGCM           = "aes-256-gcm"
	AlgorithmChaCha20Poly1305 = "chacha20-poly1305"
)

const (
	// KeySize is the symmetric key size in bytes for both supported AEADs.
	KeySize = 32

	// TagSize is the authentication tag size for both supported AEADs.
	TagSize = 16

	// SaltSize is the salt size used for password-based derivation.
	SaltSize = 32

	// Argon2id parameters for backup encryption key derivation.
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// PBKDF2 iteration count for the backup password validation hash.
	// The validation hash is derived independently from the encryption
	// key so that the stored hash can never decrypt a backup.
	PBKDF2Iterations = 100_000
)

// NewAEAD constructs an AEAD cipher for the given algorithm identifier.
func NewAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size %d, want %d", len(key), KeySize)
	}

	switch algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return aead, nil
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// Seal encrypts plaintext under key with a fresh random IV and returns the
// IV, ciphertext and authentication tag as separate values. The tag is
// split off the sealed output so callers can store it as an explicit field.
func Seal(algorithm string, key, plaintext, additionalData []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, additionalData)
	if len(sealed) < TagSize {
		return nil, nil, nil, errors.New("sealed output too short")
	}

	// AEAD output is ciphertext || tag.
	split := len(sealed) - TagSize
	return iv, sealed[:split], sealed[split:], nil
}

// Open authenticates and decrypts a payload previously produced by Seal.
// Any tampering with the IV, ciphertext or tag makes it fail.
func Open(algorithm string, key, iv, ciphertext, tag, additionalData []byte) ([]byte, error) {
	aead, err := NewAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d, want %d", len(iv), aead.NonceSize())
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// DeriveSecret expands raw ECDH output into an AEAD-capable symmetric key
// using HKDF-SHA256. The info string binds the secret to its context
// (participant and owning key pair) so the same ECDH result can never be
// reused for a different peer.
func DeriveSecret(ecdhOutput, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, ecdhOutput, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive secret: %w", err)
	}
	return key, nil
}

// DeriveBackupKey stretches a backup password into an encryption key using
// Argon2id. Deliberately slow; callers run it off the hot path.
func DeriveBackupKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, ArgonTime, ArgonMemory, ArgonThreads, ArgonKeyLen)
}

// HashBackupPassword produces the one-way validation hash stored alongside
// a backup. It uses PBKDF2-SHA256 with its own salt, a derivation disjoint
// from DeriveBackupKey, so the stored hash is useless for decryption.
func HashBackupPassword(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, 32, sha256.New)
}

// VerifyBackupPassword compares a candidate password against a stored
// validation hash in constant time.
func VerifyBackupPassword(password, salt, expected []byte) bool {
	candidate := pbkdf2.Key(password, salt, PBKDF2Iterations, 32, sha256.New)
	return hmac.Equal(candidate, expected)
}

// Checksum calculates the SHA-256 checksum of data as a hex string.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// IsWeakKey rejects generated key material with obviously degenerate
// entropy (all zero, single repeated byte, too few distinct bytes).
func IsWeakKey(key []byte) bool {
	if len(key) < KeySize {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 16
}

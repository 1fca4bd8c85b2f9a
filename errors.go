package e2ee

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrKeyNotFound is returned when a key id does not resolve to a
	// registered key or an owned key pair.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSecretNotFound is returned when a payload references a secret id
	// that is not held by this session.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretExpired is returned when a shared secret is past its
	// expiry. Callers must re-derive; retrying is pointless.
	ErrSecretExpired = errors.New("secret expired")

	// ErrSecretExhausted is returned when a usage-capped secret has hit
	// its cap. Callers must re-derive; retrying is pointless.
	ErrSecretExhausted = errors.New("secret usage limit reached")

	// ErrDecryptionFailed is returned on authentication tag mismatch.
	// It signals tampering or corruption and is never retryable.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInsufficientPermission is returned when the acting user lacks
	// the required permission level. The operation has no partial effect.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrKeyRevoked is returned when an operation targets a revoked key.
	// Revocation is terminal; the key can never be used again.
	ErrKeyRevoked = errors.New("key is revoked")

	// ErrKeyExpired is returned when a new encrypt or distribute targets
	// an expired key. Expired keys stay visible for audit purposes.
	ErrKeyExpired = errors.New("key expired")

	// ErrInvalidBackupPassword is returned when the backup password fails
	// hash validation. Validation happens before any decrypt attempt.
	ErrInvalidBackupPassword = errors.New("invalid backup password")

	// ErrSignatureInvalid is returned when a distribution package
	// signature does not verify.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrBackupNotFound is returned when a backup id does not exist in
	// the configured store.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrParticipantNotFound is returned when the recipient directory
	// cannot resolve a participant to a public key.
	ErrParticipantNotFound = errors.New("participant not found")
)

// DistributionError wraps a failure in the distribution protocol with the
// stage it occurred in ("permission", "directory", "derive", "encrypt",
// "sign").
type DistributionError struct {
	Stage       string
	KeyID       string
	RecipientID string
	Err         error
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution of key %s to %s failed at %s: %v", e.KeyID, e.RecipientID, e.Stage, e.Err)
}

func (e *DistributionError) Unwrap() error { return e.Err }

// BackupError wraps a failure in backup creation or restore with the stage
// it occurred in ("derive", "encrypt", "decrypt", "store", "validate").
type BackupError struct {
	Stage string
	Err   error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup operation failed at %s: %v", e.Stage, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

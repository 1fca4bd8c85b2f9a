package e2ee

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_@.]+$`)

// generateID returns a fresh opaque identifier with a type prefix so ids
// are self-describing in audit logs ("key-", "secret-", "pkg-", "bak-").
func generateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// validateParticipantID rejects ids that could not have come from the
// directory collaborator.
func validateParticipantID(participantID string) error {
	if participantID == "" {
		return fmt.Errorf("participant ID cannot be empty")
	}
	if len(participantID) > 255 {
		return fmt.Errorf("participant ID too long (max 255 characters)")
	}
	if !participantIDRegex.MatchString(participantID) {
		return fmt.Errorf("participant ID %q contains invalid characters", participantID)
	}
	return nil
}

// copyKeyMetadata deep copies a key record so callers can never mutate
// registry state through a returned value.
func copyKeyMetadata(original *KeyMetadata) *KeyMetadata {
	if original == nil {
		return nil
	}

	metaCopy := *original

	if original.ExpiresAt != nil {
		expiresAt := *original.ExpiresAt
		metaCopy.ExpiresAt = &expiresAt
	}
	if original.RevokedAt != nil {
		revokedAt := *original.RevokedAt
		metaCopy.RevokedAt = &revokedAt
	}

	metaCopy.Permissions = make([]Permission, len(original.Permissions))
	for i, p := range original.Permissions {
		metaCopy.Permissions[i] = p
		if p.ExpiresAt != nil {
			expiresAt := *p.ExpiresAt
			metaCopy.Permissions[i].ExpiresAt = &expiresAt
		}
	}

	return &metaCopy
}

// copyPayload deep copies an encrypted payload.
func copyPayload(original *EncryptedPayload) *EncryptedPayload {
	if original == nil {
		return nil
	}

	payloadCopy := &EncryptedPayload{
		Ciphertext: append([]byte(nil), original.Ciphertext...),
		IV:         append([]byte(nil), original.IV...),
		AuthTag:    append([]byte(nil), original.AuthTag...),
		KeyID:      original.KeyID,
		Algorithm:  original.Algorithm,
		Timestamp:  original.Timestamp,
	}
	if original.Metadata != nil {
		payloadCopy.Metadata = make(map[string]string, len(original.Metadata))
		for k, v := range original.Metadata {
			payloadCopy.Metadata[k] = v
		}
	}
	return payloadCopy
}

// timePtr returns a pointer to t. Helper for optional expiry fields.
func timePtr(t time.Time) *time.Time {
	return &t
}

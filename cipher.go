package e2ee

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
)

// maxPlaintextSize caps a single encryption to prevent memory exhaustion.
const maxPlaintextSize = 10 * 1024 * 1024

// Cipher provides AEAD payload encryption over two kinds of keys: shared
// secrets derived by KeyAgreement (peer-scoped traffic) and content keys
// registered in the Registry (meeting artifacts for fan-out).
//
// Every encryption generates a fresh random IV and returns ciphertext,
// IV and authentication tag as separate payload fields. Usage counters
// increment atomically; expiry and usage-cap violations fail with
// ErrSecretExpired / ErrSecretExhausted and callers must re-derive rather
// than retry. A tag mismatch on decrypt fails with ErrDecryptionFailed
// and is never retryable: it means tampering or corruption.
type Cipher struct {
	agreement *KeyAgreement
	registry  *Registry
	opts      Options
	audit     audit.Emitter
}

// NewCipher creates a cipher over an agreement service and an optional
// registry. A nil registry limits the cipher to shared-secret payloads.
func NewCipher(agreement *KeyAgreement, registry *Registry, opts Options, emitter audit.Emitter) *Cipher {
	opts.applyDefaults()
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}
	return &Cipher{
		agreement: agreement,
		registry:  registry,
		opts:      opts,
		audit:     emitter,
	}
}

// Encrypt encrypts plaintext under the secret or registry key identified
// by keyID.
//
// SECURITY PROPERTIES:
//   - Fresh cryptographically random IV per call; an IV is never reused
//     under the same key.
//   - The key id is bound into the AEAD as additional data, so a payload
//     cannot be replayed against a different key record.
//   - Usage increments atomically before the key material is touched;
//     once a capped secret is exhausted every further call fails with
//     ErrSecretExhausted.
//
// Failure modes: ErrSecretNotFound / ErrKeyNotFound for unknown ids,
// ErrSecretExpired past expiry, ErrSecretExhausted past the usage cap,
// ErrKeyRevoked / ErrKeyExpired for registry keys in terminal or soft
// lifecycle states.
func (c *Cipher) Encrypt(plaintext []byte, keyID string, metadata map[string]string) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > maxPlaintextSize {
		return nil, errors.New("plaintext too large")
	}

	now := time.Now().UTC()

	if c.agreement != nil {
		if entry, ok := c.agreement.lookupSecret(keyID); ok {
			return c.encryptWithSecret(entry, plaintext, keyID, metadata, now)
		}
	}

	if c.registry != nil {
		if entry, ok := c.registry.lookupKey(keyID); ok {
			return c.encryptWithRegistryKey(entry, plaintext, keyID, metadata, now)
		}
	}

	return nil, fmt.Errorf("encrypt: %s: %w", keyID, ErrSecretNotFound)
}

func (c *Cipher) encryptWithSecret(entry *secretEntry, plaintext []byte, keyID string, metadata map[string]string, now time.Time) (*EncryptedPayload, error) {
	if entry.expired(now) {
		c.emit("encrypt", keyID, false, map[string]interface{}{"error": "secret expired"})
		return nil, fmt.Errorf("encrypt: secret %s: %w", keyID, ErrSecretExpired)
	}

	entry.mu.RLock()
	maxUsage := entry.meta.MaxUsage
	entry.mu.RUnlock()

	if err := reserveUsage(&entry.usage, maxUsage); err != nil {
		c.emit("encrypt", keyID, false, map[string]interface{}{"error": "usage limit reached"})
		return nil, fmt.Errorf("encrypt: secret %s: %w", keyID, err)
	}

	return c.seal(entry.material, string(c.opts.Algorithm), plaintext, keyID, metadata)
}

func (c *Cipher) encryptWithRegistryKey(entry *keyEntry, plaintext []byte, keyID string, metadata map[string]string, now time.Time) (*EncryptedPayload, error) {
	c.registry.mu.RLock()
	revoked := entry.meta.IsRevoked
	status := entry.meta.Status(now)
	maxUsage := entry.meta.MaxUsage
	algorithm := entry.meta.Algorithm
	c.registry.mu.RUnlock()

	if revoked {
		c.emit("encrypt", keyID, false, map[string]interface{}{"error": "key revoked"})
		return nil, fmt.Errorf("encrypt: key %s: %w", keyID, ErrKeyRevoked)
	}
	if status == KeyStatusExpired {
		c.emit("encrypt", keyID, false, map[string]interface{}{"error": "key expired"})
		return nil, fmt.Errorf("encrypt: key %s: %w", keyID, ErrKeyExpired)
	}

	if err := reserveUsage(&entry.usage, maxUsage); err != nil {
		c.emit("encrypt", keyID, false, map[string]interface{}{"error": "usage limit reached"})
		return nil, fmt.Errorf("encrypt: key %s: %w", keyID, err)
	}

	return c.seal(entry.material, string(algorithm), plaintext, keyID, metadata)
}

func (c *Cipher) seal(material *memguard.Enclave, algorithm string, plaintext []byte, keyID string, metadata map[string]string) (*EncryptedPayload, error) {
	keyBuffer, err := material.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer keyBuffer.Destroy()

	iv, ciphertext, tag, err := icrypto.Seal(algorithm, keyBuffer.Bytes(), plaintext, []byte(keyID))
	if err != nil {
		return nil, err
	}

	payload := &EncryptedPayload{
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    tag,
		KeyID:      keyID,
		Algorithm:  CryptoAlgorithm(algorithm),
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}

	c.emit("encrypt", keyID, true, map[string]interface{}{
		"plaintext_size": len(plaintext),
	})

	return payload, nil
}

// Decrypt authenticates and decrypts a payload, resolving the key by
// payload.KeyID. A tag mismatch (any flipped bit in ciphertext, IV or
// tag) fails with ErrDecryptionFailed; wrong plaintext is never
// returned. Decryption of payloads under expired or revoked registry
// keys still succeeds (the data was legitimately encrypted while the key
// was active); expired shared secrets refuse both directions.
func (c *Cipher) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("nil payload")
	}
	if payload.KeyID == "" {
		return nil, errors.New("payload has no key id")
	}

	now := time.Now().UTC()

	if c.agreement != nil {
		if entry, ok := c.agreement.lookupSecret(payload.KeyID); ok {
			if entry.expired(now) {
				c.emit("decrypt", payload.KeyID, false, map[string]interface{}{"error": "secret expired"})
				return nil, fmt.Errorf("decrypt: secret %s: %w", payload.KeyID, ErrSecretExpired)
			}
			return c.open(entry.material, payload)
		}
	}

	if c.registry != nil {
		if entry, ok := c.registry.lookupKey(payload.KeyID); ok {
			return c.open(entry.material, payload)
		}
	}

	return nil, fmt.Errorf("decrypt: %s: %w", payload.KeyID, ErrSecretNotFound)
}

func (c *Cipher) open(material *memguard.Enclave, payload *EncryptedPayload) ([]byte, error) {
	keyBuffer, err := material.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer keyBuffer.Destroy()

	plaintext, err := icrypto.Open(string(payload.Algorithm), keyBuffer.Bytes(),
		payload.IV, payload.Ciphertext, payload.AuthTag, []byte(payload.KeyID))
	if err != nil {
		c.emit("decrypt", payload.KeyID, false, map[string]interface{}{"error": "authentication failed"})
		return nil, fmt.Errorf("decrypt: %w: %v", ErrDecryptionFailed, err)
	}

	c.emit("decrypt", payload.KeyID, true, map[string]interface{}{
		"plaintext_size": len(plaintext),
	})

	return plaintext, nil
}

// EncryptMeetingData encrypts a meeting artifact under a one-off content
// key minted in the registry, not under a reused shared secret. The
// returned map names the content key id per participant; delivery of the
// key itself goes through the distribution protocol.
func (c *Cipher) EncryptMeetingData(meetingID string, data []byte, participantIDs []string, createdBy string) (*EncryptedPayload, map[string]string, error) {
	return c.encryptArtifact(PurposeMeeting, meetingID, "", data, participantIDs, createdBy)
}

// EncryptTranscriptSegment encrypts one transcript segment under a one-off
// content key, keyed per segment so revoking a segment key never exposes
// neighbouring segments.
func (c *Cipher) EncryptTranscriptSegment(meetingID, segmentID string, text []byte, participantIDs []string, createdBy string) (*EncryptedPayload, map[string]string, error) {
	return c.encryptArtifact(PurposeTranscript, meetingID, segmentID, text, participantIDs, createdBy)
}

func (c *Cipher) encryptArtifact(purpose KeyPurpose, meetingID, segmentID string, data []byte, participantIDs []string, createdBy string) (*EncryptedPayload, map[string]string, error) {
	if c.registry == nil {
		return nil, nil, errors.New("cipher has no registry; artifact encryption unavailable")
	}
	if meetingID == "" {
		return nil, nil, errors.New("empty meeting id")
	}
	if len(participantIDs) == 0 {
		return nil, nil, errors.New("no participants")
	}

	meta, err := c.registry.CreateKey(purpose, createdBy, nil, CreateKeyOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mint content key: %w", err)
	}

	payloadMeta := map[string]string{"meeting_id": meetingID}
	if segmentID != "" {
		payloadMeta["segment_id"] = segmentID
	}

	payload, err := c.Encrypt(data, meta.KeyID, payloadMeta)
	if err != nil {
		return nil, nil, err
	}

	keyMap := make(map[string]string, len(participantIDs))
	for _, participantID := range participantIDs {
		keyMap[participantID] = meta.KeyID
	}

	return payload, keyMap, nil
}

func (c *Cipher) emit(eventType, keyID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, "", success, details)
	event.SessionID = c.opts.SessionID
	_ = c.audit.Emit(event)
}

// reserveUsage atomically claims one usage slot against an optional cap.
func reserveUsage(usage *atomic.Int64, maxUsage int64) error {
	for {
		current := usage.Load()
		if maxUsage > 0 && current >= maxUsage {
			return ErrSecretExhausted
		}
		if usage.CompareAndSwap(current, current+1) {
			return nil
		}
	}
}

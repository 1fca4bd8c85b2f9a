package e2ee

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/iatoba72/MeetingMind-sub002/audit"
)

type cipherFixture struct {
	agreement *KeyAgreement
	registry  *Registry
	cipher    *Cipher
	secretID  string
}

func newCipherFixture(t *testing.T, opts Options) *cipherFixture {
	t.Helper()

	emitter := audit.NewMemoryEmitter()
	agreement, err := NewKeyAgreement(opts, emitter)
	if err != nil {
		t.Fatalf("Failed to create key agreement: %v", err)
	}
	t.Cleanup(agreement.Close)

	registry, err := NewRegistry(opts, emitter)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	secret, err := agreement.DeriveSharedSecret(peerPublicKey(t), "alice", "")
	if err != nil {
		t.Fatalf("Failed to derive shared secret: %v", err)
	}

	return &cipherFixture{
		agreement: agreement,
		registry:  registry,
		cipher:    NewCipher(agreement, registry, opts, emitter),
		secretID:  secret.SecretID,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, algorithm := range []CryptoAlgorithm{AESGCM, ChaCha20Poly1305} {
		t.Run(string(algorithm), func(t *testing.T) {
			opts := testOptions()
			opts.Algorithm = algorithm
			fx := newCipherFixture(t, opts)

			plaintext := []byte("the meeting starts at noon")
			payload, err := fx.cipher.Encrypt(plaintext, fx.secretID, map[string]string{"kind": "chat"})
			if err != nil {
				t.Fatalf("Encryption failed: %v", err)
			}

			if payload.Algorithm != algorithm {
				t.Errorf("Expected algorithm %s, got %s", algorithm, payload.Algorithm)
			}
			if len(payload.IV) != 12 {
				t.Errorf("Expected 12-byte IV, got %d", len(payload.IV))
			}
			if len(payload.AuthTag) != 16 {
				t.Errorf("Expected 16-byte auth tag, got %d", len(payload.AuthTag))
			}
			if bytes.Contains(payload.Ciphertext, plaintext) {
				t.Error("Ciphertext contains plaintext")
			}

			decrypted, err := fx.cipher.Decrypt(payload)
			if err != nil {
				t.Fatalf("Decryption failed: %v", err)
			}
			if !bytes.Equal(decrypted, plaintext) {
				t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
			}
		})
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	payload, err := fx.cipher.Encrypt([]byte("sensitive transcript line"), fx.secretID, nil)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	tamperings := []struct {
		name   string
		mutate func(p *EncryptedPayload)
	}{
		{"ciphertext bit flip", func(p *EncryptedPayload) { p.Ciphertext[0] ^= 0x01 }},
		{"iv bit flip", func(p *EncryptedPayload) { p.IV[0] ^= 0x01 }},
		{"tag bit flip", func(p *EncryptedPayload) { p.AuthTag[0] ^= 0x01 }},
		{"truncated ciphertext", func(p *EncryptedPayload) { p.Ciphertext = p.Ciphertext[:len(p.Ciphertext)-1] }},
	}

	for _, tampering := range tamperings {
		t.Run(tampering.name, func(t *testing.T) {
			tampered := copyPayload(payload)
			tampering.mutate(tampered)

			if _, err := fx.cipher.Decrypt(tampered); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestDecryptRejectsKeySubstitution(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	other, err := fx.agreement.DeriveSharedSecret(peerPublicKey(t), "bob", "")
	if err != nil {
		t.Fatalf("Failed to derive second secret: %v", err)
	}

	payload, err := fx.cipher.Encrypt([]byte("for alice only"), fx.secretID, nil)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	// Point the payload at a different (valid) secret.
	substituted := copyPayload(payload)
	substituted.KeyID = other.SecretID

	if _, err := fx.cipher.Decrypt(substituted); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed on key substitution, got %v", err)
	}
}

func TestEncryptIVUniqueness(t *testing.T) {
	// Unbounded secret so the sequence is not cut short by the usage cap.
	opts := testOptions()
	opts.ForwardSecrecy = false
	fx := newCipherFixture(t, opts)

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		payload, err := fx.cipher.Encrypt([]byte("same plaintext every time"), fx.secretID, nil)
		if err != nil {
			t.Fatalf("Encryption %d failed: %v", i, err)
		}
		iv := hex.EncodeToString(payload.IV)
		if seen[iv] {
			t.Fatalf("IV reused after %d encryptions", i)
		}
		seen[iv] = true
	}
}

func TestEncryptUsageCap(t *testing.T) {
	opts := testOptions()
	opts.MaxSecretUsage = 3
	fx := newCipherFixture(t, opts)

	for i := 0; i < 3; i++ {
		if _, err := fx.cipher.Encrypt([]byte("payload"), fx.secretID, nil); err != nil {
			t.Fatalf("Encryption %d under the cap failed: %v", i, err)
		}
	}

	if _, err := fx.cipher.Encrypt([]byte("payload"), fx.secretID, nil); !errors.Is(err, ErrSecretExhausted) {
		t.Errorf("Expected ErrSecretExhausted past the cap, got %v", err)
	}

	secret, err := fx.agreement.GetSharedSecret(fx.secretID)
	if err != nil {
		t.Fatalf("Failed to look up secret: %v", err)
	}
	if secret.UsageCount != 3 {
		t.Errorf("Expected usage count 3, got %d", secret.UsageCount)
	}
}

func TestEncryptDecryptExpiredSecret(t *testing.T) {
	opts := testOptions()
	opts.RotationInterval = 50 * time.Millisecond
	fx := newCipherFixture(t, opts)

	payload, err := fx.cipher.Encrypt([]byte("before expiry"), fx.secretID, nil)
	if err != nil {
		t.Fatalf("Encryption before expiry failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := fx.cipher.Encrypt([]byte("after expiry"), fx.secretID, nil); !errors.Is(err, ErrSecretExpired) {
		t.Errorf("Expected ErrSecretExpired on encrypt, got %v", err)
	}
	// Expired shared secrets refuse decryption too.
	if _, err := fx.cipher.Decrypt(payload); !errors.Is(err, ErrSecretExpired) {
		t.Errorf("Expected ErrSecretExpired on decrypt, got %v", err)
	}
}

func TestEncryptWithRegistryKeyLifecycle(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	meta, err := fx.registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}

	payload, err := fx.cipher.Encrypt([]byte("file contents"), meta.KeyID, nil)
	if err != nil {
		t.Fatalf("Encryption under registry key failed: %v", err)
	}

	if err := fx.registry.RevokeKey(meta.KeyID, "alice", "compromised"); err != nil {
		t.Fatalf("Revocation failed: %v", err)
	}

	if _, err := fx.cipher.Encrypt([]byte("new data"), meta.KeyID, nil); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Expected ErrKeyRevoked on encrypt, got %v", err)
	}

	// History stays readable: the data was encrypted while the key was live.
	decrypted, err := fx.cipher.Decrypt(payload)
	if err != nil {
		t.Fatalf("Decryption under revoked key failed: %v", err)
	}
	if !bytes.Equal(decrypted, []byte("file contents")) {
		t.Error("Decryption under revoked key returned wrong plaintext")
	}
}

func TestEncryptWithExpiredRegistryKey(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	meta, err := fx.registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{ExpiresIn: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}

	payload, err := fx.cipher.Encrypt([]byte("still active"), meta.KeyID, nil)
	if err != nil {
		t.Fatalf("Encryption before expiry failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if _, err := fx.cipher.Encrypt([]byte("too late"), meta.KeyID, nil); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("Expected ErrKeyExpired on encrypt, got %v", err)
	}
	if _, err := fx.cipher.Decrypt(payload); err != nil {
		t.Errorf("Decryption under expired key should succeed, got %v", err)
	}
}

func TestEncryptValidation(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	if _, err := fx.cipher.Encrypt(nil, fx.secretID, nil); err == nil {
		t.Error("Expected error for empty plaintext")
	}
	if _, err := fx.cipher.Encrypt([]byte("data"), "secret-missing", nil); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Expected ErrSecretNotFound, got %v", err)
	}
	if _, err := fx.cipher.Decrypt(nil); err == nil {
		t.Error("Expected error for nil payload")
	}
}

func TestEncryptMeetingData(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	participants := []string{"alice", "bob", "carol"}
	payload, keyMap, err := fx.cipher.EncryptMeetingData("meeting-42", []byte("quarterly planning notes"), participants, "alice")
	if err != nil {
		t.Fatalf("EncryptMeetingData failed: %v", err)
	}

	if len(keyMap) != 3 {
		t.Fatalf("Expected key map for 3 participants, got %d", len(keyMap))
	}
	contentKeyID := keyMap["alice"]
	for _, participantID := range participants {
		if keyMap[participantID] != contentKeyID {
			t.Error("Participants mapped to different content keys for one artifact")
		}
	}
	if payload.KeyID != contentKeyID {
		t.Errorf("Payload key %s does not match content key %s", payload.KeyID, contentKeyID)
	}
	if payload.Metadata["meeting_id"] != "meeting-42" {
		t.Errorf("Expected meeting_id metadata, got %v", payload.Metadata)
	}

	meta, err := fx.registry.GetKey(contentKeyID)
	if err != nil {
		t.Fatalf("Content key not registered: %v", err)
	}
	if meta.Purpose != PurposeMeeting {
		t.Errorf("Expected meeting purpose, got %s", meta.Purpose)
	}

	decrypted, err := fx.cipher.Decrypt(payload)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}
	if !bytes.Equal(decrypted, []byte("quarterly planning notes")) {
		t.Error("Meeting data round trip mismatch")
	}
}

func TestEncryptTranscriptSegment(t *testing.T) {
	fx := newCipherFixture(t, testOptions())

	payload, keyMap, err := fx.cipher.EncryptTranscriptSegment("meeting-42", "seg-7", []byte("and then we agreed"), []string{"alice"}, "alice")
	if err != nil {
		t.Fatalf("EncryptTranscriptSegment failed: %v", err)
	}

	if payload.Metadata["segment_id"] != "seg-7" {
		t.Errorf("Expected segment_id metadata, got %v", payload.Metadata)
	}

	meta, err := fx.registry.GetKey(keyMap["alice"])
	if err != nil {
		t.Fatalf("Content key not registered: %v", err)
	}
	if meta.Purpose != PurposeTranscript {
		t.Errorf("Expected transcript purpose, got %s", meta.Purpose)
	}

	// Segment keys are one-off: a second segment gets its own key.
	_, keyMap2, err := fx.cipher.EncryptTranscriptSegment("meeting-42", "seg-8", []byte("next item"), []string{"alice"}, "alice")
	if err != nil {
		t.Fatalf("Second segment failed: %v", err)
	}
	if keyMap2["alice"] == keyMap["alice"] {
		t.Error("Transcript segments share a content key")
	}
}

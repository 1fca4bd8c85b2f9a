package crypto

import (
	"bytes"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, algorithm := range []string{AlgorithmAESGCM, AlgorithmChaCha20Poly1305} {
		t.Run(algorithm, func(t *testing.T) {
			key := testKey(t)
			plaintext := []byte("attack at dawn")
			aad := []byte("context")

			iv, ciphertext, tag, err := Seal(algorithm, key, plaintext, aad)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(iv) != 12 {
				t.Errorf("Expected 12-byte IV, got %d", len(iv))
			}
			if len(tag) != 16 {
				t.Errorf("Expected 16-byte tag, got %d", len(tag))
			}
			if len(ciphertext) != len(plaintext) {
				t.Errorf("Expected ciphertext length %d, got %d", len(plaintext), len(ciphertext))
			}

			opened, err := Open(algorithm, key, iv, ciphertext, tag, aad)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Error("Round trip mismatch")
			}
		})
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := testKey(t)
	iv, ciphertext, tag, err := Seal(AlgorithmAESGCM, key, []byte("payload"), []byte("aad"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[0] ^= 0x01
		return out
	}

	if _, err := Open(AlgorithmAESGCM, key, iv, flip(ciphertext), tag, []byte("aad")); err == nil {
		t.Error("Expected failure on tampered ciphertext")
	}
	if _, err := Open(AlgorithmAESGCM, key, flip(iv), ciphertext, tag, []byte("aad")); err == nil {
		t.Error("Expected failure on tampered IV")
	}
	if _, err := Open(AlgorithmAESGCM, key, iv, ciphertext, flip(tag), []byte("aad")); err == nil {
		t.Error("Expected failure on tampered tag")
	}
	if _, err := Open(AlgorithmAESGCM, key, iv, ciphertext, tag, []byte("other aad")); err == nil {
		t.Error("Expected failure on wrong additional data")
	}
	if _, err := Open(AlgorithmAESGCM, flip(key), iv, ciphertext, tag, []byte("aad")); err == nil {
		t.Error("Expected failure with wrong key")
	}
}

func TestNewAEADValidation(t *testing.T) {
	if _, err := NewAEAD(AlgorithmAESGCM, make([]byte, 16)); err == nil {
		t.Error("Expected error for short key")
	}
	if _, err := NewAEAD("des", make([]byte, KeySize)); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}
}

func TestDeriveSecretDeterministic(t *testing.T) {
	ecdhOutput := make([]byte, 32)
	for i := range ecdhOutput {
		ecdhOutput[i] = byte(i)
	}

	first, err := DeriveSecret(ecdhOutput, nil, "e2ee-secret:alice:key-1")
	if err != nil {
		t.Fatalf("DeriveSecret failed: %v", err)
	}
	second, err := DeriveSecret(ecdhOutput, nil, "e2ee-secret:alice:key-1")
	if err != nil {
		t.Fatalf("DeriveSecret failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("Same inputs must derive the same secret")
	}
	if len(first) != KeySize {
		t.Errorf("Expected %d-byte secret, got %d", KeySize, len(first))
	}

	// Different info strings partition the key space.
	other, err := DeriveSecret(ecdhOutput, nil, "e2ee-secret:bob:key-1")
	if err != nil {
		t.Fatalf("DeriveSecret failed: %v", err)
	}
	if bytes.Equal(first, other) {
		t.Error("Different info strings derived the same secret")
	}
}

func TestBackupPasswordVerification(t *testing.T) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	hash := HashBackupPassword([]byte("hunter2hunter2"), salt)

	if !VerifyBackupPassword([]byte("hunter2hunter2"), salt, hash) {
		t.Error("Correct password rejected")
	}
	if VerifyBackupPassword([]byte("wrong"), salt, hash) {
		t.Error("Wrong password accepted")
	}

	otherSalt, _ := RandomBytes(SaltSize)
	if VerifyBackupPassword([]byte("hunter2hunter2"), otherSalt, hash) {
		t.Error("Password accepted with wrong salt")
	}
}

func TestDeriveBackupKeyDiffersFromValidationHash(t *testing.T) {
	salt, _ := RandomBytes(SaltSize)

	// The encryption key and the validation hash must never coincide,
	// even when fed identical inputs.
	key := DeriveBackupKey([]byte("password-password"), salt)
	hash := HashBackupPassword([]byte("password-password"), salt)
	if bytes.Equal(key, hash) {
		t.Error("Backup key equals validation hash")
	}
	if len(key) != KeySize {
		t.Errorf("Expected %d-byte backup key, got %d", KeySize, len(key))
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, KeySize)) {
		t.Error("All-zero key not flagged as weak")
	}
	if !IsWeakKey([]byte{1, 2, 3}) {
		t.Error("Short key not flagged as weak")
	}
	if IsWeakKey(testKey(t)) {
		t.Error("Random key flagged as weak")
	}
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("data"))
	b := Checksum([]byte("data"))
	c := Checksum([]byte("datb"))

	if a != b {
		t.Error("Checksum not deterministic")
	}
	if a == c {
		t.Error("Different data produced the same checksum")
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
}

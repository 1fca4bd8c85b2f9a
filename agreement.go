package e2ee

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
)

// KeyAgreement generates ephemeral X25519 key pairs and derives per-peer
// symmetric secrets via ECDH + HKDF-SHA256.
//
// Private scalars are held exclusively inside memguard enclaves and are
// referenced through opaque KeyHandle values; no API returns raw private
// key material. Derived shared secrets are likewise enclave-protected and
// referenced by secret id.
//
// When forward secrecy is enabled every derived secret is bounded in time
// (Options.RotationInterval) and usage (Options.MaxSecretUsage). The
// rotation scheduler periodically supersedes the current session pair;
// superseded pairs stay decryptable for the configured grace period so
// in-flight operations never race rotation.
type KeyAgreement struct {
	mu    sync.RWMutex
	opts  Options
	audit audit.Emitter

	pairs         map[string]*sessionKeyPair
	currentPairID string
	secrets       map[string]*secretEntry

	closed bool
}

type sessionKeyPair struct {
	handle     KeyHandle
	public     []byte
	private    *memguard.Enclave
	graceUntil *time.Time // set when superseded by rotation
}

type secretEntry struct {
	mu       sync.RWMutex
	meta     SharedSecret
	material *memguard.Enclave
	usage    atomic.Int64
}

// expired reports whether the secret is past its expiry at now.
func (e *secretEntry) expired(now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.ExpiresAt != nil && now.After(*e.meta.ExpiresAt)
}

// snapshot returns the observable metadata with the live usage count.
func (e *secretEntry) snapshot() SharedSecret {
	e.mu.RLock()
	defer e.mu.RUnlock()
	meta := e.meta
	if meta.ExpiresAt != nil {
		expiresAt := *meta.ExpiresAt
		meta.ExpiresAt = &expiresAt
	}
	meta.UsageCount = e.usage.Load()
	return meta
}

// NewKeyAgreement creates a key agreement service and generates the
// initial session key pair.
func NewKeyAgreement(opts Options, emitter audit.Emitter) (*KeyAgreement, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}

	ka := &KeyAgreement{
		opts:    opts,
		audit:   emitter,
		pairs:   make(map[string]*sessionKeyPair),
		secrets: make(map[string]*secretEntry),
	}

	handle, err := ka.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial session key pair: %w", err)
	}

	ka.mu.Lock()
	ka.currentPairID = handle.ID()
	ka.mu.Unlock()

	return ka, nil
}

// GenerateKeyPair produces a new ephemeral X25519 key pair. The private
// scalar is moved into protected memory immediately; callers receive an
// opaque handle only.
func (ka *KeyAgreement) GenerateKeyPair() (*KeyHandle, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	// NewEnclave wipes the source slice after sealing it.
	scalar := priv.Bytes()
	enclave := memguard.NewEnclave(scalar)

	now := time.Now().UTC()
	pair := &sessionKeyPair{
		handle: KeyHandle{
			id:        generateID("key"),
			createdAt: now,
		},
		public:  priv.PublicKey().Bytes(),
		private: enclave,
	}

	ka.mu.Lock()
	if ka.closed {
		ka.mu.Unlock()
		return nil, errors.New("key agreement service is closed")
	}
	ka.pairs[pair.handle.id] = pair
	ka.mu.Unlock()

	handle := pair.handle
	return &handle, nil
}

// CurrentKeyPair returns the handle of the session pair new derivations
// are steered to.
func (ka *KeyAgreement) CurrentKeyPair() (*KeyHandle, error) {
	ka.mu.RLock()
	defer ka.mu.RUnlock()

	pair, exists := ka.pairs[ka.currentPairID]
	if !exists {
		return nil, ErrKeyNotFound
	}
	handle := pair.handle
	return &handle, nil
}

// ExportPublicKey returns the raw public key bytes for a key pair. This is
// the interop boundary for exchanging public keys; transport is external.
func (ka *KeyAgreement) ExportPublicKey(keyID string) ([]byte, error) {
	ka.mu.RLock()
	defer ka.mu.RUnlock()

	pair, exists := ka.pairs[keyID]
	if !exists {
		return nil, fmt.Errorf("key pair %s: %w", keyID, ErrKeyNotFound)
	}
	return append([]byte(nil), pair.public...), nil
}

// ImportPublicKey validates raw peer public key bytes and returns them in
// normalized form. It rejects keys the curve cannot accept.
func (ka *KeyAgreement) ImportPublicKey(raw []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	return pub.Bytes(), nil
}

// DeriveSharedSecret performs X25519 key agreement with a peer public key
// and expands the result into an AEAD-capable symmetric secret.
//
// The secret is bound to the participant and the owning key pair through
// the HKDF info string, so the same ECDH result can never serve a
// different peer. When ownKeyID is empty the current session pair is used;
// an unknown ownKeyID fails with ErrKeyNotFound.
//
// With forward secrecy enabled the secret expires after
// Options.RotationInterval and is capped at Options.MaxSecretUsage
// encryptions; without it the secret is unbounded.
func (ka *KeyAgreement) DeriveSharedSecret(peerPublicKey []byte, participantID, ownKeyID string) (*SharedSecret, error) {
	if err := validateParticipantID(participantID); err != nil {
		return nil, err
	}

	peerPub, err := ecdh.X25519().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid peer public key: %w", err)
	}

	ka.mu.Lock()
	defer ka.mu.Unlock()

	if ka.closed {
		return nil, errors.New("key agreement service is closed")
	}

	if ownKeyID == "" {
		ownKeyID = ka.currentPairID
	}
	pair, exists := ka.pairs[ownKeyID]
	if !exists {
		ka.emit("secret_derived", "", participantID, false, map[string]interface{}{
			"error": "own key pair not found",
		})
		return nil, fmt.Errorf("key pair %s: %w", ownKeyID, ErrKeyNotFound)
	}

	scalarBuffer, err := pair.private.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access private key: %w", err)
	}
	defer scalarBuffer.Destroy()

	priv, err := ecdh.X25519().NewPrivateKey(scalarBuffer.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct private key: %w", err)
	}

	ecdhOutput, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer memguard.WipeBytes(ecdhOutput)

	info := fmt.Sprintf("e2ee-secret:%s:%s", participantID, ownKeyID)
	secretKey, err := icrypto.DeriveSecret(ecdhOutput, nil, info)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := SharedSecret{
		SecretID:      generateID("secret"),
		KeyID:         ownKeyID,
		ParticipantID: participantID,
		CreatedAt:     now,
	}
	if ka.opts.ForwardSecrecy {
		meta.ExpiresAt = timePtr(now.Add(ka.opts.RotationInterval))
		meta.MaxUsage = ka.opts.MaxSecretUsage
	}

	// NewEnclave wipes secretKey.
	entry := &secretEntry{
		meta:     meta,
		material: memguard.NewEnclave(secretKey),
	}
	ka.secrets[meta.SecretID] = entry

	ka.emit("secret_derived", ownKeyID, participantID, true, map[string]interface{}{
		"secret_id":       meta.SecretID,
		"forward_secrecy": ka.opts.ForwardSecrecy,
	})

	result := entry.snapshot()
	return &result, nil
}

// GetSharedSecret returns the observable metadata of a derived secret.
func (ka *KeyAgreement) GetSharedSecret(secretID string) (*SharedSecret, error) {
	ka.mu.RLock()
	entry, exists := ka.secrets[secretID]
	ka.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("secret %s: %w", secretID, ErrSecretNotFound)
	}
	meta := entry.snapshot()
	return &meta, nil
}

// lookupSecret resolves a secret entry by id for the cipher.
func (ka *KeyAgreement) lookupSecret(secretID string) (*secretEntry, bool) {
	ka.mu.RLock()
	defer ka.mu.RUnlock()
	entry, exists := ka.secrets[secretID]
	return entry, exists
}

// RotateSessionKey generates a fresh session pair and supersedes the
// current one with a grace-period expiry instead of destroying it, so
// decryptions referencing the old pair still succeed while new derivations
// are steered to the new pair. Pairs and secrets past their grace window
// are destroyed.
func (ka *KeyAgreement) RotateSessionKey(reason string) (*KeyHandle, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		ka.emit("key_rotated", "", "", false, map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("failed to generate rotation key pair: %w", err)
	}

	scalar := priv.Bytes()
	enclave := memguard.NewEnclave(scalar)

	now := time.Now().UTC()
	pair := &sessionKeyPair{
		handle: KeyHandle{
			id:        generateID("key"),
			createdAt: now,
		},
		public:  priv.PublicKey().Bytes(),
		private: enclave,
	}

	ka.mu.Lock()
	defer ka.mu.Unlock()

	if ka.closed {
		return nil, errors.New("key agreement service is closed")
	}

	// Supersede, don't delete: in-flight calls referencing the old pair
	// keep working until the grace window closes.
	if prev, exists := ka.pairs[ka.currentPairID]; exists {
		grace := now.Add(ka.opts.RotationGracePeriod)
		prev.graceUntil = &grace
		prev.handle.expiresAt = &grace
	}

	ka.pairs[pair.handle.id] = pair
	ka.currentPairID = pair.handle.id

	ka.sweepLocked(now)

	ka.emit("key_rotated", pair.handle.id, "", true, map[string]interface{}{
		"reason": reason,
	})

	handle := pair.handle
	return &handle, nil
}

// sweepLocked destroys superseded pairs and expired secrets whose grace
// window has closed. Caller holds the write lock.
func (ka *KeyAgreement) sweepLocked(now time.Time) {
	for id, pair := range ka.pairs {
		if pair.graceUntil != nil && now.After(*pair.graceUntil) {
			delete(ka.pairs, id)
		}
	}

	for id, entry := range ka.secrets {
		entry.mu.RLock()
		expiresAt := entry.meta.ExpiresAt
		entry.mu.RUnlock()
		if expiresAt != nil && now.After(expiresAt.Add(ka.opts.RotationGracePeriod)) {
			delete(ka.secrets, id)
		}
	}
}

// Close destroys all key pairs and secrets. The service is unusable
// afterwards.
func (ka *KeyAgreement) Close() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	ka.pairs = make(map[string]*sessionKeyPair)
	ka.secrets = make(map[string]*secretEntry)
	ka.currentPairID = ""
	ka.closed = true
}

func (ka *KeyAgreement) emit(eventType, keyID, userID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, userID, success, details)
	event.SessionID = ka.opts.SessionID
	// Audit emission is best-effort; a failing sink must not block crypto.
	_ = ka.audit.Emit(event)
}

package e2ee

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
)

// Registry is the canonical store of long-lived key metadata, lifecycle
// state and permission grants. Every key owns symmetric content material
// held in protected memory; the material is only reachable through the
// cipher (payload encryption) and the distribution protocol (export for a
// recipient).
//
// Mutating operations are serialized by a single writer lock. Usage
// counters increment atomically so concurrent encryptions under the same
// key never race.
//
// Lifecycle: Active -> Revoked (terminal) via RevokeKey, or
// Active -> Expired (soft state) when ExpiresAt elapses. Expired keys stay
// visible for audit and keep decrypting; new encrypt and distribute calls
// are rejected. Nothing leaves Revoked.
type Registry struct {
	mu    sync.RWMutex
	opts  Options
	audit audit.Emitter
	keys  map[string]*keyEntry
}

type keyEntry struct {
	meta     *KeyMetadata
	material *memguard.Enclave
	usage    atomic.Int64
}

// NewRegistry creates an empty key registry.
func NewRegistry(opts Options, emitter audit.Emitter) (*Registry, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}

	return &Registry{
		opts:  opts,
		audit: emitter,
		keys:  make(map[string]*keyEntry),
	}, nil
}

// CreateKey allocates a new key record with fresh symmetric content
// material, seeds its grants with the creator as admin plus any initial
// grants, and emits a "key_created" event.
//
// Options fall back to the registry defaults: the configured AEAD
// algorithm, 256-bit strength, and DefaultKeyExpiry (no expiry when
// unset). At most one grant per user is kept; the creator's admin grant
// wins over a conflicting initial grant.
func (r *Registry) CreateKey(purpose KeyPurpose, createdBy string, initialGrants []Permission, options CreateKeyOptions) (*KeyMetadata, error) {
	if err := validateParticipantID(createdBy); err != nil {
		return nil, err
	}

	switch purpose {
	case PurposeMeeting, PurposeTranscript, PurposeFile, PurposeSession:
	default:
		return nil, fmt.Errorf("unsupported key purpose: %s", purpose)
	}

	algorithm := options.Algorithm
	if algorithm == "" {
		algorithm = r.opts.Algorithm
	}
	strength := options.Strength
	if strength == 0 {
		strength = DefaultKeyStrength
	}
	switch strength {
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("unsupported key strength: %d", strength)
	}

	// Content material is always 32 bytes; strength is recorded for the
	// health assessor. The AEADs require 256-bit keys regardless.
	material, err := icrypto.RandomBytes(icrypto.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	if icrypto.IsWeakKey(material) {
		memguard.WipeBytes(material)
		return nil, fmt.Errorf("generated key failed entropy check")
	}

	now := time.Now().UTC()
	meta := &KeyMetadata{
		KeyID:     generateID("key"),
		Purpose:   purpose,
		Algorithm: algorithm,
		Strength:  strength,
		CreatedAt: now,
		CreatedBy: createdBy,
		MaxUsage:  options.MaxUsage,
	}

	expiresIn := options.ExpiresIn
	if expiresIn == 0 {
		expiresIn = r.opts.DefaultKeyExpiry
	}
	if expiresIn > 0 {
		meta.ExpiresAt = timePtr(now.Add(expiresIn))
	}

	// Creator is always admin; initial grants fill in behind it, one
	// grant per user.
	meta.Permissions = []Permission{{
		UserID:    createdBy,
		Level:     PermissionAdmin,
		GrantedAt: now,
		GrantedBy: createdBy,
	}}
	for _, grant := range initialGrants {
		if grant.UserID == "" || grant.UserID == createdBy {
			continue
		}
		if hasGrant(meta, grant.UserID) {
			continue
		}
		grant.GrantedAt = now
		if grant.GrantedBy == "" {
			grant.GrantedBy = createdBy
		}
		meta.Permissions = append(meta.Permissions, grant)
	}

	entry := &keyEntry{
		meta:     meta,
		material: memguard.NewEnclave(material),
	}

	r.mu.Lock()
	r.keys[meta.KeyID] = entry
	r.mu.Unlock()

	r.emit("key_created", meta.KeyID, createdBy, true, map[string]interface{}{
		"purpose":   string(purpose),
		"algorithm": string(algorithm),
		"strength":  strength,
	})

	return copyKeyMetadata(meta), nil
}

// GetKey returns a deep copy of a key record.
func (r *Registry) GetKey(keyID string) (*KeyMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}

	meta := copyKeyMetadata(entry.meta)
	meta.UsageCount = entry.usage.Load()
	return meta, nil
}

// ListKeys returns all key records, optionally filtered by status.
func (r *Registry) ListKeys(statusFilter ...KeyStatus) []*KeyMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	var out []*KeyMetadata
	for _, entry := range r.keys {
		if len(statusFilter) > 0 {
			match := false
			for _, s := range statusFilter {
				if entry.meta.Status(now) == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		meta := copyKeyMetadata(entry.meta)
		meta.UsageCount = entry.usage.Load()
		out = append(out, meta)
	}
	return out
}

// RevokeKey terminally revokes a key. Requires admin on the key. Revoked
// keys can never be un-revoked or reused for new distribution or
// encryption; the record stays visible for audit.
func (r *Registry) RevokeKey(keyID, revokedBy, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.keys[keyID]
	if !exists {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}

	now := time.Now().UTC()
	if !grantSatisfies(entry.meta, revokedBy, PermissionAdmin, now) {
		r.emit("key_revoked", keyID, revokedBy, false, map[string]interface{}{
			"error": "insufficient permission",
		})
		return fmt.Errorf("revoke key %s: %w", keyID, ErrInsufficientPermission)
	}

	if entry.meta.IsRevoked {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyRevoked)
	}

	entry.meta.IsRevoked = true
	entry.meta.RevokedAt = &now
	entry.meta.RevokedBy = revokedBy
	entry.meta.RevocationReason = reason

	r.emit("key_revoked", keyID, revokedBy, true, map[string]interface{}{
		"reason": reason,
	})

	return nil
}

// ExpireDueKeys sweeps the registry and reports keys whose expiry has
// elapsed. Expiry is derived state, so the sweep only emits audit events
// for newly observed expirations; records are not mutated.
func (r *Registry) ExpireDueKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	var expired []string
	for id, entry := range r.keys {
		if !entry.meta.IsRevoked && entry.meta.Status(now) == KeyStatusExpired {
			expired = append(expired, id)
		}
	}
	return expired
}

// lookupKey resolves a key entry by id for the cipher.
func (r *Registry) lookupKey(keyID string) (*keyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, exists := r.keys[keyID]
	return entry, exists
}

// exportKeyMaterial copies out the symmetric content material of a key
// for recipient-scoped encryption by the distribution protocol. The
// caller owns the returned slice and must wipe it after use.
func (r *Registry) exportKeyMaterial(keyID string) ([]byte, error) {
	r.mu.RLock()
	entry, exists := r.keys[keyID]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}

	buffer, err := entry.material.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key material: %w", err)
	}
	defer buffer.Destroy()

	out := make([]byte, len(buffer.Bytes()))
	copy(out, buffer.Bytes())
	return out, nil
}

// adoptKey materializes a key record with provided material. Used by the
// backup vault: restore is re-creation, not resurrection, so the caller
// supplies a complete fresh record.
func (r *Registry) adoptKey(meta *KeyMetadata, material []byte) error {
	if meta == nil || meta.KeyID == "" {
		return fmt.Errorf("adopt key: missing metadata")
	}
	if len(material) != icrypto.KeySize {
		return fmt.Errorf("adopt key: invalid material size %d", len(material))
	}

	entry := &keyEntry{
		meta:     copyKeyMetadata(meta),
		material: memguard.NewEnclave(material),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[meta.KeyID]; exists {
		return fmt.Errorf("adopt key: id %s already registered", meta.KeyID)
	}
	r.keys[meta.KeyID] = entry
	return nil
}

// mutateGrants runs fn against the live grant list under the writer lock.
// Used by the permission engine so grant changes serialize with every
// other key mutation.
func (r *Registry) mutateGrants(keyID string, fn func(meta *KeyMetadata) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.keys[keyID]
	if !exists {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	return fn(entry.meta)
}

// readMeta runs fn against the live record under the reader lock.
func (r *Registry) readMeta(keyID string, fn func(meta *KeyMetadata) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.keys[keyID]
	if !exists {
		return fmt.Errorf("key %s: %w", keyID, ErrKeyNotFound)
	}
	return fn(entry.meta)
}

func (r *Registry) emit(eventType, keyID, userID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, userID, success, details)
	event.SessionID = r.opts.SessionID
	_ = r.audit.Emit(event)
}

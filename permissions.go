package e2ee

import (
	"fmt"
	"time"

	"github.com/iatoba72/MeetingMind-sub002/audit"
)

// PermissionEngine answers hierarchical access questions over the grants
// stored in the registry and applies admin-only grant mutations.
//
// The hierarchy is read(1) < write(2) < admin(3): holding a level
// satisfies every lower level. CheckPermission is pure; it reads grant
// state and never mutates anything.
type PermissionEngine struct {
	registry *Registry
	audit    audit.Emitter
	opts     Options
}

// NewPermissionEngine creates a permission engine over a registry.
func NewPermissionEngine(registry *Registry, opts Options, emitter audit.Emitter) *PermissionEngine {
	opts.applyDefaults()
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}
	return &PermissionEngine{registry: registry, audit: emitter, opts: opts}
}

// CheckPermission reports whether userId holds at least the required level
// on keyId. False when there is no grant, the grant has expired, or the
// level is insufficient. Pure and side-effect free; unknown keys are
// simply false.
func (pe *PermissionEngine) CheckPermission(keyID, userID string, required PermissionLevel) bool {
	allowed := false
	now := time.Now().UTC()
	_ = pe.registry.readMeta(keyID, func(meta *KeyMetadata) error {
		allowed = grantSatisfies(meta, userID, required, now)
		return nil
	})
	return allowed
}

// GrantPermission grants level to userId on keyId. Requires grantedBy to
// hold admin. Any existing grant for that user is replaced so a key never
// carries more than one active grant per user. Fails with ErrKeyRevoked
// on revoked keys; revocation is terminal.
func (pe *PermissionEngine) GrantPermission(keyID, userID string, level PermissionLevel, grantedBy string, expiresAt *time.Time) error {
	if err := validateParticipantID(userID); err != nil {
		return err
	}
	if level.rank() == 0 {
		return fmt.Errorf("unknown permission level: %s", level)
	}

	now := time.Now().UTC()
	err := pe.registry.mutateGrants(keyID, func(meta *KeyMetadata) error {
		if meta.IsRevoked {
			return fmt.Errorf("grant on key %s: %w", keyID, ErrKeyRevoked)
		}
		if !grantSatisfies(meta, grantedBy, PermissionAdmin, now) {
			return fmt.Errorf("grant on key %s: %w", keyID, ErrInsufficientPermission)
		}

		replaceGrant(meta, Permission{
			UserID:    userID,
			Level:     level,
			GrantedAt: now,
			GrantedBy: grantedBy,
			ExpiresAt: expiresAt,
		})
		return nil
	})

	pe.emit("permission_granted", keyID, grantedBy, err == nil, map[string]interface{}{
		"grantee": userID,
		"level":   string(level),
	})

	return err
}

// RevokePermission removes userId's grant on keyId. Requires revokedBy to
// hold admin. Removing a missing grant is not an error; the outcome is
// the same.
func (pe *PermissionEngine) RevokePermission(keyID, userID, revokedBy string) error {
	now := time.Now().UTC()
	err := pe.registry.mutateGrants(keyID, func(meta *KeyMetadata) error {
		if !grantSatisfies(meta, revokedBy, PermissionAdmin, now) {
			return fmt.Errorf("revoke grant on key %s: %w", keyID, ErrInsufficientPermission)
		}

		kept := meta.Permissions[:0]
		for _, grant := range meta.Permissions {
			if grant.UserID != userID {
				kept = append(kept, grant)
			}
		}
		meta.Permissions = kept
		return nil
	})

	pe.emit("permission_revoked", keyID, revokedBy, err == nil, map[string]interface{}{
		"grantee": userID,
	})

	return err
}

func (pe *PermissionEngine) emit(eventType, keyID, userID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, userID, success, details)
	event.SessionID = pe.opts.SessionID
	_ = pe.audit.Emit(event)
}

// grantSatisfies reports whether userID holds an unexpired grant on meta
// at or above the required level. Shared by the engine, the registry
// (revocation admin check) and the distribution protocol.
func grantSatisfies(meta *KeyMetadata, userID string, required PermissionLevel, now time.Time) bool {
	for _, grant := range meta.Permissions {
		if grant.UserID != userID {
			continue
		}
		if grant.ExpiresAt != nil && now.After(*grant.ExpiresAt) {
			return false
		}
		return grant.Level.Satisfies(required)
	}
	return false
}

// hasGrant reports whether any grant exists for userID.
func hasGrant(meta *KeyMetadata, userID string) bool {
	for _, grant := range meta.Permissions {
		if grant.UserID == userID {
			return true
		}
	}
	return false
}

// replaceGrant installs a grant, displacing any existing grant for the
// same user.
func replaceGrant(meta *KeyMetadata, grant Permission) {
	for i, existing := range meta.Permissions {
		if existing.UserID == grant.UserID {
			meta.Permissions[i] = grant
			return
		}
	}
	meta.Permissions = append(meta.Permissions, grant)
}

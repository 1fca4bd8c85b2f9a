package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
	"github.com/iatoba72/MeetingMind-sub002/persist"
)

// minBackupPasswordLen is the floor for backup passwords. The backup is
// only as strong as the password behind the key stretch.
const minBackupPasswordLen = 12

// backupContent is the plaintext structure sealed inside a backup.
// Material is present only when the vault was configured to include key
// material; metadata-only backups restore with freshly generated
// material.
type backupContent struct {
	Metadata *KeyMetadata `json:"metadata"`
	Material []byte       `json:"material,omitempty"`
}

// Vault creates and restores password-protected backups of registry
// keys.
//
// The backup encryption key is stretched from the password with Argon2id
// and a per-backup random salt. A second, independent salt feeds a
// PBKDF2 validation hash stored alongside the ciphertext: restore checks
// the password against that hash first and fails with
// ErrInvalidBackupPassword before any decryption is attempted, so a
// wrong password is distinguishable from a corrupted backup.
//
// Restore is re-creation, not resurrection: the restored key enters the
// registry as a new record under a fresh id, active regardless of the
// snapshot's lifecycle state. The original identity stays terminally
// revoked; the restored record carries no revocation state and a zero
// usage count.
type Vault struct {
	registry *Registry
	store    persist.Store
	opts     Options
	audit    audit.Emitter
}

// NewVault creates a backup vault over a registry and a persistence
// backend.
func NewVault(registry *Registry, store persist.Store, opts Options, emitter audit.Emitter) (*Vault, error) {
	if registry == nil {
		return nil, fmt.Errorf("vault requires a registry")
	}
	if store == nil {
		return nil, fmt.Errorf("vault requires a store")
	}
	opts.applyDefaults()
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}
	return &Vault{registry: registry, store: store, opts: opts, audit: emitter}, nil
}

// CreateKeyBackup exports a key as a write-once, password-encrypted
// record. Requires admin on the key. The context covers the Argon2id
// stretch, which is deliberately slow; cancellation aborts before
// anything is stored.
func (v *Vault) CreateKeyBackup(ctx context.Context, keyID, password, createdBy string) (*BackupInfo, error) {
	fail := func(stage string, err error) (*BackupInfo, error) {
		v.emit("backup_created", keyID, createdBy, false, map[string]interface{}{
			"stage": stage,
			"error": err.Error(),
		})
		return nil, &BackupError{Stage: stage, Err: err}
	}

	if len(password) < minBackupPasswordLen {
		return fail("validate", fmt.Errorf("backup password must be at least %d characters", minBackupPasswordLen))
	}

	now := time.Now().UTC()
	err := v.registry.readMeta(keyID, func(m *KeyMetadata) error {
		if !grantSatisfies(m, createdBy, PermissionAdmin, now) {
			return ErrInsufficientPermission
		}
		return nil
	})
	if err != nil {
		return fail("authorize", err)
	}

	// Snapshot through GetKey so the record carries the usage count at
	// backup time.
	meta, err := v.registry.GetKey(keyID)
	if err != nil {
		return fail("authorize", err)
	}

	content := backupContent{Metadata: meta}
	if v.opts.IncludeKeyMaterialInBackup {
		material, err := v.registry.exportKeyMaterial(keyID)
		if err != nil {
			return fail("export", err)
		}
		defer memguard.WipeBytes(material)
		content.Material = material
	}

	plaintext, err := json.Marshal(content)
	if err != nil {
		return fail("encode", err)
	}
	defer memguard.WipeBytes(plaintext)

	salt, err := icrypto.RandomBytes(icrypto.SaltSize)
	if err != nil {
		return fail("encrypt", err)
	}
	validationSalt, err := icrypto.RandomBytes(icrypto.SaltSize)
	if err != nil {
		return fail("encrypt", err)
	}

	backupKey, err := stretchPassword(ctx, password, salt)
	if err != nil {
		return fail("derive", err)
	}
	defer memguard.WipeBytes(backupKey)

	backupID := generateID("bak")
	algorithm := string(v.opts.Algorithm)
	iv, ciphertext, tag, err := icrypto.Seal(algorithm, backupKey, plaintext, []byte(backupID))
	if err != nil {
		return fail("encrypt", err)
	}

	backup := &KeyBackup{
		BackupID:         backupID,
		KeyID:            keyID,
		EncryptedKeyData: ciphertext,
		IV:               iv,
		AuthTag:          tag,
		Algorithm:        CryptoAlgorithm(algorithm),
		Salt:             salt,
		ValidationSalt:   validationSalt,
		ValidationHash:   icrypto.HashBackupPassword([]byte(password), validationSalt),
		CreatedAt:        now,
		CreatedBy:        createdBy,
	}

	payload, err := json.Marshal(backup)
	if err != nil {
		return fail("encode", err)
	}

	record := &persist.BackupRecord{
		ID:        backupID,
		KeyID:     keyID,
		CreatedAt: now,
		CreatedBy: createdBy,
		Checksum:  icrypto.Checksum(payload),
		Payload:   payload,
	}
	if err := v.store.Save(record); err != nil {
		return fail("store", err)
	}

	v.emit("backup_created", keyID, createdBy, true, map[string]interface{}{
		"backup_id":         backupID,
		"includes_material": v.opts.IncludeKeyMaterialInBackup,
	})

	return &BackupInfo{
		BackupID:  backupID,
		KeyID:     keyID,
		CreatedAt: now,
		CreatedBy: createdBy,
		Size:      len(payload),
	}, nil
}

// RestoreKey decrypts a backup and re-creates the key in the registry
// under a fresh id. The password is checked against the stored
// validation hash before any decryption; a wrong password fails with
// ErrInvalidBackupPassword and never reaches the AEAD.
//
// Metadata-only backups restore with freshly generated material: the
// record, grants and lifecycle state come back, but payloads encrypted
// under the original material stay unreadable.
func (v *Vault) RestoreKeyFromBackup(ctx context.Context, backupID, password, restoredBy string) (*KeyMetadata, error) {
	fail := func(stage string, err error) (*KeyMetadata, error) {
		v.emit("backup_restored", "", restoredBy, false, map[string]interface{}{
			"backup_id": backupID,
			"stage":     stage,
			"error":     err.Error(),
		})
		return nil, &BackupError{Stage: stage, Err: err}
	}

	record, err := v.store.Load(backupID)
	if err != nil {
		if errors.Is(err, persist.ErrBackupNotFound) {
			return fail("load", fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound))
		}
		return fail("load", err)
	}

	var backup KeyBackup
	if err := json.Unmarshal(record.Payload, &backup); err != nil {
		return fail("decode", err)
	}

	if !icrypto.VerifyBackupPassword([]byte(password), backup.ValidationSalt, backup.ValidationHash) {
		return fail("validate", fmt.Errorf("backup %s: %w", backupID, ErrInvalidBackupPassword))
	}

	backupKey, err := stretchPassword(ctx, password, backup.Salt)
	if err != nil {
		return fail("derive", err)
	}
	defer memguard.WipeBytes(backupKey)

	plaintext, err := icrypto.Open(string(backup.Algorithm), backupKey,
		backup.IV, backup.EncryptedKeyData, backup.AuthTag, []byte(backup.BackupID))
	if err != nil {
		return fail("decrypt", fmt.Errorf("%w: %v", ErrDecryptionFailed, err))
	}
	defer memguard.WipeBytes(plaintext)

	var content backupContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return fail("decode", err)
	}
	if content.Metadata == nil {
		return fail("decode", fmt.Errorf("backup %s has no key metadata", backupID))
	}

	material := content.Material
	if len(material) == 0 {
		material, err = icrypto.RandomBytes(icrypto.KeySize)
		if err != nil {
			return fail("restore", err)
		}
	}
	defer memguard.WipeBytes(material)

	// Re-creation: fresh id, zero usage, no revocation state. Only the
	// original identity is terminally revoked; the new record starts
	// active even when the snapshot was taken of a revoked key.
	now := time.Now().UTC()
	restored := copyKeyMetadata(content.Metadata)
	restored.KeyID = generateID("key")
	restored.UsageCount = 0
	restored.IsRevoked = false
	restored.RevokedAt = nil
	restored.RevokedBy = ""
	restored.RevocationReason = ""
	replaceGrant(restored, Permission{
		UserID:    restoredBy,
		Level:     PermissionAdmin,
		GrantedAt: now,
		GrantedBy: restoredBy,
	})

	materialCopy := append([]byte(nil), material...)
	if err := v.registry.adoptKey(restored, materialCopy); err != nil {
		return fail("restore", err)
	}

	v.emit("backup_restored", restored.KeyID, restoredBy, true, map[string]interface{}{
		"backup_id":       backupID,
		"original_key_id": backup.KeyID,
		"rekeyed":         len(content.Material) == 0,
	})

	return restored, nil
}

// ListKeyBackups returns metadata for all stored backups, newest first.
func (v *Vault) ListKeyBackups() ([]BackupInfo, error) {
	listings, err := v.store.List()
	if err != nil {
		return nil, &BackupError{Stage: "list", Err: err}
	}

	infos := make([]BackupInfo, 0, len(listings))
	for _, l := range listings {
		infos = append(infos, BackupInfo{
			BackupID:  l.ID,
			KeyID:     l.KeyID,
			CreatedAt: l.CreatedAt,
			CreatedBy: l.CreatedBy,
			Size:      l.Size,
		})
	}
	return infos, nil
}

// GetBackupInfo returns the metadata of one stored backup without
// touching its ciphertext.
func (v *Vault) GetBackupInfo(backupID string) (*BackupInfo, error) {
	record, err := v.store.Load(backupID)
	if err != nil {
		if errors.Is(err, persist.ErrBackupNotFound) {
			return nil, &BackupError{Stage: "load", Err: fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)}
		}
		return nil, &BackupError{Stage: "load", Err: err}
	}
	return &BackupInfo{
		BackupID:  record.ID,
		KeyID:     record.KeyID,
		CreatedAt: record.CreatedAt,
		CreatedBy: record.CreatedBy,
		Size:      len(record.Payload),
	}, nil
}

// DeleteBackup removes a stored backup.
func (v *Vault) DeleteBackup(backupID, deletedBy string) error {
	err := v.store.Delete(backupID)
	if errors.Is(err, persist.ErrBackupNotFound) {
		err = fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}

	v.emit("backup_deleted", "", deletedBy, err == nil, map[string]interface{}{
		"backup_id": backupID,
	})

	if err != nil {
		return &BackupError{Stage: "delete", Err: err}
	}
	return nil
}

// stretchPassword runs the Argon2id derivation off the calling goroutine
// so a context cancellation returns promptly. The stretch itself cannot
// be interrupted; an abandoned result is wiped.
func stretchPassword(ctx context.Context, password string, salt []byte) ([]byte, error) {
	type result struct{ key []byte }
	done := make(chan result, 1)

	go func() {
		done <- result{key: icrypto.DeriveBackupKey([]byte(password), salt)}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-done
			memguard.WipeBytes(r.key)
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.key, nil
	}
}

func (v *Vault) emit(eventType, keyID, userID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, userID, success, details)
	event.SessionID = v.opts.SessionID
	_ = v.audit.Emit(event)
}

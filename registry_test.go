package e2ee

import (
	"errors"
	"testing"
	"time"

	"github.com/iatoba72/MeetingMind-sub002/audit"
)

func newTestRegistry(t *testing.T) (*Registry, *audit.MemoryEmitter) {
	t.Helper()
	emitter := audit.NewMemoryEmitter()
	registry, err := NewRegistry(testOptions(), emitter)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return registry, emitter
}

func TestCreateKeyDefaults(t *testing.T) {
	registry, emitter := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeMeeting, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if meta.Purpose != PurposeMeeting {
		t.Errorf("Expected meeting purpose, got %s", meta.Purpose)
	}
	if meta.Algorithm != AESGCM {
		t.Errorf("Expected default algorithm %s, got %s", AESGCM, meta.Algorithm)
	}
	if meta.Strength != 256 {
		t.Errorf("Expected 256-bit default strength, got %d", meta.Strength)
	}
	if meta.ExpiresAt != nil {
		t.Error("Expected no expiry without DefaultKeyExpiry")
	}

	if len(meta.Permissions) != 1 {
		t.Fatalf("Expected exactly the creator grant, got %d grants", len(meta.Permissions))
	}
	grant := meta.Permissions[0]
	if grant.UserID != "alice" || grant.Level != PermissionAdmin {
		t.Errorf("Creator grant wrong: %+v", grant)
	}

	if len(emitter.EventsOfType("key_created")) != 1 {
		t.Error("Expected one key_created audit event")
	}
}

func TestCreateKeyInitialGrants(t *testing.T) {
	registry, _ := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeFile, "alice", []Permission{
		{UserID: "bob", Level: PermissionWrite},
		{UserID: "bob", Level: PermissionRead},   // duplicate user, dropped
		{UserID: "alice", Level: PermissionRead}, // cannot demote the creator
	}, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if len(meta.Permissions) != 2 {
		t.Fatalf("Expected 2 grants (creator + bob), got %d", len(meta.Permissions))
	}
	if !grantSatisfies(meta, "alice", PermissionAdmin, time.Now().UTC()) {
		t.Error("Creator must hold admin")
	}
	if !grantSatisfies(meta, "bob", PermissionWrite, time.Now().UTC()) {
		t.Error("Initial write grant for bob missing")
	}
	if grantSatisfies(meta, "bob", PermissionAdmin, time.Now().UTC()) {
		t.Error("Bob must not hold admin")
	}
}

func TestCreateKeyValidation(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if _, err := registry.CreateKey("wrong-purpose", "alice", nil, CreateKeyOptions{}); err == nil {
		t.Error("Expected error for unsupported purpose")
	}
	if _, err := registry.CreateKey(PurposeFile, "", nil, CreateKeyOptions{}); err == nil {
		t.Error("Expected error for empty creator")
	}
	if _, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{Strength: 100}); err == nil {
		t.Error("Expected error for unsupported strength")
	}
}

func TestGetKeyReturnsCopy(t *testing.T) {
	registry, _ := newTestRegistry(t)

	created, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	got, err := registry.GetKey(created.KeyID)
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}

	// Mutating the returned record must not touch registry state.
	got.Permissions[0].Level = PermissionRead
	got.IsRevoked = true

	again, err := registry.GetKey(created.KeyID)
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if again.IsRevoked || again.Permissions[0].Level != PermissionAdmin {
		t.Error("Registry state mutated through a returned copy")
	}

	if _, err := registry.GetKey("key-missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestRevokeKeyIsTerminal(t *testing.T) {
	registry, emitter := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeSession, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if err := registry.RevokeKey(meta.KeyID, "alice", "device lost"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	got, err := registry.GetKey(meta.KeyID)
	if err != nil {
		t.Fatalf("Revoked key must stay visible: %v", err)
	}
	if !got.IsRevoked || got.RevokedBy != "alice" || got.RevocationReason != "device lost" {
		t.Errorf("Revocation record incomplete: %+v", got)
	}
	if got.Status(time.Now().UTC()) != KeyStatusRevoked {
		t.Error("Expected revoked status")
	}

	// Nothing leaves the revoked state, including a second revocation.
	if err := registry.RevokeKey(meta.KeyID, "alice", "again"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Expected ErrKeyRevoked on double revoke, got %v", err)
	}

	events := emitter.EventsOfType("key_revoked")
	if len(events) == 0 || !events[0].Success {
		t.Error("Expected successful key_revoked audit event")
	}
}

func TestRevokeKeyRequiresAdmin(t *testing.T) {
	registry, _ := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeSession, "alice", []Permission{
		{UserID: "bob", Level: PermissionWrite},
	}, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if err := registry.RevokeKey(meta.KeyID, "bob", "no"); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("Expected ErrInsufficientPermission for writer, got %v", err)
	}
	if err := registry.RevokeKey(meta.KeyID, "mallory", "no"); !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("Expected ErrInsufficientPermission for stranger, got %v", err)
	}
	if err := registry.RevokeKey("key-missing", "alice", "no"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestRevokedWinsOverExpired(t *testing.T) {
	registry, _ := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{ExpiresIn: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if err := registry.RevokeKey(meta.KeyID, "alice", "early"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	got, err := registry.GetKey(meta.KeyID)
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if got.Status(time.Now().UTC()) != KeyStatusRevoked {
		t.Error("Revocation must win over expiry")
	}
}

func TestListKeysWithStatusFilter(t *testing.T) {
	registry, _ := newTestRegistry(t)

	active, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	revoked, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if err := registry.RevokeKey(revoked.KeyID, "alice", "test"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	all := registry.ListKeys()
	if len(all) != 2 {
		t.Errorf("Expected 2 keys, got %d", len(all))
	}

	activeOnly := registry.ListKeys(KeyStatusActive)
	if len(activeOnly) != 1 || activeOnly[0].KeyID != active.KeyID {
		t.Errorf("Active filter wrong: %+v", activeOnly)
	}

	revokedOnly := registry.ListKeys(KeyStatusRevoked)
	if len(revokedOnly) != 1 || revokedOnly[0].KeyID != revoked.KeyID {
		t.Errorf("Revoked filter wrong: %+v", revokedOnly)
	}
}

func TestExpireDueKeys(t *testing.T) {
	registry, _ := newTestRegistry(t)

	expiring, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{ExpiresIn: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if _, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{}); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if due := registry.ExpireDueKeys(); len(due) != 0 {
		t.Errorf("Expected no due keys yet, got %v", due)
	}

	time.Sleep(100 * time.Millisecond)

	due := registry.ExpireDueKeys()
	if len(due) != 1 || due[0] != expiring.KeyID {
		t.Errorf("Expected %s due, got %v", expiring.KeyID, due)
	}
}

func TestAdoptKeyRejectsDuplicates(t *testing.T) {
	registry, _ := newTestRegistry(t)

	meta, err := registry.CreateKey(PurposeFile, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	material := make([]byte, 32)
	if err := registry.adoptKey(copyKeyMetadata(meta), material); err == nil {
		t.Error("Expected error adopting an already registered id")
	}
}

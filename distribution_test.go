package e2ee

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
)

type distributionFixture struct {
	registry    *Registry
	directory   *StaticDirectory
	distributor *Distributor
	emitter     *audit.MemoryEmitter

	bobPrivate []byte
	keyID      string
}

func newDistributionFixture(t *testing.T) *distributionFixture {
	t.Helper()

	emitter := audit.NewMemoryEmitter()
	registry, err := NewRegistry(testOptions(), emitter)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	bob, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}

	directory := NewStaticDirectory()
	if err := directory.Register("bob", bob.PublicKey().Bytes()); err != nil {
		t.Fatalf("Failed to register recipient: %v", err)
	}

	distributor, err := NewDistributor(registry, directory, testOptions(), emitter)
	if err != nil {
		t.Fatalf("Failed to create distributor: %v", err)
	}

	meta, err := registry.CreateKey(PurposeMeeting, "alice", nil, CreateKeyOptions{})
	if err != nil {
		t.Fatalf("Failed to create key: %v", err)
	}

	return &distributionFixture{
		registry:    registry,
		directory:   directory,
		distributor: distributor,
		emitter:     emitter,
		bobPrivate:  bob.Bytes(),
		keyID:       meta.KeyID,
	}
}

func TestDistributeKeyEndToEnd(t *testing.T) {
	fx := newDistributionFixture(t)

	pkg, err := fx.distributor.DistributeKey(fx.keyID, "bob", PermissionRead, "alice")
	if err != nil {
		t.Fatalf("DistributeKey failed: %v", err)
	}

	if pkg.KeyID != fx.keyID || pkg.RecipientID != "bob" || pkg.Permission != PermissionRead {
		t.Errorf("Package fields wrong: %+v", pkg)
	}
	if pkg.EncryptedKey == nil || len(pkg.Signature) == 0 {
		t.Fatal("Package missing ciphertext or signature")
	}

	if err := fx.distributor.VerifyPackage(pkg); err != nil {
		t.Fatalf("Fresh package failed verification: %v", err)
	}

	// The recipient can unwrap the exact key material the registry holds.
	unwrapped, err := UnwrapPackage(pkg, fx.bobPrivate)
	if err != nil {
		t.Fatalf("UnwrapPackage failed: %v", err)
	}
	defer memguard.WipeBytes(unwrapped)

	original, err := fx.registry.exportKeyMaterial(fx.keyID)
	if err != nil {
		t.Fatalf("Failed to export key material: %v", err)
	}
	defer memguard.WipeBytes(original)

	if !bytes.Equal(unwrapped, original) {
		t.Error("Unwrapped material does not match the registry key")
	}

	// Distribution installs the recipient grant.
	meta, err := fx.registry.GetKey(fx.keyID)
	if err != nil {
		t.Fatalf("GetKey failed: %v", err)
	}
	if !grantSatisfies(meta, "bob", PermissionRead, time.Now().UTC()) {
		t.Error("Recipient grant not installed")
	}

	events := fx.emitter.EventsOfType("key_distributed")
	if len(events) != 1 || !events[0].Success {
		t.Error("Expected one successful key_distributed audit event")
	}
}

func TestDistributeKeyAuthorization(t *testing.T) {
	fx := newDistributionFixture(t)

	_, err := fx.distributor.DistributeKey(fx.keyID, "bob", PermissionRead, "mallory")
	if !errors.Is(err, ErrInsufficientPermission) {
		t.Errorf("Expected ErrInsufficientPermission, got %v", err)
	}

	var distErr *DistributionError
	if !errors.As(err, &distErr) {
		t.Fatalf("Expected DistributionError, got %T", err)
	}
	if distErr.Stage != "authorize" {
		t.Errorf("Expected authorize stage, got %s", distErr.Stage)
	}
}

func TestDistributeRevokedAndExpiredKeys(t *testing.T) {
	fx := newDistributionFixture(t)

	if err := fx.registry.RevokeKey(fx.keyID, "alice", "test"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}
	if _, err := fx.distributor.DistributeKey(fx.keyID, "bob", PermissionRead, "alice"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("Expected ErrKeyRevoked, got %v", err)
	}

	expiring, err := fx.registry.CreateKey(PurposeMeeting, "alice", nil, CreateKeyOptions{ExpiresIn: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if _, err := fx.distributor.DistributeKey(expiring.KeyID, "bob", PermissionRead, "alice"); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("Expected ErrKeyExpired, got %v", err)
	}
}

func TestDistributeToUnknownRecipient(t *testing.T) {
	fx := newDistributionFixture(t)

	_, err := fx.distributor.DistributeKey(fx.keyID, "carol", PermissionRead, "alice")
	if !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("Expected ErrParticipantNotFound, got %v", err)
	}
}

func TestVerifyPackageDetectsTampering(t *testing.T) {
	fx := newDistributionFixture(t)

	pkg, err := fx.distributor.DistributeKey(fx.keyID, "bob", PermissionWrite, "alice")
	if err != nil {
		t.Fatalf("DistributeKey failed: %v", err)
	}

	tamperings := []struct {
		name   string
		mutate func(p *DistributionPackage)
	}{
		{"recipient swap", func(p *DistributionPackage) { p.RecipientID = "mallory" }},
		{"key swap", func(p *DistributionPackage) { p.KeyID = "key-other" }},
		{"ciphertext flip", func(p *DistributionPackage) { p.EncryptedKey.Ciphertext[0] ^= 0x01 }},
		{"timestamp shift", func(p *DistributionPackage) { p.CreatedAt = p.CreatedAt.Add(time.Second) }},
		{"signature flip", func(p *DistributionPackage) { p.Signature[0] ^= 0x01 }},
	}

	for _, tampering := range tamperings {
		t.Run(tampering.name, func(t *testing.T) {
			tampered := copyPackage(pkg)
			tampering.mutate(tampered)

			if err := fx.distributor.VerifyPackage(tampered); !errors.Is(err, ErrSignatureInvalid) {
				t.Errorf("Expected ErrSignatureInvalid, got %v", err)
			}
		})
	}
}

func TestPackageLookup(t *testing.T) {
	fx := newDistributionFixture(t)

	pkg, err := fx.distributor.DistributeKey(fx.keyID, "bob", PermissionRead, "alice")
	if err != nil {
		t.Fatalf("DistributeKey failed: %v", err)
	}

	got, err := fx.distributor.Package(pkg.PackageID)
	if err != nil {
		t.Fatalf("Package lookup failed: %v", err)
	}
	if got.PackageID != pkg.PackageID {
		t.Errorf("Wrong package returned: %s", got.PackageID)
	}

	forKey := fx.distributor.PackagesForKey(fx.keyID)
	if len(forKey) != 1 {
		t.Errorf("Expected 1 package for key, got %d", len(forKey))
	}

	if _, err := fx.distributor.Package("pkg-missing"); err == nil {
		t.Error("Expected error for unknown package")
	}
}

func TestStaticDirectory(t *testing.T) {
	directory := NewStaticDirectory()

	if err := directory.Register("alice", []byte("short")); err == nil {
		t.Error("Expected error registering malformed key")
	}

	if _, err := directory.PublicKey("alice"); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("Expected ErrParticipantNotFound, got %v", err)
	}

	pub := peerPublicKey(t)
	if err := directory.Register("alice", pub); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, err := directory.PublicKey("alice")
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	if !bytes.Equal(got, pub) {
		t.Error("Directory returned wrong key")
	}

	directory.Remove("alice")
	if _, err := directory.PublicKey("alice"); !errors.Is(err, ErrParticipantNotFound) {
		t.Error("Expected removal to take effect")
	}
}

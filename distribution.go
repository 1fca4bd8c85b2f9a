package e2ee

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
)

// ephemeralKeyMetaField carries the sender's one-shot X25519 public key
// inside the wrapped-key payload so the recipient can run ECDH.
const ephemeralKeyMetaField = "ephemeral_public_key"

// Distributor packages registry keys for delivery to individual
// recipients.
//
// Each distribution wraps the key material for exactly one recipient: a
// fresh ephemeral X25519 pair is generated, ECDH is run against the
// recipient's directory public key, and the result is expanded into a
// one-shot wrapping key. The package is then signed with the
// distributor's Ed25519 identity over the key id, recipient id,
// ciphertext digest and creation time, so recipients can detect
// substitution or replay against a different key record.
//
// Distribution is permission-gated: the caller must hold admin on the
// key. Revoked and expired keys are never distributed.
type Distributor struct {
	mu        sync.RWMutex
	registry  *Registry
	directory Directory
	opts      Options
	audit     audit.Emitter

	signingKey *memguard.Enclave // Ed25519 seed
	signingPub ed25519.PublicKey

	packages map[string]*DistributionPackage
}

// NewDistributor creates a distributor with a fresh Ed25519 signing
// identity. The signing seed is held in protected memory; the public half
// is available through SigningPublicKey for out-of-band pinning.
func NewDistributor(registry *Registry, directory Directory, opts Options, emitter audit.Emitter) (*Distributor, error) {
	if registry == nil {
		return nil, fmt.Errorf("distributor requires a registry")
	}
	if directory == nil {
		return nil, fmt.Errorf("distributor requires a directory")
	}
	opts.applyDefaults()
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing identity: %w", err)
	}
	seed := priv.Seed()

	return &Distributor{
		registry:  registry,
		directory: directory,
		opts:      opts,
		audit:     emitter,
		// NewEnclave wipes the seed slice.
		signingKey: memguard.NewEnclave(seed),
		signingPub: pub,
		packages:   make(map[string]*DistributionPackage),
	}, nil
}

// SigningPublicKey returns the distributor's Ed25519 public key.
func (d *Distributor) SigningPublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), d.signingPub...)
}

// DistributeKey wraps and signs the key for one recipient and installs the
// requested grant on the key record.
//
// Preconditions, checked in order: the distributor must hold admin on the
// key (ErrInsufficientPermission), the key must not be revoked
// (ErrKeyRevoked) or expired (ErrKeyExpired), and the recipient must be
// resolvable in the directory (ErrParticipantNotFound). Failures are
// wrapped in a DistributionError naming the stage that failed.
func (d *Distributor) DistributeKey(keyID, recipientID string, level PermissionLevel, distributedBy string) (*DistributionPackage, error) {
	fail := func(stage string, err error) (*DistributionPackage, error) {
		d.emit("key_distributed", keyID, distributedBy, false, map[string]interface{}{
			"recipient": recipientID,
			"stage":     stage,
			"error":     err.Error(),
		})
		return nil, &DistributionError{Stage: stage, KeyID: keyID, RecipientID: recipientID, Err: err}
	}

	if err := validateParticipantID(recipientID); err != nil {
		return fail("validate", err)
	}
	if level.rank() == 0 {
		return fail("validate", fmt.Errorf("unknown permission level: %s", level))
	}

	now := time.Now().UTC()
	err := d.registry.readMeta(keyID, func(meta *KeyMetadata) error {
		if !grantSatisfies(meta, distributedBy, PermissionAdmin, now) {
			return ErrInsufficientPermission
		}
		if meta.IsRevoked {
			return ErrKeyRevoked
		}
		if meta.Status(now) == KeyStatusExpired {
			return ErrKeyExpired
		}
		return nil
	})
	if err != nil {
		return fail("authorize", err)
	}

	recipientPub, err := d.directory.PublicKey(recipientID)
	if err != nil {
		return fail("resolve", err)
	}

	material, err := d.registry.exportKeyMaterial(keyID)
	if err != nil {
		return fail("export", err)
	}
	defer memguard.WipeBytes(material)

	encryptedKey, err := d.wrapForRecipient(material, recipientPub, keyID, recipientID)
	if err != nil {
		return fail("wrap", err)
	}

	pkg := &DistributionPackage{
		PackageID:    generateID("pkg"),
		KeyID:        keyID,
		RecipientID:  recipientID,
		Permission:   level,
		EncryptedKey: encryptedKey,
		SignedBy:     d.SigningPublicKey(),
		CreatedAt:    now,
	}

	signature, err := d.sign(pkg)
	if err != nil {
		return fail("sign", err)
	}
	pkg.Signature = signature

	// Distribution implies access: install the grant so the recipient can
	// use the key they just received. The creator's grants are untouched.
	err = d.registry.mutateGrants(keyID, func(meta *KeyMetadata) error {
		replaceGrant(meta, Permission{
			UserID:    recipientID,
			Level:     level,
			GrantedAt: now,
			GrantedBy: distributedBy,
		})
		return nil
	})
	if err != nil {
		return fail("grant", err)
	}

	d.mu.Lock()
	d.packages[pkg.PackageID] = pkg
	d.mu.Unlock()

	d.emit("key_distributed", keyID, distributedBy, true, map[string]interface{}{
		"recipient":  recipientID,
		"package_id": pkg.PackageID,
		"level":      string(level),
	})

	return copyPackage(pkg), nil
}

// wrapForRecipient encrypts key material under a one-shot wrapping key
// derived from an ephemeral X25519 exchange with the recipient.
func (d *Distributor) wrapForRecipient(material, recipientPub []byte, keyID, recipientID string) (*EncryptedPayload, error) {
	peer, err := ecdh.X25519().NewPublicKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient public key: %w", err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ecdhOutput, err := ephemeral.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer memguard.WipeBytes(ecdhOutput)

	info := fmt.Sprintf("e2ee-wrap:%s:%s", keyID, recipientID)
	wrappingKey, err := icrypto.DeriveSecret(ecdhOutput, nil, info)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(wrappingKey)

	algorithm := string(d.opts.Algorithm)
	iv, ciphertext, tag, err := icrypto.Seal(algorithm, wrappingKey, material, []byte(info))
	if err != nil {
		return nil, err
	}

	return &EncryptedPayload{
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    tag,
		KeyID:      keyID,
		Algorithm:  CryptoAlgorithm(algorithm),
		Timestamp:  time.Now().UTC(),
		Metadata: map[string]string{
			ephemeralKeyMetaField: base64.StdEncoding.EncodeToString(ephemeral.PublicKey().Bytes()),
		},
	}, nil
}

// UnwrapPackage recovers the distributed key material using the
// recipient's X25519 private key. This is the receiving half of
// DistributeKey for recipients running their own instance of the module.
// The caller owns the returned slice and must wipe it after use.
func UnwrapPackage(pkg *DistributionPackage, recipientPrivateKey []byte) ([]byte, error) {
	if pkg == nil || pkg.EncryptedKey == nil {
		return nil, fmt.Errorf("incomplete distribution package")
	}

	encoded, ok := pkg.EncryptedKey.Metadata[ephemeralKeyMetaField]
	if !ok {
		return nil, fmt.Errorf("package missing ephemeral public key")
	}
	ephemeralPub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed ephemeral public key: %w", err)
	}

	priv, err := ecdh.X25519().NewPrivateKey(recipientPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient private key: %w", err)
	}
	peer, err := ecdh.X25519().NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}

	ecdhOutput, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer memguard.WipeBytes(ecdhOutput)

	info := fmt.Sprintf("e2ee-wrap:%s:%s", pkg.KeyID, pkg.RecipientID)
	wrappingKey, err := icrypto.DeriveSecret(ecdhOutput, nil, info)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(wrappingKey)

	material, err := icrypto.Open(string(pkg.EncryptedKey.Algorithm), wrappingKey,
		pkg.EncryptedKey.IV, pkg.EncryptedKey.Ciphertext, pkg.EncryptedKey.AuthTag, []byte(info))
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w: %v", ErrDecryptionFailed, err)
	}
	return material, nil
}

// VerifyPackage checks a package signature against the embedded signer
// key. Any mutation of key id, recipient, ciphertext or timestamp fails
// with ErrSignatureInvalid. Callers pinning a known distributor identity
// should additionally compare SignedBy against the pinned key.
func (d *Distributor) VerifyPackage(pkg *DistributionPackage) error {
	if pkg == nil || pkg.EncryptedKey == nil {
		return fmt.Errorf("incomplete distribution package")
	}
	if len(pkg.SignedBy) != ed25519.PublicKeySize {
		return fmt.Errorf("verify package %s: malformed signer key: %w", pkg.PackageID, ErrSignatureInvalid)
	}
	if !ed25519.Verify(ed25519.PublicKey(pkg.SignedBy), signingBytes(pkg), pkg.Signature) {
		return fmt.Errorf("verify package %s: %w", pkg.PackageID, ErrSignatureInvalid)
	}
	return nil
}

// Package returns a stored package by id.
func (d *Distributor) Package(packageID string) (*DistributionPackage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pkg, exists := d.packages[packageID]
	if !exists {
		return nil, fmt.Errorf("package %s not found", packageID)
	}
	return copyPackage(pkg), nil
}

// PackagesForKey returns all packages created for a key.
func (d *Distributor) PackagesForKey(keyID string) []*DistributionPackage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*DistributionPackage
	for _, pkg := range d.packages {
		if pkg.KeyID == keyID {
			out = append(out, copyPackage(pkg))
		}
	}
	return out
}

func (d *Distributor) sign(pkg *DistributionPackage) ([]byte, error) {
	seedBuffer, err := d.signingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access signing key: %w", err)
	}
	defer seedBuffer.Destroy()

	priv := ed25519.NewKeyFromSeed(seedBuffer.Bytes())
	return ed25519.Sign(priv, signingBytes(pkg)), nil
}

// signingBytes builds the canonical byte string covered by the package
// signature: key id, recipient id, ciphertext digest and creation time.
func signingBytes(pkg *DistributionPackage) []byte {
	digest := sha256.Sum256(pkg.EncryptedKey.Ciphertext)
	msg := fmt.Sprintf("e2ee-pkg:%s:%s:%x:%s",
		pkg.KeyID, pkg.RecipientID, digest, pkg.CreatedAt.UTC().Format(time.RFC3339Nano))
	return []byte(msg)
}

// copyPackage deep copies a distribution package.
func copyPackage(original *DistributionPackage) *DistributionPackage {
	if original == nil {
		return nil
	}
	pkgCopy := *original
	pkgCopy.EncryptedKey = copyPayload(original.EncryptedKey)
	pkgCopy.Signature = append([]byte(nil), original.Signature...)
	pkgCopy.SignedBy = append([]byte(nil), original.SignedBy...)
	return &pkgCopy
}

func (d *Distributor) emit(eventType, keyID, userID string, success bool, details map[string]interface{}) {
	event := audit.NewEvent(eventType, keyID, userID, success, details)
	event.SessionID = d.opts.SessionID
	_ = d.audit.Emit(event)
}

package e2ee

import (
	"time"
)

// KeyPurpose classifies what a registered key protects.
type KeyPurpose string

const (
	PurposeMeeting    KeyPurpose = "meeting"
	PurposeTranscript KeyPurpose = "transcript"
	PurposeFile       KeyPurpose = "file"
	PurposeSession    KeyPurpose = "session"
)

// CryptoAlgorithm identifies the AEAD used for payload encryption.
//
// Both algorithms provide 256-bit keys, 96-bit random IVs and 128-bit
// authentication tags. AES-256-GCM is the default; ChaCha20-Poly1305 is
// preferable on hardware without AES acceleration.
type CryptoAlgorithm string

const (
	AESGCM           CryptoAlgorithm = "aes-256-gcm"
	ChaCha20Poly1305 CryptoAlgorithm = "chacha20-poly1305"
)

// PermissionLevel forms the access hierarchy read < write < admin.
type PermissionLevel string

const (
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

// rank maps a permission level onto the hierarchy. Unknown levels rank 0
// and therefore satisfy nothing.
func (p PermissionLevel) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionAdmin:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether this level grants at least the required level.
func (p PermissionLevel) Satisfies(required PermissionLevel) bool {
	return p.rank() >= required.rank() && required.rank() > 0
}

// KeyStatus is the lifecycle state of a registered key.
//
// Active keys serve all operations. Expired is a soft state: the key stays
// visible for audit and can still decrypt, but new encrypt and distribute
// calls are rejected. Revoked is terminal; nothing reverses it.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusExpired KeyStatus = "expired"
	KeyStatusRevoked KeyStatus = "revoked"
)

// RiskLevel is the advisory severity produced by health assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// StrengthTier buckets key strength in bits into an advisory tier.
type StrengthTier string

const (
	StrengthStrong   StrengthTier = "strong"   // >= 256 bits
	StrengthModerate StrengthTier = "moderate" // >= 192 bits
	StrengthWeak     StrengthTier = "weak"     // < 192 bits
)

// KeyHandle is an opaque reference to an asymmetric key pair whose private
// scalar lives in provider-managed protected memory. The private key never
// leaves the module through this type; only the id and timestamps are
// observable, and the public key is exported through KeyAgreement.
type KeyHandle struct {
	id        string
	createdAt time.Time
	expiresAt *time.Time
}

// ID returns the opaque key pair identifier.
func (h *KeyHandle) ID() string { return h.id }

// CreatedAt returns the pair's creation time.
func (h *KeyHandle) CreatedAt() time.Time { return h.createdAt }

// ExpiresAt returns the pair's expiry, or nil when unbounded.
func (h *KeyHandle) ExpiresAt() *time.Time {
	if h.expiresAt == nil {
		return nil
	}
	t := *h.expiresAt
	return &t
}

// SharedSecret describes a symmetric secret derived via key agreement with
// one peer. The secret material itself is held in protected memory by
// KeyAgreement; this struct is the observable metadata.
type SharedSecret struct {
	SecretID      string     `json:"secret_id"`
	KeyID         string     `json:"key_id"` // owning key pair
	ParticipantID string     `json:"participant_id"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUsage      int64      `json:"max_usage"` // 0 = unbounded
	UsageCount    int64      `json:"usage_count"`
}

// EncryptedPayload is the result of an AEAD encryption. IV and
// authentication tag are explicit fields; an IV is never reused under the
// same key.
type EncryptedPayload struct {
	Ciphertext []byte            `json:"ciphertext"`
	IV         []byte            `json:"iv"`
	AuthTag    []byte            `json:"auth_tag"`
	KeyID      string            `json:"key_id"`
	Algorithm  CryptoAlgorithm   `json:"algorithm"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Permission is a single access grant on a key. A key holds at most one
// active grant per user; granting replaces any previous grant.
type Permission struct {
	UserID    string          `json:"user_id"`
	Level     PermissionLevel `json:"level"`
	GrantedAt time.Time       `json:"granted_at"`
	GrantedBy string          `json:"granted_by"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// KeyMetadata is the canonical long-lived record of a registered key.
// Mutations go exclusively through permission-checked registry operations.
type KeyMetadata struct {
	KeyID            string          `json:"key_id"`
	Purpose          KeyPurpose      `json:"purpose"`
	Algorithm        CryptoAlgorithm `json:"algorithm"`
	Strength         int             `json:"strength"` // bits
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
	CreatedBy        string          `json:"created_by"`
	UsageCount       int64           `json:"usage_count"`
	MaxUsage         int64           `json:"max_usage"` // 0 = unbounded
	IsRevoked        bool            `json:"is_revoked"`
	RevokedAt        *time.Time      `json:"revoked_at,omitempty"`
	RevokedBy        string          `json:"revoked_by,omitempty"`
	RevocationReason string          `json:"revocation_reason,omitempty"`
	Permissions      []Permission    `json:"permissions"`
}

// Status derives the lifecycle state from the record. Revocation wins over
// expiry.
func (m *KeyMetadata) Status(now time.Time) KeyStatus {
	if m.IsRevoked {
		return KeyStatusRevoked
	}
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return KeyStatusExpired
	}
	return KeyStatusActive
}

// DistributionPackage is the immutable record of one key distribution to
// one recipient. The signature covers keyId, recipientId, the ciphertext
// hash and the creation timestamp.
type DistributionPackage struct {
	PackageID    string            `json:"package_id"`
	KeyID        string            `json:"key_id"`
	RecipientID  string            `json:"recipient_id"`
	Permission   PermissionLevel   `json:"permission"`
	EncryptedKey *EncryptedPayload `json:"encrypted_key"`
	Signature    []byte            `json:"signature"`
	SignedBy     []byte            `json:"signed_by"` // Ed25519 public key
	CreatedAt    time.Time         `json:"created_at"`
}

// KeyBackup is the write-once, password-protected export of a key record.
// The password is stored only as a one-way validation hash; the decryption
// key is re-derived from Salt and the password at restore time, never from
// the stored hash.
type KeyBackup struct {
	BackupID         string          `json:"backup_id"`
	KeyID            string          `json:"key_id"`
	EncryptedKeyData []byte          `json:"encrypted_key_data"`
	IV               []byte          `json:"iv"`
	AuthTag          []byte          `json:"auth_tag"`
	Algorithm        CryptoAlgorithm `json:"algorithm"`
	Salt             []byte          `json:"salt"`
	ValidationSalt   []byte          `json:"validation_salt"`
	ValidationHash   []byte          `json:"validation_hash"`
	CreatedAt        time.Time       `json:"created_at"`
	CreatedBy        string          `json:"created_by"`
}

// BackupInfo is the listing view of a stored backup.
type BackupInfo struct {
	BackupID  string    `json:"backup_id"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Size      int       `json:"size"`
}

// KeyHealth is the advisory, recomputed-on-demand risk assessment of one
// key. It never gates operations.
type KeyHealth struct {
	KeyID           string       `json:"key_id"`
	Status          KeyStatus    `json:"status"`
	StrengthTier    StrengthTier `json:"strength_tier"`
	RiskLevel       RiskLevel    `json:"risk_level"`
	AgeDays         int          `json:"age_days"`
	UsageRatio      float64      `json:"usage_ratio"`
	DaysToExpiry    *int         `json:"days_to_expiry,omitempty"`
	Recommendations []string     `json:"recommendations"`
	AssessedAt      time.Time    `json:"assessed_at"`
}

// HealthSummary aggregates fleet-wide health for the dashboard consumer.
type HealthSummary struct {
	TotalKeys  int               `json:"total_keys"`
	ByRisk     map[RiskLevel]int `json:"by_risk"`
	AssessedAt time.Time         `json:"assessed_at"`
	Keys       []KeyHealth       `json:"keys"`
}

// CreateKeyOptions carries optional parameters for Registry.CreateKey.
// Zero values fall back to the service Options defaults.
type CreateKeyOptions struct {
	ExpiresIn time.Duration
	MaxUsage  int64
	Algorithm CryptoAlgorithm
	Strength  int // bits; 128, 192 or 256
}

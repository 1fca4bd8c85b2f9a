package e2ee

import (
	"fmt"
	"time"
)

// Default configuration values applied by DefaultOptions.
const (
	DefaultRotationInterval    = 15 * time.Minute
	DefaultRotationGracePeriod = 2 * time.Minute
	DefaultMaxSecretUsage      = 1000
	DefaultKeyStrength         = 256
)

// Options is the typed configuration for the encryption core. Construct it
// with DefaultOptions and override fields explicitly; all services apply
// defaults at construction so a zero Options never produces a half-wired
// service.
//
// SECURITY NOTES:
//   - ForwardSecrecy bounds every derived shared secret in both time
//     (RotationInterval) and usage (MaxSecretUsage). Disabling it removes
//     both bounds; only do that for offline bulk processing.
//   - RotationGracePeriod keeps superseded session keys decryptable so
//     in-flight operations never race rotation. Superseded keys are only
//     destroyed after the grace period elapses.
//   - IncludeKeyMaterialInBackup controls the documented open choice of
//     the backup path: by default backups carry the metadata snapshot
//     only, because asymmetric private keys are non-extractable by
//     design. When enabled, the wrapped symmetric content-key material of
//     registry keys is included so a restore yields a key that can
//     decrypt old payloads. Asymmetric handles are never exported either
//     way.
type Options struct {
	// Algorithm selects the AEAD for payload encryption.
	Algorithm CryptoAlgorithm `json:"algorithm"`

	// ForwardSecrecy enables expiry and usage caps on derived secrets.
	ForwardSecrecy bool `json:"forward_secrecy"`

	// RotationInterval is both the scheduler period and the lifetime
	// assigned to derived shared secrets when ForwardSecrecy is on.
	RotationInterval time.Duration `json:"rotation_interval"`

	// RotationGracePeriod is how long a superseded session key remains
	// usable for decryption after rotation.
	RotationGracePeriod time.Duration `json:"rotation_grace_period"`

	// MaxSecretUsage caps encryptions per derived secret when
	// ForwardSecrecy is on. 0 means unbounded.
	MaxSecretUsage int64 `json:"max_secret_usage"`

	// DefaultKeyExpiry applies to registry keys created without an
	// explicit ExpiresIn. 0 means keys do not expire.
	DefaultKeyExpiry time.Duration `json:"default_key_expiry"`

	// IncludeKeyMaterialInBackup opts wrapped symmetric key material into
	// backups. See the security notes above.
	IncludeKeyMaterialInBackup bool `json:"include_key_material_in_backup"`

	// SessionID identifies this session in audit events.
	SessionID string `json:"session_id,omitempty"`
}

// DefaultOptions returns the recommended production configuration.
func DefaultOptions() Options {
	return Options{
		Algorithm:           AESGCM,
		ForwardSecrecy:      true,
		RotationInterval:    DefaultRotationInterval,
		RotationGracePeriod: DefaultRotationGracePeriod,
		MaxSecretUsage:      DefaultMaxSecretUsage,
	}
}

// applyDefaults fills zero values so services never see an unusable config.
func (o *Options) applyDefaults() {
	if o.Algorithm == "" {
		o.Algorithm = AESGCM
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = DefaultRotationInterval
	}
	if o.RotationGracePeriod <= 0 {
		o.RotationGracePeriod = DefaultRotationGracePeriod
	}
	if o.ForwardSecrecy && o.MaxSecretUsage == 0 {
		o.MaxSecretUsage = DefaultMaxSecretUsage
	}
}

// Validate checks the configuration for unusable combinations.
func (o Options) Validate() error {
	switch o.Algorithm {
	case "", AESGCM, ChaCha20Poly1305:
	default:
		return fmt.Errorf("unsupported algorithm: %s", o.Algorithm)
	}

	if o.RotationInterval < 0 {
		return fmt.Errorf("rotation interval must not be negative")
	}
	if o.RotationGracePeriod < 0 {
		return fmt.Errorf("rotation grace period must not be negative")
	}
	if o.MaxSecretUsage < 0 {
		return fmt.Errorf("max secret usage must not be negative")
	}
	if o.DefaultKeyExpiry < 0 {
		return fmt.Errorf("default key expiry must not be negative")
	}

	return nil
}

// Package e2ee is a client-side end-to-end encryption core for meeting
// data: ephemeral key agreement, AEAD payload encryption, key lifecycle
// management (creation, rotation, revocation, expiry), hierarchical
// permissions, signed key distribution, password-protected backups and
// advisory health assessment.
//
// The package is a library, not a service. It performs no network I/O of
// its own; the awaited collaborators are a Directory (participant public
// keys), a persist.Store (backup persistence) and an audit.Emitter sink.
// Plaintext private key material never crosses the package boundary:
// private scalars, derived secrets and content keys live in protected
// memory (memguard enclaves) and are referenced through opaque handles
// and ids.
//
// Services can be wired individually for fine-grained control, or
// composed through New, which builds the full core from one Config:
//
//	core, err := e2ee.New(e2ee.Config{
//		Options:   e2ee.DefaultOptions(),
//		Directory: directory,
//		Store:     persist.NewMemoryStore(),
//	})
//	if err != nil { ... }
//	defer core.Close()
//
//	secret, err := core.Agreement.DeriveSharedSecret(peerPub, "bob", "")
//	payload, err := core.Cipher.Encrypt(plaintext, secret.SecretID, nil)
package e2ee

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iatoba72/MeetingMind-sub002/audit"
	"github.com/iatoba72/MeetingMind-sub002/persist"
)

// Encryptor is the payload encryption surface of the core. *Cipher
// implements it; consumers that only encrypt and decrypt should depend
// on this instead of the concrete type.
type Encryptor interface {
	Encrypt(plaintext []byte, keyID string, metadata map[string]string) (*EncryptedPayload, error)
	Decrypt(payload *EncryptedPayload) ([]byte, error)
}

var _ Encryptor = (*Cipher)(nil)

// Config wires the full core. Only Options is consulted for behavior;
// the rest are collaborator injections with safe defaults (in-memory
// store, no-op audit, discarded logs, no directory).
type Config struct {
	Options Options

	// Directory resolves participant public keys for distribution. May be
	// nil when key distribution is not used.
	Directory Directory

	// Store persists backups. Defaults to an in-memory store.
	Store persist.Store

	// Audit receives one event per mutating lifecycle operation. Defaults
	// to the no-op emitter.
	Audit audit.Emitter

	// Logger carries operational (non-audit) logs. Defaults to discard.
	Logger *logrus.Logger

	// AutoRotate starts the rotation scheduler immediately.
	AutoRotate bool
}

// Core is the composed encryption core. Fields are the individual
// services; they share one registry and one audit sink.
type Core struct {
	Agreement   *KeyAgreement
	Cipher      *Cipher
	Registry    *Registry
	Permissions *PermissionEngine
	Distributor *Distributor
	Vault       *Vault
	Health      *Assessor
	Scheduler   *Scheduler

	audit audit.Emitter
}

// New builds a fully wired core from cfg.
func New(cfg Config) (*Core, error) {
	opts := cfg.Options
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	emitter := cfg.Audit
	if emitter == nil {
		emitter = &audit.NoOpEmitter{}
	}
	store := cfg.Store
	if store == nil {
		store = persist.NewMemoryStore()
	}

	agreement, err := NewKeyAgreement(opts, emitter)
	if err != nil {
		return nil, err
	}
	registry, err := NewRegistry(opts, emitter)
	if err != nil {
		agreement.Close()
		return nil, err
	}

	core := &Core{
		Agreement:   agreement,
		Registry:    registry,
		Cipher:      NewCipher(agreement, registry, opts, emitter),
		Permissions: NewPermissionEngine(registry, opts, emitter),
		Health:      NewAssessor(registry),
		audit:       emitter,
	}

	if cfg.Directory != nil {
		core.Distributor, err = NewDistributor(registry, cfg.Directory, opts, emitter)
		if err != nil {
			agreement.Close()
			return nil, err
		}
	}

	core.Vault, err = NewVault(registry, store, opts, emitter)
	if err != nil {
		agreement.Close()
		return nil, err
	}

	core.Scheduler, err = NewScheduler(agreement, registry, opts, cfg.Logger)
	if err != nil {
		agreement.Close()
		return nil, err
	}
	if cfg.AutoRotate {
		core.Scheduler.Start()
	}

	return core, nil
}

// Close stops background rotation, destroys all in-memory key material
// and closes the audit sink. The core is unusable afterwards.
func (c *Core) Close() error {
	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Agreement != nil {
		c.Agreement.Close()
	}
	if c.audit != nil {
		return c.audit.Close()
	}
	return nil
}

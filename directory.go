package e2ee

import (
	"crypto/ecdh"
	"fmt"
	"sync"
)

// Directory resolves participant ids to their X25519 public keys. The
// authenticated roster itself lives outside this module; implementations
// adapt whatever identity service the application uses. A lookup miss is
// reported as ErrParticipantNotFound.
type Directory interface {
	PublicKey(participantID string) ([]byte, error)
}

// StaticDirectory is an in-memory Directory for tests, examples and
// single-process deployments. Keys are validated against the curve on
// registration so a lookup never hands out malformed material.
type StaticDirectory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{keys: make(map[string][]byte)}
}

// Register associates a participant with an X25519 public key, replacing
// any previous registration.
func (d *StaticDirectory) Register(participantID string, publicKey []byte) error {
	if err := validateParticipantID(participantID); err != nil {
		return err
	}
	pub, err := ecdh.X25519().NewPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key for %s: %w", participantID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[participantID] = pub.Bytes()
	return nil
}

// Remove drops a participant's registration. Removing an unknown
// participant is a no-op.
func (d *StaticDirectory) Remove(participantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, participantID)
}

// PublicKey returns the registered public key for a participant.
func (d *StaticDirectory) PublicKey(participantID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	key, exists := d.keys[participantID]
	if !exists {
		return nil, fmt.Errorf("participant %s: %w", participantID, ErrParticipantNotFound)
	}
	return append([]byte(nil), key...), nil
}

// Package audit emits structured key-lifecycle events to an external audit
// collaborator. The core produces exactly one event per mutating operation;
// storage, querying and alerting of those events belong to the collaborator,
// not to this package.
package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit emission configuration.
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    ConfigType             `json:"type"`
	Options map[string]interface{} `json:"options"` // provider-specific options
}

type ConfigType string

const (
	FileEmitterType   ConfigType = "file"
	MemoryEmitterType ConfigType = "memory"
	NoOp              ConfigType = ""
)

// Emitter is the pluggable sink for lifecycle events.
type Emitter interface {
	Emit(event Event) error
	Close() error
}

// Event is a single structured lifecycle event.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	KeyID     string                 `json:"key_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(eventType, keyID, userID string, success bool, details map[string]interface{}) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		KeyID:     keyID,
		UserID:    userID,
		Success:   success,
		Details:   details,
	}
}

// NewEmitter creates an emitter based on configuration. A nil or disabled
// config yields a no-op emitter so callers never need to nil-check.
func NewEmitter(config *Config) (Emitter, error) {
	if config == nil || !config.Enabled {
		return &NoOpEmitter{}, nil
	}

	switch config.Type {
	case FileEmitterType:
		return NewFileEmitter(config)
	case MemoryEmitterType:
		return NewMemoryEmitter(), nil
	case NoOp:
		return &NoOpEmitter{}, nil
	default:
		return nil, fmt.Errorf("unknown audit emitter: %s", config.Type)
	}
}

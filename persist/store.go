package persist

import (
	"errors"
	"time"
)

// ErrBackupExists is returned when a save would overwrite an existing
// record. Backup records are write-once; there is no update path.
var ErrBackupExists = errors.New("backup record already exists")

// ErrBackupNotFound is returned when a record id resolves to nothing.
var ErrBackupNotFound = errors.New("backup record not found")

// BackupRecord is one stored key backup. Payload is the serialized,
// already password-encrypted backup produced by the vault layer; stores
// never see plaintext key material. Checksum is the SHA-256 of Payload
// and is verified on load so silent corruption surfaces as an error
// instead of a failed decrypt.
type BackupRecord struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Checksum  string    `json:"checksum"`
	Payload   []byte    `json:"payload"`
}

// BackupListing is the metadata view returned by List; it omits Payload
// so listing a large store stays cheap.
type BackupListing struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	Size      int       `json:"size"`
}

// Store persists write-once backup records for one vault namespace.
// Everything handed to a Store is already encrypted by the caller.
type Store interface {
	// Save persists a record. Fails with ErrBackupExists if the id is
	// already taken; records are immutable once written.
	Save(record *BackupRecord) error

	// Load retrieves a record by id and verifies its checksum.
	Load(backupID string) (*BackupRecord, error)

	// List returns metadata for all records, newest first.
	List() ([]BackupListing, error)

	// Delete removes a record. Deleting an unknown id fails with
	// ErrBackupNotFound.
	Delete(backupID string) error

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error
}

// StoreType selects a backend in StoreConfig.
type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig is the declarative store selection used by the factory and
// the CLI configuration file.
type StoreConfig struct {
	Type   StoreType              `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// S3Config carries the connection settings for the S3 backend.
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

package persist

import (
	"fmt"
	"strings"

	icrypto "github.com/iatoba72/MeetingMind-sub002/internal/crypto"
)

// NewStore creates a storage backend from declarative configuration.
// namespace isolates one vault's records from another's within a shared
// backend (a directory on disk, a key prefix in S3).
func NewStore(config StoreConfig, namespace string) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath, namespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateNamespace rejects namespaces that could escape the store's
// isolation boundary (path traversal on disk, prefix injection in S3).
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}
	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}
	return nil
}

// verifyChecksum confirms a loaded record's payload still matches its
// stored SHA-256 checksum. Records written without a checksum pass.
func verifyChecksum(record *BackupRecord) error {
	if record.Checksum == "" {
		return nil
	}
	if icrypto.Checksum(record.Payload) != record.Checksum {
		return fmt.Errorf("backup %s: payload checksum mismatch", record.ID)
	}
	return nil
}

// validateBackupID guards ids that become file names or object keys.
func validateBackupID(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID cannot be empty")
	}
	if strings.Contains(backupID, "..") ||
		strings.Contains(backupID, "/") ||
		strings.Contains(backupID, "\\") {
		return fmt.Errorf("backup ID contains invalid characters")
	}
	return nil
}

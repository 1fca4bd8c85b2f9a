package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	backupExtension = ".bak.json"
)

// FileSystemStore implements Store on the local filesystem. Records live
// under basePath/namespace/backups/, one JSON file per record, written
// atomically via a temp file and rename so a crash never leaves a
// half-written backup behind.
type FileSystemStore struct {
	mu         sync.Mutex
	basePath   string
	namespace  string
	backupsDir string
	tempDir    string
}

// NewFileSystemStore creates a filesystem store rooted at basePath. The
// namespace defaults to "default" when empty.
func NewFileSystemStore(basePath, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	namespacePath := filepath.Join(basePath, namespace)
	store := &FileSystemStore{
		basePath:   basePath,
		namespace:  namespace,
		backupsDir: filepath.Join(namespacePath, "backups"),
		tempDir:    filepath.Join(namespacePath, "temp"),
	}

	for _, dir := range []string{namespacePath, store.backupsDir, store.tempDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return store, nil
}

func (f *FileSystemStore) Save(record *BackupRecord) error {
	if record == nil {
		return fmt.Errorf("nil backup record")
	}
	if err := validateBackupID(record.ID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.recordPath(record.ID)
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("backup %s: %w", record.ID, ErrBackupExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to check backup %s: %w", record.ID, err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode backup %s: %w", record.ID, err)
	}

	// Write to temp then rename so readers never observe a partial file.
	tmp, err := os.CreateTemp(f.tempDir, record.ID+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write backup %s: %w", record.ID, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync backup %s: %w", record.ID, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close backup %s: %w", record.ID, err)
	}
	if err = os.Chmod(tmpName, FilePermissions); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on backup %s: %w", record.ID, err)
	}
	if err = os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize backup %s: %w", record.ID, err)
	}

	return nil
}

func (f *FileSystemStore) Load(backupID string) (*BackupRecord, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.recordPath(backupID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return nil, fmt.Errorf("failed to read backup %s: %w", backupID, err)
	}

	var record BackupRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", backupID, err)
	}
	if err := verifyChecksum(&record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (f *FileSystemStore) List() ([]BackupListing, error) {
	entries, err := os.ReadDir(f.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var listings []BackupListing
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupExtension) {
			continue
		}
		backupID := strings.TrimSuffix(entry.Name(), backupExtension)
		record, err := f.Load(backupID)
		if err != nil {
			// A corrupt record should not hide its healthy neighbours.
			continue
		}
		listings = append(listings, listingOf(record))
	}

	sortListings(listings)
	return listings, nil
}

func (f *FileSystemStore) Delete(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.recordPath(backupID))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

func (f *FileSystemStore) Ping() error {
	_, err := os.Stat(f.backupsDir)
	if err != nil {
		return fmt.Errorf("backup directory unavailable: %w", err)
	}
	return nil
}

func (f *FileSystemStore) Close() error { return nil }

func (f *FileSystemStore) recordPath(backupID string) string {
	return filepath.Join(f.backupsDir, backupID+backupExtension)
}

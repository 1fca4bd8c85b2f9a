package persist

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for tests and ephemeral vaults.
// Records do not survive the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*BackupRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*BackupRecord)}
}

func (m *MemoryStore) Save(record *BackupRecord) error {
	if record == nil {
		return fmt.Errorf("nil backup record")
	}
	if err := validateBackupID(record.ID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("backup %s: %w", record.ID, ErrBackupExists)
	}
	m.records[record.ID] = copyRecord(record)
	return nil
}

func (m *MemoryStore) Load(backupID string) (*BackupRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[backupID]
	if !exists {
		return nil, fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}
	if err := verifyChecksum(record); err != nil {
		return nil, err
	}
	return copyRecord(record), nil
}

func (m *MemoryStore) List() ([]BackupListing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listings := make([]BackupListing, 0, len(m.records))
	for _, record := range m.records {
		listings = append(listings, listingOf(record))
	}
	sortListings(listings)
	return listings, nil
}

func (m *MemoryStore) Delete(backupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[backupID]; !exists {
		return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
	}
	delete(m.records, backupID)
	return nil
}

func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*BackupRecord)
	return nil
}

func copyRecord(original *BackupRecord) *BackupRecord {
	recordCopy := *original
	recordCopy.Payload = append([]byte(nil), original.Payload...)
	return &recordCopy
}

func listingOf(record *BackupRecord) BackupListing {
	return BackupListing{
		ID:        record.ID,
		KeyID:     record.KeyID,
		CreatedAt: record.CreatedAt,
		CreatedBy: record.CreatedBy,
		Size:      len(record.Payload),
	}
}

// sortListings orders newest first, ties broken by id for stable output.
func sortListings(listings []BackupListing) {
	sort.Slice(listings, func(i, j int) bool {
		if !listings[i].CreatedAt.Equal(listings[j].CreatedAt) {
			return listings[i].CreatedAt.After(listings[j].CreatedAt)
		}
		return listings[i].ID < listings[j].ID
	})
}

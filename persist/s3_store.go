package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 10 * time.Second

// S3Store implements Store against any S3-compatible backend via the
// MinIO client.
//
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]namespace/
//	    └── backups/
//	        ├── <backup-id>.bak.json
//	        └── <backup-id>.bak.json
//
// Write-once is enforced with a conditional stat before each put; the
// window between stat and put is accepted because backup ids are
// UUID-derived and never reissued.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	namespace  string
}

// NewS3Store connects to the configured endpoint and ensures the bucket
// exists. The namespace defaults to "default" when empty.
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig builds an S3Store from the generic StoreConfig
// map, round-tripping through JSON to get typed fields.
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type %s for S3 store", config.Type)
	}

	raw, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode S3 config: %w", err)
	}
	var s3Config S3Config
	if err := json.Unmarshal(raw, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to decode S3 config: %w", err)
	}
	if s3Config.Endpoint == "" || s3Config.Bucket == "" {
		return nil, fmt.Errorf("S3 storage requires 'endpoint' and 'bucket' in config")
	}

	return NewS3Store(s3Config, namespace)
}

func (s *S3Store) Save(record *BackupRecord) error {
	if record == nil {
		return fmt.Errorf("nil backup record")
	}
	if err := validateBackupID(record.ID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s.objectName(record.ID)
	if _, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err == nil {
		return fmt.Errorf("backup %s: %w", record.ID, ErrBackupExists)
	} else if !isNotFound(err) {
		return fmt.Errorf("failed to check backup %s: %w", record.ID, err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode backup %s: %w", record.ID, err)
	}

	_, err = s.client.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"key-id":     record.KeyID,
				"created-by": record.CreatedBy,
				"created-at": record.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store backup %s: %w", record.ID, err)
	}
	return nil
}

func (s *S3Store) Load(backupID string) (*BackupRecord, error) {
	if err := validateBackupID(backupID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s.client.GetObject(ctx, s.bucketName, s.objectName(backupID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch backup %s: %w", backupID, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFound(err) {
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

func (s *S3Store) List() ([]BackupListing, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.backupsPrefix()
	var listings []BackupListing
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, backupExtension) {
			continue
		}
		backupID := strings.TrimSuffix(name, backupExtension)
		record, err := s.Load(backupID)
		if err != nil {
			continue
		}
		listings = append(listings, listingOf(record))
	}

	sortListings(listings)
	return listings, nil
}

func (s *S3Store) Delete(backupID string) error {
	if err := validateBackupID(backupID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s.objectName(backupID)
	if _, err := s.client.StatObject(ctx, s.bucketName, objectName, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to check backup %s: %w", backupID, err)
	}

	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", backupID, err)
	}
	return nil
}

func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("S3 connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucketName)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func (s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucketName, err)
	}
	return nil
}

func (s *S3Store) backupsPrefix() string {
	parts := []string{s.namespace, "backups", ""}
	if s.keyPrefix != "" {
		parts = append([]string{s.keyPrefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (s *S3Store) objectName(backupID string) string {
	return s.backupsPrefix() + backupID + backupExtension
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}

package persist

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// VersionedData represents data with its version information. Versions are
// opaque strings (ETag, hash, counter) used for optimistic concurrency on
// the key index.
type VersionedData struct {
	Data      []byte
	Version   string
	Timestamp time.Time
}

// Object is a blob together with its metadata and last-modified timestamp.
type Object struct {
	Data         []byte
	Metadata     map[string]string
	LastModified time.Time
}

// BackupOptions selects where a backup copy of a blob is placed.
type BackupOptions struct {
	// Tier is a named backup tier ("archive", "secondary", ...). Defaults
	// to "default" when empty.
	Tier string
	// Region optionally routes the backup to a secondary region for
	// backends that support it.
	Region string
}

// UsageStats reports operation and byte counters for a storage provider.
type UsageStats struct {
	StoreOps     uint64  `json:"store_ops"`
	RetrieveOps  uint64  `json:"retrieve_ops"`
	DeleteOps    uint64  `json:"delete_ops"`
	ListOps      uint64  `json:"list_ops"`
	BytesWritten uint64  `json:"bytes_written"`
	BytesRead    uint64  `json:"bytes_read"`
	StoredBytes  uint64  `json:"stored_bytes"`
	MonthlyCost  float64 `json:"estimated_monthly_cost"`
}

// Store is the durable, path-addressed blob store for encrypted key material
// and its metadata. All data passed to this interface is assumed to be
// already opaque (encrypted or public) - the store never sees plaintext
// private key material.
//
// Blob paths follow the convention
//
//	{prefix}/{accountId}/{algorithm}/{yyyy/mm/dd}/{randomId}.key
//
// which gives natural partitioning for per-account listing and backup sweeps.
//
// The index operations persist the key-metadata record set as a single
// versioned document; SaveIndex fails with ConcurrencyError when the stored
// version no longer matches expectedVersion, which is the serialization
// point for concurrent lifecycle mutations of the same key across replicas.
type Store interface {
	// Blob operations

	// Store writes data under a freshly built path for (accountID,
	// algorithm) and returns that path.
	Store(ctx context.Context, data []byte, accountID, algorithm string, metadata map[string]string) (string, error)

	// Retrieve reads the blob at path.
	Retrieve(ctx context.Context, path string) ([]byte, error)

	// RetrieveWithMetadata reads the blob at path together with its
	// metadata and last-modified timestamp.
	RetrieveWithMetadata(ctx context.Context, path string) (*Object, error)

	// Delete removes the blob at path. Deleting a missing path is an error.
	Delete(ctx context.Context, path string) error

	// Exists checks whether a blob is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// ListAccountPaths returns all blob paths stored for an account.
	ListAccountPaths(ctx context.Context, accountID string) ([]string, error)

	// GetMetadata returns the metadata attached to the blob at path.
	GetMetadata(ctx context.Context, path string) (map[string]string, error)

	// UpdateMetadata replaces the metadata attached to the blob at path.
	UpdateMetadata(ctx context.Context, path string, metadata map[string]string) error

	// Backup operations

	// CreateBackup copies the blob at path into the backup tier and
	// returns the backup path.
	CreateBackup(ctx context.Context, path string, opts BackupOptions) (string, error)

	// RestoreFromBackup copies a backup blob back to restorePath.
	RestoreFromBackup(ctx context.Context, backupPath, restorePath string) error

	// Key index operations

	// SaveIndex persists the serialized key index, enforcing optimistic
	// versioning: pass the version from the last LoadIndex, or "" for a
	// first write. Returns the new version.
	SaveIndex(ctx context.Context, data []byte, expectedVersion string) (string, error)

	// LoadIndex retrieves the serialized key index.
	LoadIndex(ctx context.Context) (*VersionedData, error)

	// IndexExists checks whether a key index has been persisted.
	IndexExists(ctx context.Context) (bool, error)

	// Health and utilities

	// UsageStats returns this store's operation counters.
	UsageStats() UsageStats

	// StorageCostPerGBMonth returns the published storage cost used by
	// cost optimization to compute total cost of ownership.
	StorageCostPerGBMonth() float64

	// Ping tests connectivity for remote backends.
	Ping(ctx context.Context) error

	// Close releases any resources the store holds.
	Close() error

	// Type identifies the backend ("filesystem", "s3").
	Type() string
}

// StoreConfig provides configuration for different storage backends.
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings. For StoreTypeS3 this
	// includes keys like "endpoint" and "bucket"; for StoreTypeFileSystem
	// a "base_path".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	// StoreTypeFileSystem stores blobs on the local file system.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores blobs in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors on the key index.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// buildKeyPath builds the canonical blob path for a new piece of key material:
// {prefix}/{accountID}/{algorithm}/{yyyy/mm/dd}/{randomID}.key
func buildKeyPath(prefix, accountID, algorithm string, now time.Time) string {
	datePart := now.UTC().Format("2006/01/02")
	name := uuid.NewString() + ".key"
	if prefix == "" {
		return path.Join(accountID, algorithm, datePart, name)
	}
	return path.Join(prefix, accountID, algorithm, datePart, name)
}

// accountPrefix returns the listing prefix for all blobs of an account.
func accountPrefix(prefix, accountID string) string {
	if prefix == "" {
		return accountID + "/"
	}
	return path.Join(prefix, accountID) + "/"
}

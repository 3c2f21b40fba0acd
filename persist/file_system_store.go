package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mistic96/skyvault/internal/crypto"
	"github.com/mistic96/skyvault/internal/misc"
)

// FileSystemStore implements the Store interface on the local file system.
//
// Directory structure:
//
//	basePath/
//	├── {prefix}/{accountID}/{algorithm}/{yyyy/mm/dd}/{randomID}.key
//	├── {prefix}/{accountID}/.../{randomID}.key.meta.json
//	├── .index/
//	│   └── keys.json          # serialized key index (versioned)
//	└── .backups/
//	    └── {tier}/{original path}
//
// Metadata lives in a sidecar JSON file next to each blob. The index version
// is the SHA-256 checksum of the index content, which makes SaveIndex a
// compare-and-swap against concurrent writers sharing the same directory.
type FileSystemStore struct {
	basePath   string
	pathPrefix string

	mu sync.Mutex // serializes index compare-and-swap

	storeOps     atomic.Uint64
	retrieveOps  atomic.Uint64
	deleteOps    atomic.Uint64
	listOps      atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	storedBytes  atomic.Uint64
}

type blobSidecar struct {
	Metadata     map[string]string `json:"metadata"`
	LastModified time.Time         `json:"last_modified"`
}

const (
	indexFileName = "keys.json"
	indexDirName  = ".index"
	backupDirName = ".backups"
	sidecarSuffix = ".meta.json"
)

// NewFileSystemStore creates a file-system backed store rooted at basePath.
// pathPrefix is prepended to every blob path and may be empty.
func NewFileSystemStore(basePath, pathPrefix string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	if err := os.MkdirAll(basePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileSystemStore{
		basePath:   basePath,
		pathPrefix: pathPrefix,
	}, nil
}

func (fs *FileSystemStore) Store(ctx context.Context, data []byte, accountID, algorithm string, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("cannot store empty data")
	}
	if accountID == "" || algorithm == "" {
		return "", fmt.Errorf("account ID and algorithm are required")
	}

	blobPath := buildKeyPath(fs.pathPrefix, accountID, algorithm, time.Now())
	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(blobPath))

	if err := os.MkdirAll(filepath.Dir(fullPath), misc.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	if err := writeFileAtomic(fullPath, data); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	if err := fs.writeSidecar(fullPath, metadata); err != nil {
		// Don't leave a blob without its sidecar behind.
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to write blob metadata: %w", err)
	}

	fs.storeOps.Add(1)
	fs.bytesWritten.Add(uint64(len(data)))
	fs.storedBytes.Add(uint64(len(data)))

	return blobPath, nil
}

func (fs *FileSystemStore) Retrieve(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}

	fs.retrieveOps.Add(1)
	fs.bytesRead.Add(uint64(len(data)))

	return data, nil
}

func (fs *FileSystemStore) RetrieveWithMetadata(ctx context.Context, path string) (*Object, error) {
	data, err := fs.Retrieve(ctx, path)
	if err != nil {
		return nil, err
	}

	sidecar, err := fs.readSidecar(filepath.Join(fs.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, err
	}

	return &Object{
		Data:         data,
		Metadata:     sidecar.Metadata,
		LastModified: sidecar.LastModified,
	}, nil
}

func (fs *FileSystemStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(path))

	info, err := os.Stat(fullPath)
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}

	if err = os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}
	os.Remove(fullPath + sidecarSuffix) // sidecar is best effort

	fs.deleteOps.Add(1)
	if size := uint64(info.Size()); fs.storedBytes.Load() >= size {
		fs.storedBytes.Add(^(size - 1))
	}

	return nil
}

func (fs *FileSystemStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(fs.basePath, filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}
	return true, nil
}

func (fs *FileSystemStore) ListAccountPaths(ctx context.Context, accountID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, fmt.Errorf("account ID cannot be empty")
	}

	root := filepath.Join(fs.basePath, filepath.FromSlash(strings.TrimSuffix(accountPrefix(fs.pathPrefix, accountID), "/")))

	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, sidecarSuffix) {
			return nil
		}
		rel, relErr := filepath.Rel(fs.basePath, p)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list account paths: %w", err)
	}

	sort.Strings(paths)
	fs.listOps.Add(1)

	return paths, nil
}

func (fs *FileSystemStore) GetMetadata(ctx context.Context, path string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sidecar, err := fs.readSidecar(filepath.Join(fs.basePath, filepath.FromSlash(path)))
	if err != nil {
		return nil, err
	}
	return sidecar.Metadata, nil
}

func (fs *FileSystemStore) UpdateMetadata(ctx context.Context, path string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(path))
	if _, err := os.Stat(fullPath); err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", path, err)
	}
	return fs.writeSidecar(fullPath, metadata)
}

func (fs *FileSystemStore) CreateBackup(ctx context.Context, path string, opts BackupOptions) (string, error) {
	data, err := fs.Retrieve(ctx, path)
	if err != nil {
		return "", err
	}

	tier := opts.Tier
	if tier == "" {
		tier = "default"
	}

	backupPath := backupDirName + "/" + tier + "/" + path
	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(backupPath))

	if err = os.MkdirAll(filepath.Dir(fullPath), misc.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err = writeFileAtomic(fullPath, data); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	// Carry the source metadata along so a restore is lossless.
	if metadata, mErr := fs.GetMetadata(ctx, path); mErr == nil && metadata != nil {
		_ = fs.writeSidecar(fullPath, metadata)
	}

	return backupPath, nil
}

func (fs *FileSystemStore) RestoreFromBackup(ctx context.Context, backupPath, restorePath string) error {
	data, err := fs.Retrieve(ctx, backupPath)
	if err != nil {
		return err
	}

	fullPath := filepath.Join(fs.basePath, filepath.FromSlash(restorePath))
	if err = os.MkdirAll(filepath.Dir(fullPath), misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}
	if err = writeFileAtomic(fullPath, data); err != nil {
		return fmt.Errorf("failed to restore blob: %w", err)
	}

	sidecar, sErr := fs.readSidecar(filepath.Join(fs.basePath, filepath.FromSlash(backupPath)))
	if sErr == nil {
		_ = fs.writeSidecar(fullPath, sidecar.Metadata)
	}

	return nil
}

func (fs *FileSystemStore) SaveIndex(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	indexPath := filepath.Join(fs.basePath, indexDirName, indexFileName)

	current, err := os.ReadFile(indexPath)
	switch {
	case err == nil:
		actual := crypto.Checksum(current)
		if expectedVersion != actual {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   actual,
				Operation:       "SaveIndex",
			}
		}
	case os.IsNotExist(err):
		if expectedVersion != "" {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   "",
				Operation:       "SaveIndex",
			}
		}
	default:
		return "", fmt.Errorf("failed to read index: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(indexPath), misc.DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create index directory: %w", err)
	}
	if err = writeFileAtomic(indexPath, data); err != nil {
		return "", fmt.Errorf("failed to write index: %w", err)
	}

	return crypto.Checksum(data), nil
}

func (fs *FileSystemStore) LoadIndex(ctx context.Context) (*VersionedData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	indexPath := filepath.Join(fs.basePath, indexDirName, indexFileName)

	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	info, err := os.Stat(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   crypto.Checksum(data),
		Timestamp: info.ModTime(),
	}, nil
}

func (fs *FileSystemStore) IndexExists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(fs.basePath, indexDirName, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat index: %w", err)
	}
	return true, nil
}

func (fs *FileSystemStore) UsageStats() UsageStats {
	storedGB := float64(fs.storedBytes.Load()) / (1024 * 1024 * 1024)
	return UsageStats{
		StoreOps:     fs.storeOps.Load(),
		RetrieveOps:  fs.retrieveOps.Load(),
		DeleteOps:    fs.deleteOps.Load(),
		ListOps:      fs.listOps.Load(),
		BytesWritten: fs.bytesWritten.Load(),
		BytesRead:    fs.bytesRead.Load(),
		StoredBytes:  fs.storedBytes.Load(),
		MonthlyCost:  storedGB * fs.StorageCostPerGBMonth(),
	}
}

// StorageCostPerGBMonth reports zero: local disk has no metered cost.
func (fs *FileSystemStore) StorageCostPerGBMonth() float64 { return 0 }

func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("storage base path unavailable: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error { return nil }

func (fs *FileSystemStore) Type() string { return string(StoreTypeFileSystem) }

func (fs *FileSystemStore) writeSidecar(fullPath string, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	sidecar := blobSidecar{
		Metadata:     metadata,
		LastModified: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return writeFileAtomic(fullPath+sidecarSuffix, data)
}

func (fs *FileSystemStore) readSidecar(fullPath string) (*blobSidecar, error) {
	data, err := os.ReadFile(fullPath + sidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			// Blobs written by older tooling may lack a sidecar.
			return &blobSidecar{Metadata: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var sidecar blobSidecar
	if err = json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if sidecar.Metadata == nil {
		sidecar.Metadata = map[string]string{}
	}
	return &sidecar, nil
}

// writeFileAtomic writes via a temp file and rename so readers never observe
// a partially written blob.
func writeFileAtomic(fullPath string, data []byte) error {
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, misc.FilePermissions); err != nil {
		return err
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mistic96/skyvault/internal/misc"
)

// S3Store implements the Store interface against any S3-compatible object
// store (AWS S3, MinIO, Ceph RGW).
//
// Object layout within the bucket:
//
//	bucket/
//	├── {keyPrefix/}{accountID}/{algorithm}/{yyyy/mm/dd}/{randomID}.key
//	├── {keyPrefix/}.index/keys.json     # versioned key index (ETag = version)
//	└── {keyPrefix/}.backups/{tier}/{original path}
//
// Blob metadata rides as S3 user metadata on the object itself. Index
// versioning uses conditional PUT (If-Match on the ETag), which turns
// SaveIndex into a compare-and-swap across all replicas sharing the bucket.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
	costPerGB  float64

	storeOps     atomic.Uint64
	retrieveOps  atomic.Uint64
	deleteOps    atomic.Uint64
	listOps      atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	storedBytes  atomic.Uint64
}

// S3Config contains the configuration required to connect to an
// S3-compatible object store.
type S3Config struct {
	Endpoint        string  `json:"endpoint"`
	AccessKeyID     string  `json:"access_key_id"`
	SecretAccessKey string  `json:"secret_access_key"`
	Bucket          string  `json:"bucket"`
	KeyPrefix       string  `json:"key_prefix"`
	UseSSL          bool    `json:"use_ssl"`
	Region          string  `json:"region"`
	CostPerGBMonth  float64 `json:"cost_per_gb_month"`
}

// defaultS3CostPerGBMonth is the published S3 standard-tier price used when
// the configuration does not override it.
const defaultS3CostPerGBMonth = 0.023

// NewS3Store connects to the configured S3 endpoint and ensures the bucket
// exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("S3 endpoint cannot be empty")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	costPerGB := config.CostPerGBMonth
	if costPerGB == 0 {
		costPerGB = defaultS3CostPerGBMonth
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
		costPerGB:  costPerGB,
	}

	ctx, cancel := context.WithTimeout(context.Background(), misc.StoreTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig builds an S3Store from a generic StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config)
}

func (s3s *S3Store) Store(ctx context.Context, data []byte, accountID, algorithm string, metadata map[string]string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("cannot store empty data")
	}
	if accountID == "" || algorithm == "" {
		return "", fmt.Errorf("account ID and algorithm are required")
	}

	blobPath := buildKeyPath(s3s.keyPrefix, accountID, algorithm, time.Now())

	putOptions := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: withTimestamp(metadata),
	}

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, blobPath,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	s3s.storeOps.Add(1)
	s3s.bytesWritten.Add(uint64(len(data)))
	s3s.storedBytes.Add(uint64(len(data)))

	return blobPath, nil
}

func (s3s *S3Store) Retrieve(ctx context.Context, path string) ([]byte, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", path, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("blob %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}

	s3s.retrieveOps.Add(1)
	s3s.bytesRead.Add(uint64(len(data)))

	return data, nil
}

func (s3s *S3Store) RetrieveWithMetadata(ctx context.Context, path string) (*Object, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", path, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("blob %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", path, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob %s: %w", path, err)
	}

	s3s.retrieveOps.Add(1)
	s3s.bytesRead.Add(uint64(len(data)))

	return &Object{
		Data:         data,
		Metadata:     normalizeUserMetadata(objectInfo.UserMetadata),
		LastModified: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) Delete(ctx context.Context, path string) error {
	// RemoveObject succeeds silently on missing keys, so probe first to keep
	// delete-missing an error like the file system backend.
	info, err := s3s.client.StatObject(ctx, s3s.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", path, err)
	}

	s3s.deleteOps.Add(1)
	if size := uint64(info.Size); s3s.storedBytes.Load() >= size {
		s3s.storedBytes.Add(^(size - 1))
	}

	return nil
}

func (s3s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) ListAccountPaths(ctx context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account ID cannot be empty")
	}

	prefix := accountPrefix(s3s.keyPrefix, accountID)

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var paths []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list account paths: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		paths = append(paths, object.Key)
	}

	sort.Strings(paths)
	s3s.listOps.Add(1)

	return paths, nil
}

func (s3s *S3Store) GetMetadata(ctx context.Context, path string) (map[string]string, error) {
	objectInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, path, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for %s: %w", path, err)
	}
	return normalizeUserMetadata(objectInfo.UserMetadata), nil
}

func (s3s *S3Store) UpdateMetadata(ctx context.Context, path string, metadata map[string]string) error {
	// S3 metadata is immutable per object version; replace it with a
	// server-side copy onto the same key.
	src := minio.CopySrcOptions{
		Bucket: s3s.bucketName,
		Object: path,
	}
	dst := minio.CopyDestOptions{
		Bucket:          s3s.bucketName,
		Object:          path,
		UserMetadata:    withTimestamp(metadata),
		ReplaceMetadata: true,
	}

	if _, err := s3s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("failed to update metadata for %s: %w", path, err)
	}
	return nil
}

func (s3s *S3Store) CreateBackup(ctx context.Context, path string, opts BackupOptions) (string, error) {
	tier := opts.Tier
	if tier == "" {
		tier = "default"
	}

	backupPath := s3s.buildPath(backupDirName, tier, strings.TrimPrefix(path, s3s.keyPrefix+"/"))

	src := minio.CopySrcOptions{
		Bucket: s3s.bucketName,
		Object: path,
	}
	dst := minio.CopyDestOptions{
		Bucket: s3s.bucketName,
		Object: backupPath,
	}

	if _, err := s3s.client.CopyObject(ctx, dst, src); err != nil {
		return "", fmt.Errorf("failed to create backup of %s: %w", path, err)
	}

	return backupPath, nil
}

func (s3s *S3Store) RestoreFromBackup(ctx context.Context, backupPath, restorePath string) error {
	src := minio.CopySrcOptions{
		Bucket: s3s.bucketName,
		Object: backupPath,
	}
	dst := minio.CopyDestOptions{
		Bucket: s3s.bucketName,
		Object: restorePath,
	}

	if _, err := s3s.client.CopyObject(ctx, dst, src); err != nil {
		if s3s.isNotFoundError(err) {
			return fmt.Errorf("backup %s not found: %w", backupPath, err)
		}
		return fmt.Errorf("failed to restore backup %s: %w", backupPath, err)
	}
	return nil
}

func (s3s *S3Store) SaveIndex(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("index data cannot be nil")
	}

	objectName := s3s.indexObjectName()

	putOptions := minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"Created-At": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current index version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveIndex",
			}
		}
		putOptions.SetMatchETag(expectedVersion)
	}

	uploadInfo, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), putOptions)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			currentVersion, _ := s3s.getObjectVersion(ctx, objectName)
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveIndex",
			}
		}
		return "", fmt.Errorf("failed to save index: %w", err)
	}

	return cleanETag(uploadInfo.ETag), nil
}

func (s3s *S3Store) LoadIndex(ctx context.Context) (*VersionedData, error) {
	objectName := s3s.indexObjectName()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("index not found: %w", err)
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index: %w", err)
	}

	timestamp := objectInfo.LastModified
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   cleanETag(objectInfo.ETag),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) IndexExists(ctx context.Context) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, s3s.indexObjectName(), minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check index existence: %w", err)
	}
	return true, nil
}

func (s3s *S3Store) UsageStats() UsageStats {
	storedGB := float64(s3s.storedBytes.Load()) / (1024 * 1024 * 1024)
	return UsageStats{
		StoreOps:     s3s.storeOps.Load(),
		RetrieveOps:  s3s.retrieveOps.Load(),
		DeleteOps:    s3s.deleteOps.Load(),
		ListOps:      s3s.listOps.Load(),
		BytesWritten: s3s.bytesWritten.Load(),
		BytesRead:    s3s.bytesRead.Load(),
		StoredBytes:  s3s.storedBytes.Load(),
		MonthlyCost:  storedGB * s3s.costPerGB,
	}
}

func (s3s *S3Store) StorageCostPerGBMonth() float64 { return s3s.costPerGB }

func (s3s *S3Store) Ping(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error { return nil }

func (s3s *S3Store) Type() string { return string(StoreTypeS3) }

// Helper methods

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) indexObjectName() string {
	return s3s.buildPath(indexDirName, indexFileName)
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return false
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// withTimestamp copies metadata and stamps it with the creation time.
func withTimestamp(metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["Created-At"] = time.Now().UTC().Format(time.RFC3339)
	return out
}

// normalizeUserMetadata lowercases S3 user metadata keys. Different backends
// return them with different capitalization.
func normalizeUserMetadata(userMetadata map[string]string) map[string]string {
	out := make(map[string]string, len(userMetadata))
	for k, v := range userMetadata {
		out[strings.ToLower(k)] = v
	}
	return out
}

package skyvault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mistic96/skyvault/audit"
	"github.com/mistic96/skyvault/internal/crypto"
	"github.com/mistic96/skyvault/internal/mem"
	"github.com/mistic96/skyvault/internal/misc"
	"github.com/mistic96/skyvault/persist"
)

// versionSuffix matches the rotation suffix on identifiers, so rotating
// "k1_v2" yields "k1_v3" rather than "k1_v2_v3".
var versionSuffix = regexp.MustCompile(`_v\d+$`)

// errAlreadyRotated signals that a replayed rotation found a successor
// minted by a concurrent replica.
var errAlreadyRotated = errors.New("key already rotated")

// HybridKeyStore orchestrates a blob store and the key-metadata index to
// implement the full lifecycle of a cryptographic key record: store,
// retrieve, rotate, revoke, update expiration, list.
//
// The store is byte-agnostic: callers supply already-opaque key bytes and
// get them back as stored. Vault encryption and decryption, where needed,
// is the caller's concern through a vault.Provider.
//
// The metadata index is the single source of truth for key state. Blob
// writes happen before index writes so a cancelled or failed store never
// leaves a metadata record referencing a missing blob; the blob is rolled
// back instead.
type HybridKeyStore struct {
	storage  persist.Store
	index    *keyIndex
	opts     Options
	auditLog audit.Logger
	rot      *rotationScheduler
}

// NewHybridKeyStore creates a lifecycle store over the given blob store.
func NewHybridKeyStore(storage persist.Store, opts Options) (*HybridKeyStore, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	auditLog, err := audit.NewLogger(&opts.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit logging: %w", err)
	}

	if opts.EnableMemoryLock {
		// Best effort; unsupported platforms degrade silently.
		_, _ = mem.Lock()
	}

	return &HybridKeyStore{
		storage:  storage,
		index:    newKeyIndex(storage),
		opts:     opts,
		auditLog: auditLog,
		rot:      newRotationScheduler(),
	}, nil
}

// StoreKey persists caller-opaque key bytes under identifier for the given
// account address and returns the created record. A nil expiresAt defaults
// to now plus the configured retention window.
func (hks *HybridKeyStore) StoreKey(ctx context.Context, identifier, address string, keyData []byte, algorithm string, category KeyCategory, expiresAt *time.Time) (*KeyEntity, error) {
	if identifier == "" {
		return nil, fmt.Errorf("key identifier cannot be empty")
	}
	if address == "" {
		return nil, fmt.Errorf("account address cannot be empty")
	}
	if len(keyData) == 0 {
		return nil, &KeyOperationError{Op: "store", Algorithm: algorithm, Err: fmt.Errorf("key data cannot be empty")}
	}

	now := hks.opts.Clock().UTC()
	expiry := expiresAt
	if expiry == nil {
		e := now.Add(hks.opts.retention())
		expiry = &e
	}

	metadata := map[string]string{
		"key_id":    identifier,
		"account":   address,
		"algorithm": algorithm,
		"category":  string(category),
	}

	// Blob first, index second. A record must never reference a blob that
	// was not durably written.
	path, err := hks.storage.Store(ctx, keyData, address, algorithm, metadata)
	if err != nil {
		hks.audit("key.store", false, identifier, address, err)
		return nil, &CloudStorageError{Provider: hks.storage.Type(), Op: "store", Path: path, Err: err}
	}

	entity := &KeyEntity{
		ID:               identifier,
		AccountAddress:   address,
		Version:          1,
		Category:         category,
		Algorithm:        algorithm,
		EncryptedKeyData: base64.StdEncoding.EncodeToString(keyData),
		StoragePath:      path,
		Checksum:         crypto.Checksum(keyData),
		CreatedAt:        now,
		LastAccessedAt:   now,
		ExpiresAt:        expiry,
		Metadata: map[string]string{
			MetaUsageCount: "0",
			MetaCreatedBy:  "lifecycle-store",
		},
	}

	err = hks.index.mutate(ctx, func(doc *indexDocument) error {
		if _, exists := doc.Entities[identifier]; exists {
			return fmt.Errorf("key %s already exists", identifier)
		}
		doc.Entities[identifier] = cloneEntity(entity)
		return nil
	})
	if err != nil {
		// Roll back the orphaned blob.
		if delErr := hks.storage.Delete(context.WithoutCancel(ctx), path); delErr != nil {
			hks.audit("key.store.rollback", false, identifier, address, delErr)
		}
		hks.audit("key.store", false, identifier, address, err)
		return nil, fmt.Errorf("failed to record key %s: %w", identifier, err)
	}

	hks.audit("key.store", true, identifier, address, nil)
	return cloneEntity(entity), nil
}

// RetrieveKey returns the stored bytes for identifier as stored.
//
// The record must be active and not expired. An expired key with automatic
// rotation enabled is rotated synchronously and the successor's material is
// served. A key within the last quarter of its lifetime triggers a detached
// background rotation that never blocks or fails this call.
func (hks *HybridKeyStore) RetrieveKey(ctx context.Context, identifier string) ([]byte, error) {
	entity, err := hks.ensureUsable(ctx, identifier)
	if err != nil {
		hks.audit("key.retrieve", false, identifier, "", err)
		return nil, err
	}

	if hks.nearingExpiry(entity) {
		hks.scheduleRotation(entity.ID)
	}

	data, err := hks.storage.Retrieve(ctx, entity.StoragePath)
	if err != nil {
		hks.audit("key.retrieve", false, entity.ID, entity.AccountAddress, err)
		return nil, &CloudStorageError{Provider: hks.storage.Type(), Op: "retrieve", Path: entity.StoragePath, Err: err}
	}

	if checksum := crypto.Checksum(data); checksum != entity.Checksum {
		err = fmt.Errorf("checksum mismatch for key %s: stored material is corrupt", entity.ID)
		hks.audit("key.retrieve", false, entity.ID, entity.AccountAddress, err)
		return nil, &KeyOperationError{Op: "retrieve", Algorithm: entity.Algorithm, Err: err}
	}

	// Access bookkeeping is best effort; a lost race here must not fail
	// the retrieval.
	touchErr := hks.index.mutate(ctx, func(doc *indexDocument) error {
		record, ok := doc.Entities[entity.ID]
		if !ok {
			return &KeyNotFoundError{Identifier: entity.ID}
		}
		record.LastAccessedAt = hks.opts.Clock().UTC()
		count, _ := strconv.Atoi(record.Metadata[MetaUsageCount])
		record.SetMetadata(MetaUsageCount, strconv.Itoa(count+1))
		return nil
	})
	if touchErr != nil {
		hks.audit("key.retrieve.touch", false, entity.ID, entity.AccountAddress, touchErr)
	}

	hks.audit("key.retrieve", true, entity.ID, entity.AccountAddress, nil)
	return data, nil
}

// RevokeKey marks the key revoked and then deletes the backing blob. The
// index update is authoritative; a blob-delete failure is logged, not rolled
// back.
func (hks *HybridKeyStore) RevokeKey(ctx context.Context, identifier string) error {
	var storagePath string

	err := hks.index.mutate(ctx, func(doc *indexDocument) error {
		entity, ok := doc.Entities[identifier]
		if !ok {
			return &KeyNotFoundError{Identifier: identifier}
		}
		if entity.RevokedAt != nil {
			return &KeyRevokedError{Identifier: identifier, RevokedAt: *entity.RevokedAt}
		}

		now := hks.opts.Clock().UTC()
		entity.RevokedAt = &now
		entity.SetMetadata(MetaRevocationReason, "revoked by caller")
		storagePath = entity.StoragePath
		return nil
	})
	if err != nil {
		hks.audit("key.revoke", false, identifier, "", err)
		return err
	}

	if delErr := hks.storage.Delete(ctx, storagePath); delErr != nil && !misc.IsNotFoundError(delErr) {
		hks.audit("key.revoke.delete", false, identifier, "", delErr)
	}

	hks.audit("key.revoke", true, identifier, "", nil)
	return nil
}

// RotateKey creates the next version of the key under a new identifier and
// marks the old record superseded. The old record stays readable for audit
// continuity; it is not revoked.
//
// With nil newKeyData the old material is re-stored under the new
// identifier and a fresh expiration.
func (hks *HybridKeyStore) RotateKey(ctx context.Context, identifier string, newKeyData []byte) (string, error) {
	entity, err := hks.index.get(ctx, identifier)
	if err != nil {
		hks.audit("key.rotate", false, identifier, "", err)
		return "", err
	}
	if !entity.IsActive() {
		err = &KeyRevokedError{Identifier: identifier, RevokedAt: *entity.RevokedAt}
		hks.audit("key.rotate", false, identifier, "", err)
		return "", err
	}
	// Idempotency under concurrent retrieval: a record that already has a
	// successor is not rotated again.
	if successor, ok := entity.Metadata[MetaRotatedTo]; ok {
		return successor, nil
	}

	keyData := newKeyData
	if keyData == nil {
		keyData, err = hks.storage.Retrieve(ctx, entity.StoragePath)
		if err != nil {
			hks.audit("key.rotate", false, identifier, entity.AccountAddress, err)
			return "", &CloudStorageError{Provider: hks.storage.Type(), Op: "retrieve", Path: entity.StoragePath, Err: err}
		}
	}

	newVersion := entity.Version + 1
	newID := fmt.Sprintf("%s_v%d", versionSuffix.ReplaceAllString(identifier, ""), newVersion)
	now := hks.opts.Clock().UTC()
	expiry := now.Add(hks.opts.retention())

	metadata := map[string]string{
		"key_id":    newID,
		"account":   entity.AccountAddress,
		"algorithm": entity.Algorithm,
		"category":  string(entity.Category),
	}

	path, err := hks.storage.Store(ctx, keyData, entity.AccountAddress, entity.Algorithm, metadata)
	if err != nil {
		hks.audit("key.rotate", false, identifier, entity.AccountAddress, err)
		return "", &CloudStorageError{Provider: hks.storage.Type(), Op: "store", Path: path, Err: err}
	}

	successor := &KeyEntity{
		ID:                newID,
		AccountAddress:    entity.AccountAddress,
		Version:           newVersion,
		PreviousVersionID: identifier,
		Category:          entity.Category,
		Algorithm:         entity.Algorithm,
		EncryptedKeyData:  base64.StdEncoding.EncodeToString(keyData),
		StoragePath:       path,
		Checksum:          crypto.Checksum(keyData),
		VaultKeyID:        entity.VaultKeyID,
		Provider:          entity.Provider,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         &expiry,
		Metadata: map[string]string{
			MetaUsageCount: "0",
			MetaCreatedBy:  "rotation",
		},
	}

	var peerSuccessor string
	err = hks.index.mutate(ctx, func(doc *indexDocument) error {
		old, ok := doc.Entities[identifier]
		if !ok {
			return &KeyNotFoundError{Identifier: identifier}
		}
		if old.RevokedAt != nil {
			return &KeyRevokedError{Identifier: identifier, RevokedAt: *old.RevokedAt}
		}
		if existing, rotated := old.Metadata[MetaRotatedTo]; rotated {
			peerSuccessor = existing
			return errAlreadyRotated
		}
		if _, exists := doc.Entities[newID]; exists {
			return fmt.Errorf("key %s already exists", newID)
		}

		old.SetMetadata(MetaRotatedTo, newID)
		doc.Entities[newID] = cloneEntity(successor)
		return nil
	})
	if err != nil {
		if delErr := hks.storage.Delete(context.WithoutCancel(ctx), path); delErr != nil {
			hks.audit("key.rotate.rollback", false, newID, entity.AccountAddress, delErr)
		}
		if errors.Is(err, errAlreadyRotated) {
			// Another replica rotated first; its successor is the rotation
			// result and our candidate blob is dropped above.
			hks.audit("key.rotate", true, peerSuccessor, entity.AccountAddress, nil)
			return peerSuccessor, nil
		}
		hks.audit("key.rotate", false, identifier, entity.AccountAddress, err)
		return "", fmt.Errorf("failed to rotate key %s: %w", identifier, err)
	}

	hks.audit("key.rotate", true, newID, entity.AccountAddress, nil)
	return newID, nil
}

// BackupKey copies the key's blob into the configured backup tier and
// records the backup location on the metadata record. The index record
// itself is covered separately by index snapshots.
func (hks *HybridKeyStore) BackupKey(ctx context.Context, identifier string) (string, error) {
	entity, err := hks.index.get(ctx, identifier)
	if err != nil {
		hks.audit("key.backup", false, identifier, "", err)
		return "", err
	}

	backupPath, err := hks.storage.CreateBackup(ctx, entity.StoragePath, persist.BackupOptions{
		Tier:   hks.opts.BackupTier,
		Region: hks.opts.BackupRegion,
	})
	if err != nil {
		hks.audit("key.backup", false, identifier, entity.AccountAddress, err)
		return "", &CloudStorageError{Provider: hks.storage.Type(), Op: "backup", Path: entity.StoragePath, Err: err}
	}

	recordErr := hks.index.mutate(ctx, func(doc *indexDocument) error {
		record, ok := doc.Entities[identifier]
		if !ok {
			return &KeyNotFoundError{Identifier: identifier}
		}
		record.SetMetadata(MetaBackupPath, backupPath)
		return nil
	})
	if recordErr != nil {
		hks.audit("key.backup.record", false, identifier, entity.AccountAddress, recordErr)
	}

	hks.audit("key.backup", true, identifier, entity.AccountAddress, nil)
	return backupPath, nil
}

// RestoreKey copies the last backup of the key back over its blob. The
// record must reference a backup made by BackupKey.
func (hks *HybridKeyStore) RestoreKey(ctx context.Context, identifier string) error {
	entity, err := hks.index.get(ctx, identifier)
	if err != nil {
		hks.audit("key.restore", false, identifier, "", err)
		return err
	}
	backupPath, ok := entity.Metadata[MetaBackupPath]
	if !ok {
		err = fmt.Errorf("key %s has no backup to restore from", identifier)
		hks.audit("key.restore", false, identifier, entity.AccountAddress, err)
		return err
	}

	if err = hks.storage.RestoreFromBackup(ctx, backupPath, entity.StoragePath); err != nil {
		hks.audit("key.restore", false, identifier, entity.AccountAddress, err)
		return &CloudStorageError{Provider: hks.storage.Type(), Op: "restore", Path: backupPath, Err: err}
	}

	hks.audit("key.restore", true, identifier, entity.AccountAddress, nil)
	return nil
}

// UpdateExpiration validates the key through the same active/rotate-if-
// expired path as retrieval, then sets its expiration.
func (hks *HybridKeyStore) UpdateExpiration(ctx context.Context, identifier string, newDate time.Time) error {
	entity, err := hks.ensureUsable(ctx, identifier)
	if err != nil {
		hks.audit("key.update_expiration", false, identifier, "", err)
		return err
	}

	err = hks.index.mutate(ctx, func(doc *indexDocument) error {
		record, ok := doc.Entities[entity.ID]
		if !ok {
			return &KeyNotFoundError{Identifier: entity.ID}
		}
		expiry := newDate.UTC()
		record.ExpiresAt = &expiry
		return nil
	})
	if err != nil {
		hks.audit("key.update_expiration", false, entity.ID, entity.AccountAddress, err)
		return err
	}

	hks.audit("key.update_expiration", true, entity.ID, entity.AccountAddress, nil)
	return nil
}

// ListActiveKeys enumerates keys that are active, unexpired and not
// superseded by a rotation. Empty algorithm or category matches all.
func (hks *HybridKeyStore) ListActiveKeys(ctx context.Context, algorithm string, category KeyCategory) ([]*KeyEntity, error) {
	now := hks.opts.Clock().UTC()
	return hks.index.list(ctx, func(e *KeyEntity) bool {
		if !e.IsActive() || e.IsExpired(now) || e.IsRotated() {
			return false
		}
		if algorithm != "" && e.Algorithm != algorithm {
			return false
		}
		if category != "" && e.Category != category {
			return false
		}
		return true
	})
}

// Entity returns a copy of the metadata record for identifier.
func (hks *HybridKeyStore) Entity(ctx context.Context, identifier string) (*KeyEntity, error) {
	return hks.index.get(ctx, identifier)
}

// RotationFailures exposes errors from background rotations scheduled by
// RetrieveKey. Draining it is optional.
func (hks *HybridKeyStore) RotationFailures() <-chan error {
	return hks.rot.failures()
}

// Close waits for in-flight background rotations and releases the audit
// logger. The underlying blob store is not closed; the caller owns it.
func (hks *HybridKeyStore) Close() error {
	hks.rot.close()
	if hks.opts.EnableMemoryLock {
		_ = mem.Unlock()
	}
	return hks.auditLog.Close()
}

// ensureUsable loads the record and enforces the active/expired gate.
// Expired keys with auto-rotation enabled are resolved to a usable
// successor, rotating synchronously when no successor exists yet.
func (hks *HybridKeyStore) ensureUsable(ctx context.Context, identifier string) (*KeyEntity, error) {
	for {
		entity, err := hks.index.get(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if !entity.IsActive() {
			return nil, &KeyRevokedError{Identifier: identifier, RevokedAt: *entity.RevokedAt}
		}

		now := hks.opts.Clock().UTC()
		if !entity.IsExpired(now) {
			return entity, nil
		}

		expiredErr := &KeyExpiredError{Identifier: identifier, ExpiredAt: *entity.ExpiresAt}
		if hks.opts.DisableAutoRotation {
			return nil, expiredErr
		}

		if successor, ok := entity.Metadata[MetaRotatedTo]; ok {
			identifier = successor
			continue
		}

		newID, err := hks.RotateKey(ctx, identifier, nil)
		if err != nil {
			hks.audit("key.rotate.auto", false, identifier, entity.AccountAddress, err)
			return nil, expiredErr
		}
		identifier = newID
	}
}

// nearingExpiry reports whether the key has consumed at least the rotation
// threshold share of its lifetime.
func (hks *HybridKeyStore) nearingExpiry(entity *KeyEntity) bool {
	if hks.opts.DisableAutoRotation || entity.ExpiresAt == nil {
		return false
	}
	lifetime := entity.ExpiresAt.Sub(entity.CreatedAt)
	if lifetime <= 0 {
		return false
	}
	elapsed := hks.opts.Clock().UTC().Sub(entity.CreatedAt)
	return float64(elapsed) >= float64(lifetime)*misc.RotationThreshold
}

// scheduleRotation submits a detached rotation for identifier with a fresh
// context. Failures surface on RotationFailures, never to the caller.
func (hks *HybridKeyStore) scheduleRotation(identifier string) {
	hks.rot.schedule(identifier, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), misc.StoreTimeout)
		defer cancel()

		if _, err := hks.RotateKey(ctx, identifier, nil); err != nil {
			hks.audit("key.rotate.background", false, identifier, "", err)
			return fmt.Errorf("background rotation of %s failed: %w", identifier, err)
		}
		return nil
	})
}

func (hks *HybridKeyStore) audit(action string, success bool, keyID, account string, opErr error) {
	metadata := map[string]interface{}{
		"key_id": keyID,
	}
	if account != "" {
		metadata["account"] = account
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	// Audit failures must not fail the operation being audited.
	_ = hks.auditLog.Log(action, success, metadata)
}

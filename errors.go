package skyvault

import (
	"errors"
	"fmt"
	"time"

	"github.com/mistic96/skyvault/vault"
)

// EncryptionError and DecryptionError are produced by the vault layer and
// re-exported here so callers handle the whole taxonomy from one package.
type (
	EncryptionError = vault.EncryptionError
	DecryptionError = vault.DecryptionError
)

// KeyNotFoundError reports that an identifier has no key record.
type KeyNotFoundError struct {
	Identifier string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found", e.Identifier)
}

// KeyRevokedError reports an operation attempted on a revoked key.
type KeyRevokedError struct {
	Identifier string
	RevokedAt  time.Time
}

func (e *KeyRevokedError) Error() string {
	return fmt.Sprintf("key %s was revoked at %s", e.Identifier, e.RevokedAt.UTC().Format(time.RFC3339))
}

// KeyExpiredError reports a key past its expiration with no rotated
// successor to serve in its place.
type KeyExpiredError struct {
	Identifier string
	ExpiredAt  time.Time
}

func (e *KeyExpiredError) Error() string {
	return fmt.Sprintf("key %s expired at %s", e.Identifier, e.ExpiredAt.UTC().Format(time.RFC3339))
}

// CloudStorageError wraps a blob I/O failure with the provider, operation
// and path so callers can tell transient network failures from structural
// ones.
type CloudStorageError struct {
	Provider string
	Op       string
	Path     string
	Err      error
}

func (e *CloudStorageError) Error() string {
	return fmt.Sprintf("storage %s failed on %s (path %s): %v", e.Op, e.Provider, e.Path, e.Err)
}

func (e *CloudStorageError) Unwrap() error { return e.Err }

// KeyOperationError is the generic wrapper for generate/validate/retrieve
// failures, carrying the attempted operation and algorithm.
type KeyOperationError struct {
	Op        string
	Algorithm string
	Err       error
}

func (e *KeyOperationError) Error() string {
	return fmt.Sprintf("key operation %s failed for algorithm %s: %v", e.Op, e.Algorithm, e.Err)
}

func (e *KeyOperationError) Unwrap() error { return e.Err }

// IsKeyNotFound reports whether err is, or wraps, a KeyNotFoundError.
func IsKeyNotFound(err error) bool {
	var target *KeyNotFoundError
	return errors.As(err, &target)
}

// IsKeyRevoked reports whether err is, or wraps, a KeyRevokedError.
func IsKeyRevoked(err error) bool {
	var target *KeyRevokedError
	return errors.As(err, &target)
}

// IsKeyExpired reports whether err is, or wraps, a KeyExpiredError.
func IsKeyExpired(err error) bool {
	var target *KeyExpiredError
	return errors.As(err, &target)
}

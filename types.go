package skyvault

import (
	"time"
)

// KeyCategory classifies a key record.
type KeyCategory string

const (
	// CategoryTraditional marks classical elliptic-curve keys.
	CategoryTraditional KeyCategory = "Traditional"

	// CategoryPostQuantum marks post-quantum signature keys.
	CategoryPostQuantum KeyCategory = "PostQuantum"

	// CategorySubstitution marks delegation key pairs issued on behalf of
	// a primary account.
	CategorySubstitution KeyCategory = "Substitution"
)

// Well-known metadata keys on KeyEntity records.
const (
	// MetaRotatedTo points a superseded record at its successor.
	MetaRotatedTo = "RotatedTo"

	// MetaRevocationReason annotates why a key was revoked.
	MetaRevocationReason = "RevocationReason"

	// MetaUsageCount counts retrievals, stored as a decimal string.
	MetaUsageCount = "UsageCount"

	// MetaCreatedBy records the issuing component.
	MetaCreatedBy = "CreatedBy"

	// MetaLastUsedAt records the last signature verification time for
	// substitution keys, RFC 3339.
	MetaLastUsedAt = "LastUsedAt"

	// MetaBackupPath records where the most recent backup copy of the
	// key material lives.
	MetaBackupPath = "BackupPath"
)

// maxMetadataEntries bounds the free-form metadata bag per record.
const maxMetadataEntries = 32

// KeyEntity is the persisted metadata record for one cryptographic key
// version. The record is the source of truth for the key's lifecycle state:
// active/expired/revoked decisions are always taken from it, never inferred
// from local timestamps.
//
// Records are never physically deleted. Revocation and rotation are soft
// states so the audit trail stays intact.
type KeyEntity struct {
	// Identity
	ID                string `json:"id"`
	AccountAddress    string `json:"account_address"`
	Version           int    `json:"version"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`

	// Classification
	Category  KeyCategory `json:"category"`
	Algorithm string      `json:"algorithm"`

	// Material references. EncryptedKeyData is a defense-in-depth base64
	// cache of the stored bytes; StoragePath holds the authoritative copy.
	EncryptedKeyData string `json:"encrypted_key_data,omitempty"`
	StoragePath      string `json:"storage_path"`
	Checksum         string `json:"checksum"`
	VaultKeyID       string `json:"vault_key_id,omitempty"`
	Provider         string `json:"provider,omitempty"`

	// Lifecycle timestamps
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`

	// Metadata is a bounded free-form bag for audit annotations.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether the key has not been revoked.
func (k *KeyEntity) IsActive() bool {
	return k.RevokedAt == nil
}

// IsExpired reports whether the key has an expiration in the past relative
// to now.
func (k *KeyEntity) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// IsSubstitutionKey reports whether this record belongs to a delegation
// key pair.
func (k *KeyEntity) IsSubstitutionKey() bool {
	return k.Category == CategorySubstitution
}

// IsRotated reports whether a rotation has superseded this record.
func (k *KeyEntity) IsRotated() bool {
	_, ok := k.Metadata[MetaRotatedTo]
	return ok
}

// SetMetadata writes a metadata entry, enforcing the bag's size bound.
// Overwrites of existing keys always succeed.
func (k *KeyEntity) SetMetadata(key, value string) bool {
	if k.Metadata == nil {
		k.Metadata = make(map[string]string)
	}
	if _, exists := k.Metadata[key]; !exists && len(k.Metadata) >= maxMetadataEntries {
		return false
	}
	k.Metadata[key] = value
	return true
}

// SubstitutionKeyPair is the transient value returned to the caller at
// delegation-key generation time only. The private key is exclusively owned
// by the external delegate after issuance: the system retains the public key
// and the metadata record, nothing else.
type SubstitutionKeyPair struct {
	KeyID          string     `json:"key_id"`
	PrivateKey     []byte     `json:"private_key"`
	PublicKey      []byte     `json:"public_key"`
	AccountAddress string     `json:"account_address"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         bool       `json:"active"`
}

// VerificationResult is the decision record for a delegated request.
// Success requires both the signature and the address linkage to hold.
type VerificationResult struct {
	SignatureValid       bool              `json:"signature_valid"`
	AuthorizedForAddress bool              `json:"authorized_for_address"`
	AuthenticatedAddress string            `json:"authenticated_address,omitempty"`
	Success              bool              `json:"success"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	Context              map[string]string `json:"context,omitempty"`
}

// SubstitutionKeyQuery filters SubstitutionKeys listings.
type SubstitutionKeyQuery struct {
	IncludeExpired bool
	IncludeRevoked bool
	// MaxAge drops keys created earlier than now-MaxAge when positive.
	MaxAge time.Duration
	// MinVersion drops keys below this version when positive.
	MinVersion int
}

// SubstitutionKeyStats is the observability record for one delegation key.
type SubstitutionKeyStats struct {
	KeyID          string     `json:"key_id"`
	AccountAddress string     `json:"account_address"`
	Version        int        `json:"version"`
	Algorithm      string     `json:"algorithm"`
	Provider       string     `json:"provider,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	Active         bool       `json:"active"`
	Expired        bool       `json:"expired"`
	UsageCount     int        `json:"usage_count"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
}

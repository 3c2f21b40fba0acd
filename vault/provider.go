// Package vault implements key-vault providers that derive per-account
// encryption keys from a single master secret and perform authenticated
// encryption of key material.
//
// The design collapses per-account key storage cost: instead of storing one
// master key per account, each provider holds exactly one master secret and
// derives a distinct 256-bit key per (account, algorithm) pair with HKDF.
// Because derivation is deterministic, encryption and decryption for the same
// context are always reproducible from the master secret alone and nothing
// per-account is ever persisted.
package vault

import (
	"context"
	"time"
)

// Provider is the contract of a key-vault backend. One Provider instance owns
// one long-lived master secret and serves derivation, encryption and
// decryption for any number of accounts.
type Provider interface {
	// Name identifies the provider instance ("aws-kms", "azure-keyvault").
	Name() string

	// MasterKeyID names the master-key version currently in use. Key
	// records reference it so re-encryption sweeps can find material
	// produced under superseded versions.
	MasterKeyID() string

	// DeriveEncryptionKey deterministically derives the 256-bit encryption
	// key for (accountID, algorithm) from the master secret. The same
	// inputs always produce the same key; distinct accounts or algorithms
	// produce unrelated keys.
	DeriveEncryptionKey(accountID, algorithm string) ([]byte, error)

	// Encrypt seals data with AES-256-GCM under the derived key for
	// (accountID, algorithm). Output layout: nonce(12) || tag(16) ||
	// ciphertext. Empty input fails.
	Encrypt(ctx context.Context, data []byte, accountID, algorithm string) ([]byte, error)

	// Decrypt opens a blob produced by Encrypt for the same (accountID,
	// algorithm). Inputs shorter than 28 bytes or failing the tag check
	// are rejected without returning any plaintext.
	Decrypt(ctx context.Context, ciphertext []byte, accountID, algorithm string) ([]byte, error)

	// ValidateConnection checks the provider can reach its backend.
	ValidateConnection(ctx context.Context) bool

	// HealthStatus reports backend health. It never returns an error: on
	// failure the status itself says unhealthy.
	HealthStatus(ctx context.Context) HealthStatus

	// UsageStats reports operation counters and the estimated monthly cost.
	UsageStats() UsageStats

	// RotateMasterKey creates a new master-key version. Existing data
	// remains decryptable under retained prior versions; re-encryption is
	// an out-of-band background process, not performed here.
	RotateMasterKey(ctx context.Context) error

	// CostProfile returns the published cost figures for this provider.
	CostProfile() CostProfile

	// Close releases the provider's secret material.
	Close() error
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Latency time.Duration     `json:"latency"`
	Details map[string]string `json:"details,omitempty"`
}

// UsageStats reports a provider's operation counters and estimated spend.
type UsageStats struct {
	DeriveOps            uint64  `json:"derive_ops"`
	EncryptOps           uint64  `json:"encrypt_ops"`
	DecryptOps           uint64  `json:"decrypt_ops"`
	FailedOps            uint64  `json:"failed_ops"`
	MasterKeyRotations   uint64  `json:"master_key_rotations"`
	EstimatedMonthlyCost float64 `json:"estimated_monthly_cost"`
}

// CostProfile holds the published cost figures CostOptimization ranks
// providers by.
type CostProfile struct {
	// MonthlyCostPer1MAccounts is the provider's published monthly cost
	// for serving one million accounts through derived keys.
	MonthlyCostPer1MAccounts float64 `json:"monthly_cost_per_1m_accounts"`

	// CostPriority orders providers with equal cost (lower wins).
	CostPriority int `json:"cost_priority"`

	// StorageCostPerGBMonth is factored into total cost of ownership.
	StorageCostPerGBMonth float64 `json:"storage_cost_per_gb_month"`

	// ComplianceTags lists the compliance regimes this provider satisfies
	// ("fips-140-2", "eu-data-residency").
	ComplianceTags []string `json:"compliance_tags,omitempty"`
}

// HasCompliance reports whether the profile carries the given tag.
func (cp CostProfile) HasCompliance(tag string) bool {
	for _, t := range cp.ComplianceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Config drives a DerivedKeyProvider instance. One Config per cloud backend
// replaces per-cloud provider implementations: the derivation and encryption
// logic is identical everywhere, only the transport and cost figures differ.
type Config struct {
	// Name identifies the provider ("aws-kms").
	Name string `json:"name"`

	// MasterKeyID names the master-key version in audit records and
	// KeyEntity references. A fresh version id is generated on rotation.
	MasterKeyID string `json:"master_key_id"`

	// Endpoint and Region describe the backend for health probes.
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`

	Cost CostProfile `json:"cost"`
}

package misc

import "time"

const (
	// DefaultRetentionDays is the default key lifetime applied when a caller
	// stores key material without an explicit expiration.
	DefaultRetentionDays = 90

	// RotationThreshold is the fraction of a key's lifetime after which a
	// retrieval opportunistically schedules a background rotation.
	RotationThreshold = 0.75

	// DerivationContextPrefix namespaces HKDF info strings so derived keys can
	// never collide with keys derived by another application sharing a master
	// secret.
	DerivationContextPrefix = "skyvault:v1"

	// MasterKeySize is the size of a vault master secret in bytes.
	MasterKeySize = 32

	// DerivedKeySize is the size of a per-account derived encryption key.
	DerivedKeySize = 32

	// GCMNonceSize and GCMTagSize fix the wire layout of encrypted blobs:
	// nonce(12) || tag(16) || ciphertext.
	GCMNonceSize = 12
	GCMTagSize   = 16

	// Argon2 parameters for passphrase-based backup export encryption.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700

	StoreTimeout = 10 * time.Second
)

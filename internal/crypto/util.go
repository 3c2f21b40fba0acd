package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mistic96/skyvault/internal/misc"
)

// Checksum calculates the SHA-256 checksum of data as a hex string.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// PublicKeyHash calculates the SHA-256 hash of a public key as a hex string.
// Used as the fast-lookup registry key for delegation public keys.
func PublicKeyHash(publicKey []byte) string {
	return Checksum(publicKey)
}

// DeriveAccountKey derives a per-(account, algorithm) encryption key from a
// vault master secret using HKDF with HMAC-SHA-256 (RFC 5869). The derivation
// is deterministic: the same master secret and context always produce the
// same key, which is what lets the vault avoid storing one key per account.
func DeriveAccountKey(masterSecret []byte, accountID, algorithm string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("empty master secret")
	}
	if accountID == "" || algorithm == "" {
		return nil, errors.New("account ID and algorithm are required for key derivation")
	}

	info := []byte(misc.DerivationContextPrefix + ":" + accountID + ":" + algorithm)
	reader := hkdf.New(sha256.New, masterSecret, nil, info)

	key := make([]byte, misc.DerivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return key, nil
}

// EncryptWithPassphrase encrypts data using a passphrase with Argon2id +
// ChaCha20-Poly1305. Used for off-site backup export, where no vault master
// secret is available at restore time. Output layout: salt || nonce || ciphertext.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)

	return result, nil
}

// DecryptWithPassphrase decrypts data produced by EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData []byte, passphrase string) ([]byte, error) {
	if len(encryptedData) < misc.SaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := encryptedData[:misc.SaltSize]
	nonce := encryptedData[misc.SaltSize : misc.SaltSize+chacha20poly1305.NonceSize]
	ciphertext := encryptedData[misc.SaltSize+chacha20poly1305.NonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	defer Wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// IsWeakKey performs basic entropy checks on generated key material.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Count unique byte values - a random 32-byte key should have variety.
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}
	return len(uniqueBytes) < 16
}

// Wipe zeroes a byte slice in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

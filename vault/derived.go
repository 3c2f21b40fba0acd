package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"

	"github.com/mistic96/skyvault/internal/crypto"
	"github.com/mistic96/skyvault/internal/misc"
)

// EncryptionError reports a failure to encrypt under a derived key.
type EncryptionError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption failed on %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("encryption failed on %s: %s", e.Provider, e.Reason)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError reports a failure to decrypt, including malformed input
// and authentication-tag mismatch. No plaintext is ever returned alongside it.
type DecryptionError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed on %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("decryption failed on %s: %s", e.Provider, e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Ensure DerivedKeyProvider implements Provider
var _ Provider = (*DerivedKeyProvider)(nil)

// DerivedKeyProvider is the single Provider implementation. The cloud
// backends differ only in transport and cost figures, so one implementation
// driven by a Config covers all of them.
//
// The master secret lives in a memguard enclave and is opened only for the
// duration of a derivation. RotateMasterKey creates a new secret version;
// prior versions stay resident so material produced under them remains
// decryptable while an out-of-band sweep re-encrypts it.
type DerivedKeyProvider struct {
	config    Config
	transport Transport

	mu             sync.RWMutex
	masterVersions map[string]*memguard.Enclave
	currentVersion string
	rotations      int

	clock func() time.Time
	rng   io.Reader

	deriveOps  atomic.Uint64
	encryptOps atomic.Uint64
	decryptOps atomic.Uint64
	failedOps  atomic.Uint64
}

// ProviderOption customizes a DerivedKeyProvider.
type ProviderOption func(*DerivedKeyProvider)

// WithClock injects the time source used for health-probe latency.
func WithClock(clock func() time.Time) ProviderOption {
	return func(p *DerivedKeyProvider) { p.clock = clock }
}

// WithRand injects the randomness source used for nonces and rotated master
// secrets.
func WithRand(rng io.Reader) ProviderOption {
	return func(p *DerivedKeyProvider) { p.rng = rng }
}

// NewDerivedKeyProvider creates a provider holding masterSecret. The secret
// must be 32 bytes and pass a weak-key check; the caller's copy is wiped
// after it is sealed into the enclave. A nil transport gets a StaticTransport
// that always reports healthy.
func NewDerivedKeyProvider(config Config, masterSecret []byte, transport Transport, opts ...ProviderOption) (*DerivedKeyProvider, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}
	if len(masterSecret) != misc.MasterKeySize {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", misc.MasterKeySize, len(masterSecret))
	}
	if crypto.IsWeakKey(masterSecret) {
		return nil, fmt.Errorf("master secret failed the weak key check")
	}
	if transport == nil {
		transport = &StaticTransport{}
	}

	masterKeyID := config.MasterKeyID
	if masterKeyID == "" {
		masterKeyID = config.Name + "-master-v1"
	}

	p := &DerivedKeyProvider{
		config:         config,
		transport:      transport,
		masterVersions: map[string]*memguard.Enclave{masterKeyID: memguard.NewEnclave(masterSecret)},
		currentVersion: masterKeyID,
		rotations:      0,
		clock:          time.Now,
		rng:            rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}

	// NewEnclave already wiped masterSecret, but callers may have passed a
	// copy of a longer-lived buffer.
	crypto.Wipe(masterSecret)

	return p, nil
}

func (p *DerivedKeyProvider) Name() string { return p.config.Name }

func (p *DerivedKeyProvider) MasterKeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentVersion
}

func (p *DerivedKeyProvider) CostProfile() CostProfile { return p.config.Cost }

// DeriveEncryptionKey derives the 256-bit key for (accountID, algorithm)
// from the current master secret. The derivation context binds both inputs
// so keys for different accounts or algorithms are unrelated.
func (p *DerivedKeyProvider) DeriveEncryptionKey(accountID, algorithm string) ([]byte, error) {
	if accountID == "" || algorithm == "" {
		p.failedOps.Add(1)
		return nil, fmt.Errorf("account ID and algorithm are required for key derivation")
	}

	p.mu.RLock()
	enclave := p.masterVersions[p.currentVersion]
	p.mu.RUnlock()

	buffer, err := enclave.Open()
	if err != nil {
		p.failedOps.Add(1)
		return nil, fmt.Errorf("failed to open master secret enclave: %w", err)
	}
	defer buffer.Destroy()

	key, err := crypto.DeriveAccountKey(buffer.Bytes(), accountID, algorithm)
	if err != nil {
		p.failedOps.Add(1)
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	p.deriveOps.Add(1)
	return key, nil
}

// Encrypt seals data with AES-256-GCM under the derived key for (accountID,
// algorithm). Output layout: nonce(12) || tag(16) || ciphertext.
func (p *DerivedKeyProvider) Encrypt(ctx context.Context, data []byte, accountID, algorithm string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		p.failedOps.Add(1)
		return nil, &EncryptionError{Provider: p.config.Name, Reason: "cannot encrypt empty data"}
	}

	key, err := p.DeriveEncryptionKey(accountID, algorithm)
	if err != nil {
		return nil, &EncryptionError{Provider: p.config.Name, Reason: "key derivation failed", Err: err}
	}
	defer crypto.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		p.failedOps.Add(1)
		return nil, &EncryptionError{Provider: p.config.Name, Reason: "cipher setup failed", Err: err}
	}

	nonce := make([]byte, misc.GCMNonceSize)
	if _, err = io.ReadFull(p.rng, nonce); err != nil {
		p.failedOps.Add(1)
		return nil, &EncryptionError{Provider: p.config.Name, Reason: "nonce generation failed", Err: err}
	}

	// Seal appends the tag after the ciphertext; the wire format wants the
	// tag between nonce and ciphertext.
	sealed := gcm.Seal(nil, nonce, data, nil)
	tagStart := len(sealed) - misc.GCMTagSize

	out := make([]byte, 0, misc.GCMNonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[tagStart:]...)
	out = append(out, sealed[:tagStart]...)

	p.encryptOps.Add(1)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt for the same (accountID,
// algorithm). The key is re-derived, never looked up.
func (p *DerivedKeyProvider) Decrypt(ctx context.Context, ciphertext []byte, accountID, algorithm string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ciphertext) < misc.GCMNonceSize+misc.GCMTagSize {
		p.failedOps.Add(1)
		return nil, &DecryptionError{
			Provider: p.config.Name,
			Reason:   fmt.Sprintf("ciphertext too short: %d bytes, need at least %d", len(ciphertext), misc.GCMNonceSize+misc.GCMTagSize),
		}
	}

	key, err := p.DeriveEncryptionKey(accountID, algorithm)
	if err != nil {
		return nil, &DecryptionError{Provider: p.config.Name, Reason: "key derivation failed", Err: err}
	}
	defer crypto.Wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		p.failedOps.Add(1)
		return nil, &DecryptionError{Provider: p.config.Name, Reason: "cipher setup failed", Err: err}
	}

	nonce := ciphertext[:misc.GCMNonceSize]
	tag := ciphertext[misc.GCMNonceSize : misc.GCMNonceSize+misc.GCMTagSize]
	body := ciphertext[misc.GCMNonceSize+misc.GCMTagSize:]

	sealed := make([]byte, 0, len(body)+misc.GCMTagSize)
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		p.failedOps.Add(1)
		return nil, &DecryptionError{Provider: p.config.Name, Reason: "authentication failed", Err: err}
	}

	p.decryptOps.Add(1)
	return plaintext, nil
}

func (p *DerivedKeyProvider) ValidateConnection(ctx context.Context) bool {
	return p.transport.Ping(ctx) == nil
}

// HealthStatus probes the transport and reports latency. It never fails: an
// unreachable backend yields Healthy=false with the error in Details.
func (p *DerivedKeyProvider) HealthStatus(ctx context.Context) HealthStatus {
	details := map[string]string{
		"provider":      p.config.Name,
		"master_key_id": p.MasterKeyID(),
		"region":        p.config.Region,
		"endpoint":      p.config.Endpoint,
	}

	start := p.clock()
	err := p.transport.Ping(ctx)
	latency := p.clock().Sub(start)

	if err != nil {
		details["error"] = err.Error()
		return HealthStatus{Healthy: false, Latency: latency, Details: details}
	}
	return HealthStatus{Healthy: true, Latency: latency, Details: details}
}

func (p *DerivedKeyProvider) UsageStats() UsageStats {
	p.mu.RLock()
	rotations := uint64(p.rotations)
	p.mu.RUnlock()

	return UsageStats{
		DeriveOps:            p.deriveOps.Load(),
		EncryptOps:           p.encryptOps.Load(),
		DecryptOps:           p.decryptOps.Load(),
		FailedOps:            p.failedOps.Load(),
		MasterKeyRotations:   rotations,
		EstimatedMonthlyCost: p.config.Cost.MonthlyCostPer1MAccounts,
	}
}

// RotateMasterKey generates a fresh master secret version and makes it
// current. Prior versions stay resident so existing material remains
// decryptable; re-encryption under the new version happens out of band.
func (p *DerivedKeyProvider) RotateMasterKey(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	secret := make([]byte, misc.MasterKeySize)
	if _, err := io.ReadFull(p.rng, secret); err != nil {
		p.failedOps.Add(1)
		return fmt.Errorf("failed to generate new master secret: %w", err)
	}
	if crypto.IsWeakKey(secret) {
		p.failedOps.Add(1)
		return fmt.Errorf("generated master secret failed the weak key check")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rotations++
	newVersion := fmt.Sprintf("%s-master-v%d", p.config.Name, p.rotations+1)
	p.masterVersions[newVersion] = memguard.NewEnclave(secret)
	p.currentVersion = newVersion

	return nil
}

// Close drops all master secret versions.
func (p *DerivedKeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.masterVersions = make(map[string]*memguard.Enclave)
	p.currentVersion = ""
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

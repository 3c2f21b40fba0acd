package skyvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/mistic96/skyvault/internal/crypto"
)

// SubstitutionKeyService issues and verifies delegation key pairs. A
// substitution key lets an external delegate sign requests on behalf of a
// primary account without ever touching the account's primary key material.
//
// The private half of every pair is handed to the caller at generation time
// and is the only copy in existence: the system persists the public key and
// the metadata record, nothing else. There is deliberately no recovery copy;
// a lost delegate key is replaced by rotation, not restored.
type SubstitutionKeyService struct {
	keys    *HybridKeyStore
	factory *ProviderFactory
	signer  SignatureProvider
}

// NewSubstitutionKeyService creates the delegation service on top of a
// lifecycle store and a provider factory. A nil signer defaults to the
// classical EC-256 provider.
func NewSubstitutionKeyService(keys *HybridKeyStore, factory *ProviderFactory, signer SignatureProvider) (*SubstitutionKeyService, error) {
	if keys == nil {
		return nil, fmt.Errorf("lifecycle store cannot be nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("provider factory cannot be nil")
	}
	if signer == nil {
		signer = NewECDSAProvider()
	}
	return &SubstitutionKeyService{keys: keys, factory: factory, signer: signer}, nil
}

// GenerateSubstitutionKey issues the next delegation key pair for address.
// The identifier is {address}_substitution_v{n} where n continues the
// address's existing version sequence. The returned private key is the
// caller's only copy.
func (s *SubstitutionKeyService) GenerateSubstitutionKey(ctx context.Context, address string, expiresAt *time.Time) (*SubstitutionKeyPair, error) {
	if address == "" {
		return nil, &KeyOperationError{Op: "generate", Algorithm: s.signer.Algorithm(), Err: fmt.Errorf("account address cannot be empty")}
	}

	version, err := s.nextVersion(ctx, address)
	if err != nil {
		return nil, &KeyOperationError{Op: "generate", Algorithm: s.signer.Algorithm(), Err: err}
	}

	privateKey, publicKey, err := s.signer.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	provider, err := s.factory.ResolveProvider(nil)
	if err != nil {
		return nil, &KeyOperationError{Op: "generate", Algorithm: s.signer.Algorithm(), Err: fmt.Errorf("provider resolution failed: %w", err)}
	}

	identifier := fmt.Sprintf("%s_substitution_v%d", address, version)
	now := s.keys.opts.Clock().UTC()
	expiry := expiresAt
	if expiry == nil {
		e := now.Add(s.keys.opts.retention())
		expiry = &e
	}

	blobMetadata := map[string]string{
		"key_id":    identifier,
		"account":   address,
		"algorithm": s.signer.Algorithm(),
		"category":  string(CategorySubstitution),
		"provider":  provider.Name(),
	}

	// Only the public half is persisted. Blob first, index second, with
	// blob rollback on index failure, same ordering as the lifecycle
	// store.
	path, err := s.keys.storage.Store(ctx, publicKey, address, s.signer.Algorithm(), blobMetadata)
	if err != nil {
		s.keys.audit("substitution.generate", false, identifier, address, err)
		return nil, &CloudStorageError{Provider: s.keys.storage.Type(), Op: "store", Path: path, Err: err}
	}

	pubKeyHash := crypto.PublicKeyHash(publicKey)
	entity := &KeyEntity{
		ID:               identifier,
		AccountAddress:   address,
		Version:          version,
		Category:         CategorySubstitution,
		Algorithm:        s.signer.Algorithm(),
		EncryptedKeyData: base64.StdEncoding.EncodeToString(publicKey),
		StoragePath:      path,
		Checksum:         crypto.Checksum(publicKey),
		VaultKeyID:       provider.MasterKeyID(),
		Provider:         provider.Name(),
		CreatedAt:        now,
		LastAccessedAt:   now,
		ExpiresAt:        expiry,
		Metadata: map[string]string{
			MetaUsageCount: "0",
			MetaCreatedBy:  "substitution-service",
		},
	}
	if version > 1 {
		entity.PreviousVersionID = fmt.Sprintf("%s_substitution_v%d", address, version-1)
	}

	err = s.keys.index.mutate(ctx, func(doc *indexDocument) error {
		if _, exists := doc.Entities[identifier]; exists {
			return fmt.Errorf("substitution key %s already exists", identifier)
		}
		doc.Entities[identifier] = cloneEntity(entity)
		doc.PublicKeys[pubKeyHash] = identifier
		return nil
	})
	if err != nil {
		if delErr := s.keys.storage.Delete(context.WithoutCancel(ctx), path); delErr != nil {
			s.keys.audit("substitution.generate.rollback", false, identifier, address, delErr)
		}
		s.keys.audit("substitution.generate", false, identifier, address, err)
		return nil, &KeyOperationError{Op: "generate", Algorithm: s.signer.Algorithm(), Err: err}
	}

	s.keys.audit("substitution.generate", true, identifier, address, nil)

	return &SubstitutionKeyPair{
		KeyID:          identifier,
		PrivateKey:     privateKey,
		PublicKey:      publicKey,
		AccountAddress: address,
		CreatedAt:      now,
		ExpiresAt:      expiry,
		Active:         true,
	}, nil
}

// VerifyRequestSignature checks a delegated request's signature against the
// stored public key for substitutionKeyID. The key must be active and not
// expired. Returns false on any lookup or verification failure; causes are
// audit logged, never surfaced as errors.
func (s *SubstitutionKeyService) VerifyRequestSignature(ctx context.Context, requestData, signature []byte, substitutionKeyID string) bool {
	entity, err := s.usableSubstitutionKey(ctx, substitutionKeyID)
	if err != nil {
		s.keys.audit("substitution.verify", false, substitutionKeyID, "", err)
		return false
	}

	publicKey, err := s.publicKeyBytes(ctx, entity)
	if err != nil {
		s.keys.audit("substitution.verify", false, substitutionKeyID, entity.AccountAddress, err)
		return false
	}

	if !s.signer.Verify(requestData, signature, publicKey) {
		s.keys.audit("substitution.verify", false, substitutionKeyID, entity.AccountAddress,
			fmt.Errorf("signature verification failed"))
		return false
	}

	s.touchUsage(ctx, entity.ID)
	s.keys.audit("substitution.verify", true, substitutionKeyID, entity.AccountAddress, nil)
	return true
}

// VerifyAuthorization confirms the key's linked account address equals the
// asserted address. Returns false rather than an error on lookup failure.
func (s *SubstitutionKeyService) VerifyAuthorization(ctx context.Context, substitutionKeyID, address string) bool {
	entity, err := s.usableSubstitutionKey(ctx, substitutionKeyID)
	if err != nil {
		s.keys.audit("substitution.authorize", false, substitutionKeyID, address, err)
		return false
	}
	return entity.AccountAddress == address
}

// VerifySubstitutionKeyRequest composes signature verification and address
// authorization into one decision record. Success requires both. An empty
// expectedAddress asserts nothing and authorizes against the key's own
// linked address.
func (s *SubstitutionKeyService) VerifySubstitutionKeyRequest(ctx context.Context, requestData, signature []byte, substitutionKeyID, expectedAddress string) VerificationResult {
	result := VerificationResult{
		Context: map[string]string{
			"substitution_key_id": substitutionKeyID,
		},
	}

	entity, err := s.usableSubstitutionKey(ctx, substitutionKeyID)
	if err != nil {
		result.ErrorMessage = err.Error()
		s.keys.audit("substitution.verify_request", false, substitutionKeyID, expectedAddress, err)
		return result
	}
	result.AuthenticatedAddress = entity.AccountAddress
	result.Context["account"] = entity.AccountAddress

	result.SignatureValid = s.VerifyRequestSignature(ctx, requestData, signature, substitutionKeyID)
	if expectedAddress == "" {
		result.AuthorizedForAddress = true
	} else {
		result.AuthorizedForAddress = entity.AccountAddress == expectedAddress
	}

	result.Success = result.SignatureValid && result.AuthorizedForAddress
	if !result.Success && result.ErrorMessage == "" {
		switch {
		case !result.SignatureValid:
			result.ErrorMessage = "signature verification failed"
		case !result.AuthorizedForAddress:
			result.ErrorMessage = fmt.Sprintf("key is linked to %s, not %s", entity.AccountAddress, expectedAddress)
		}
	}

	s.keys.audit("substitution.verify_request", result.Success, substitutionKeyID, entity.AccountAddress, nil)
	return result
}

// ResolveByPublicKey resolves a delegation key record from its raw public
// key through the hash registry, without knowing the address or identifier.
func (s *SubstitutionKeyService) ResolveByPublicKey(ctx context.Context, publicKey []byte) (*KeyEntity, error) {
	return s.keys.index.byPublicKeyHash(ctx, crypto.PublicKeyHash(publicKey))
}

// RevokeSubstitutionKey revokes a delegation key.
func (s *SubstitutionKeyService) RevokeSubstitutionKey(ctx context.Context, substitutionKeyID string) error {
	entity, err := s.keys.index.get(ctx, substitutionKeyID)
	if err != nil {
		return err
	}
	if !entity.IsSubstitutionKey() {
		return &KeyOperationError{Op: "revoke", Algorithm: entity.Algorithm,
			Err: fmt.Errorf("key %s is not a substitution key", substitutionKeyID)}
	}
	return s.keys.RevokeKey(ctx, substitutionKeyID)
}

// RotateSubstitutionKey issues a new delegation pair for address and then
// revokes the previous current key. The new key exists before the old one
// dies, so delegated traffic never sees a window with no usable key.
//
// When the revoke of the previous key fails, the issued pair is returned
// alongside the error: the caller holds the only copy of the new private
// key and must retry the revoke rather than mint yet another key.
func (s *SubstitutionKeyService) RotateSubstitutionKey(ctx context.Context, address string) (*SubstitutionKeyPair, error) {
	previous, err := s.CurrentSubstitutionKey(ctx, address)
	if err != nil && !IsKeyNotFound(err) {
		return nil, err
	}

	pair, err := s.GenerateSubstitutionKey(ctx, address, nil)
	if err != nil {
		return nil, err
	}

	if previous != nil {
		if revokeErr := s.keys.RevokeKey(ctx, previous.ID); revokeErr != nil {
			s.keys.audit("substitution.rotate", false, pair.KeyID, address, revokeErr)
			return pair, fmt.Errorf("issued %s but failed to revoke previous key %s: %w",
				pair.KeyID, previous.ID, revokeErr)
		}
	}

	s.keys.audit("substitution.rotate", true, pair.KeyID, address, nil)
	return pair, nil
}

// UpdateExpiration sets a new expiration on a delegation key. The key must
// be active; expired delegation keys are not auto-rotated because the
// system cannot mint a private key on the delegate's behalf.
func (s *SubstitutionKeyService) UpdateExpiration(ctx context.Context, substitutionKeyID string, newDate time.Time) error {
	return s.keys.index.mutate(ctx, func(doc *indexDocument) error {
		entity, ok := doc.Entities[substitutionKeyID]
		if !ok {
			return &KeyNotFoundError{Identifier: substitutionKeyID}
		}
		if !entity.IsSubstitutionKey() {
			return fmt.Errorf("key %s is not a substitution key", substitutionKeyID)
		}
		if entity.RevokedAt != nil {
			return &KeyRevokedError{Identifier: substitutionKeyID, RevokedAt: *entity.RevokedAt}
		}
		expiry := newDate.UTC()
		entity.ExpiresAt = &expiry
		return nil
	})
}

// CurrentSubstitutionKey returns the highest-version active, unexpired
// delegation key for address.
func (s *SubstitutionKeyService) CurrentSubstitutionKey(ctx context.Context, address string) (*KeyEntity, error) {
	now := s.keys.opts.Clock().UTC()
	candidates, err := s.keys.index.list(ctx, func(e *KeyEntity) bool {
		return e.IsSubstitutionKey() && e.AccountAddress == address && e.IsActive() && !e.IsExpired(now)
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &KeyNotFoundError{Identifier: address + "_substitution"}
	}

	current := candidates[0]
	for _, c := range candidates[1:] {
		if c.Version > current.Version {
			current = c
		}
	}
	return current, nil
}

// SubstitutionKeys lists delegation keys for address. A nil query returns
// active, unexpired keys only.
func (s *SubstitutionKeyService) SubstitutionKeys(ctx context.Context, address string, query *SubstitutionKeyQuery) ([]*KeyEntity, error) {
	if query == nil {
		query = &SubstitutionKeyQuery{}
	}
	now := s.keys.opts.Clock().UTC()

	return s.keys.index.list(ctx, func(e *KeyEntity) bool {
		if !e.IsSubstitutionKey() || e.AccountAddress != address {
			return false
		}
		if !query.IncludeRevoked && !e.IsActive() {
			return false
		}
		if !query.IncludeExpired && e.IsExpired(now) {
			return false
		}
		if query.MaxAge > 0 && e.CreatedAt.Before(now.Add(-query.MaxAge)) {
			return false
		}
		if query.MinVersion > 0 && e.Version < query.MinVersion {
			return false
		}
		return true
	})
}

// SubstitutionKeyStats returns the observability record for one delegation
// key, revoked and expired keys included.
func (s *SubstitutionKeyService) SubstitutionKeyStats(ctx context.Context, substitutionKeyID string) (*SubstitutionKeyStats, error) {
	entity, err := s.keys.index.get(ctx, substitutionKeyID)
	if err != nil {
		return nil, err
	}
	if !entity.IsSubstitutionKey() {
		return nil, fmt.Errorf("key %s is not a substitution key", substitutionKeyID)
	}

	now := s.keys.opts.Clock().UTC()
	usageCount, _ := strconv.Atoi(entity.Metadata[MetaUsageCount])

	stats := &SubstitutionKeyStats{
		KeyID:          entity.ID,
		AccountAddress: entity.AccountAddress,
		Version:        entity.Version,
		Algorithm:      entity.Algorithm,
		Provider:       entity.Provider,
		CreatedAt:      entity.CreatedAt,
		ExpiresAt:      entity.ExpiresAt,
		RevokedAt:      entity.RevokedAt,
		Active:         entity.IsActive(),
		Expired:        entity.IsExpired(now),
		UsageCount:     usageCount,
	}
	if raw, ok := entity.Metadata[MetaLastUsedAt]; ok {
		if t, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			stats.LastUsedAt = &t
		}
	}
	return stats, nil
}

// usableSubstitutionKey loads a delegation key record and gates on state.
// It reads the record directly rather than going through RetrieveKey: a
// lifecycle auto-rotation here would mint a key pair whose private half no
// delegate holds.
func (s *SubstitutionKeyService) usableSubstitutionKey(ctx context.Context, substitutionKeyID string) (*KeyEntity, error) {
	entity, err := s.keys.index.get(ctx, substitutionKeyID)
	if err != nil {
		return nil, err
	}
	if !entity.IsSubstitutionKey() {
		return nil, fmt.Errorf("key %s is not a substitution key", substitutionKeyID)
	}
	if !entity.IsActive() {
		return nil, &KeyRevokedError{Identifier: substitutionKeyID, RevokedAt: *entity.RevokedAt}
	}
	if now := s.keys.opts.Clock().UTC(); entity.IsExpired(now) {
		return nil, &KeyExpiredError{Identifier: substitutionKeyID, ExpiredAt: *entity.ExpiresAt}
	}
	return entity, nil
}

// publicKeyBytes returns the key's stored public key, preferring the cached
// copy on the record and falling back to the blob store.
func (s *SubstitutionKeyService) publicKeyBytes(ctx context.Context, entity *KeyEntity) ([]byte, error) {
	if entity.EncryptedKeyData != "" {
		data, err := base64.StdEncoding.DecodeString(entity.EncryptedKeyData)
		if err == nil && crypto.Checksum(data) == entity.Checksum {
			return data, nil
		}
	}

	data, err := s.keys.storage.Retrieve(ctx, entity.StoragePath)
	if err != nil {
		return nil, &CloudStorageError{Provider: s.keys.storage.Type(), Op: "retrieve", Path: entity.StoragePath, Err: err}
	}
	if crypto.Checksum(data) != entity.Checksum {
		return nil, fmt.Errorf("checksum mismatch for key %s: stored public key is corrupt", entity.ID)
	}
	return data, nil
}

// touchUsage bumps the usage counter and last-used timestamp. Best effort.
func (s *SubstitutionKeyService) touchUsage(ctx context.Context, identifier string) {
	err := s.keys.index.mutate(ctx, func(doc *indexDocument) error {
		entity, ok := doc.Entities[identifier]
		if !ok {
			return &KeyNotFoundError{Identifier: identifier}
		}
		count, _ := strconv.Atoi(entity.Metadata[MetaUsageCount])
		entity.SetMetadata(MetaUsageCount, strconv.Itoa(count+1))
		entity.SetMetadata(MetaLastUsedAt, s.keys.opts.Clock().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		s.keys.audit("substitution.touch", false, identifier, "", err)
	}
}

// nextVersion continues the address's substitution-key version sequence,
// counting every record ever issued for the address, revoked ones included.
func (s *SubstitutionKeyService) nextVersion(ctx context.Context, address string) (int, error) {
	existing, err := s.keys.index.list(ctx, func(e *KeyEntity) bool {
		return e.IsSubstitutionKey() && e.AccountAddress == address
	})
	if err != nil {
		return 0, err
	}

	max := 0
	for _, e := range existing {
		if e.Version > max {
			max = e.Version
		}
	}
	return max + 1, nil
}

package skyvault

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mistic96/skyvault/persist"
)

func newTestSubstitutionService(t *testing.T, clock *fakeClock) (*SubstitutionKeyService, *HybridKeyStore) {
	t.Helper()

	hks, _, _ := newTestKeyStore(t, Options{Clock: clock.Now})
	factory := newTestFactory(t)

	service, err := NewSubstitutionKeyService(hks, factory, nil)
	if err != nil {
		t.Fatalf("Failed to create substitution service: %v", err)
	}
	return service, hks
}

func TestGenerateSubstitutionKey(t *testing.T) {
	clock := newFakeClock()
	service, hks := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate substitution key: %v", err)
	}

	wantID := testAddress + "_substitution_v1"
	if pair.KeyID != wantID {
		t.Errorf("Key ID should be %s, got %s", wantID, pair.KeyID)
	}
	if len(pair.PrivateKey) == 0 || len(pair.PublicKey) == 0 {
		t.Error("Both key halves must be returned to the caller")
	}
	if !pair.Active {
		t.Error("Freshly issued key should be active")
	}

	entity, err := hks.Entity(ctx, pair.KeyID)
	if err != nil {
		t.Fatalf("Failed to load key record: %v", err)
	}
	if entity.Category != CategorySubstitution {
		t.Errorf("Record category should be Substitution, got %s", entity.Category)
	}
	if entity.Algorithm != AlgorithmEC256 {
		t.Errorf("Default signer should be EC-256, got %s", entity.Algorithm)
	}
	if entity.Version != 1 {
		t.Errorf("First key should be version 1, got %d", entity.Version)
	}
	if entity.Provider == "" || entity.VaultKeyID == "" {
		t.Error("Record should reference the resolved vault provider")
	}

	// Cost optimization picks the cheapest provider for the record.
	if entity.Provider != "azure-keyvault" {
		t.Errorf("Cheapest provider should be selected, got %s", entity.Provider)
	}

	// Only the public half is persisted.
	stored, err := hks.RetrieveKey(ctx, pair.KeyID)
	if err != nil {
		t.Fatalf("Failed to retrieve stored half: %v", err)
	}
	if string(stored) != string(pair.PublicKey) {
		t.Error("Stored bytes should be the public key")
	}
	if string(stored) == string(pair.PrivateKey) {
		t.Error("Private key must never be persisted")
	}
}

func TestSubstitutionKeyVersionSequence(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	first, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate first key: %v", err)
	}
	second, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}

	if second.KeyID != testAddress+"_substitution_v2" {
		t.Errorf("Second key should be v2, got %s", second.KeyID)
	}

	// Versions keep counting even past revoked keys.
	if err = service.RevokeSubstitutionKey(ctx, first.KeyID); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	if err = service.RevokeSubstitutionKey(ctx, second.KeyID); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}
	third, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate third key: %v", err)
	}
	if third.KeyID != testAddress+"_substitution_v3" {
		t.Errorf("Version sequence must not reuse revoked versions, got %s", third.KeyID)
	}
}

func TestVerifyRequestSignature(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	request := []byte(`{"action":"transfer","amount":100}`)
	signature, err := NewECDSAProvider().Sign(request, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	if !service.VerifyRequestSignature(ctx, request, signature, pair.KeyID) {
		t.Error("Valid signature should verify")
	}

	tampered := append([]byte(nil), signature...)
	tampered[len(tampered)-1] ^= 0x01
	if service.VerifyRequestSignature(ctx, request, tampered, pair.KeyID) {
		t.Error("Tampered signature must not verify")
	}

	if service.VerifyRequestSignature(ctx, []byte("different request"), signature, pair.KeyID) {
		t.Error("Signature over a different request must not verify")
	}

	if service.VerifyRequestSignature(ctx, request, signature, "missing-key") {
		t.Error("Unknown key ID must not verify")
	}
}

func TestVerifyRequestSignatureGates(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	request := []byte("delegated request")
	signature, err := NewECDSAProvider().Sign(request, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	t.Run("Expired", func(t *testing.T) {
		clock.Advance(91 * 24 * time.Hour)
		defer clock.Advance(-91 * 24 * time.Hour)

		if service.VerifyRequestSignature(ctx, request, signature, pair.KeyID) {
			t.Error("Expired key must not verify, and must not be auto-rotated either")
		}
	})

	t.Run("Revoked", func(t *testing.T) {
		if err := service.RevokeSubstitutionKey(ctx, pair.KeyID); err != nil {
			t.Fatalf("Failed to revoke: %v", err)
		}
		if service.VerifyRequestSignature(ctx, request, signature, pair.KeyID) {
			t.Error("Revoked key must not verify")
		}
	})
}

func TestVerifyAuthorization(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	if !service.VerifyAuthorization(ctx, pair.KeyID, testAddress) {
		t.Error("Key should be authorized for its linked address")
	}
	if service.VerifyAuthorization(ctx, pair.KeyID, "0xother") {
		t.Error("Key must not be authorized for a different address")
	}
	if service.VerifyAuthorization(ctx, "missing-key", testAddress) {
		t.Error("Unknown key must not be authorized")
	}
}

func TestVerifySubstitutionKeyRequest(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	request := []byte("delegated request")
	signature, err := NewECDSAProvider().Sign(request, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	t.Run("Success", func(t *testing.T) {
		result := service.VerifySubstitutionKeyRequest(ctx, request, signature, pair.KeyID, testAddress)
		if !result.Success || !result.SignatureValid || !result.AuthorizedForAddress {
			t.Errorf("Valid request should fully verify, got %+v", result)
		}
		if result.AuthenticatedAddress != testAddress {
			t.Errorf("Authenticated address should be %s, got %s", testAddress, result.AuthenticatedAddress)
		}
	})

	t.Run("WrongAddress", func(t *testing.T) {
		result := service.VerifySubstitutionKeyRequest(ctx, request, signature, pair.KeyID, "0xother")
		if result.Success {
			t.Error("Mismatched address must fail the overall decision")
		}
		if !result.SignatureValid {
			t.Error("Signature leg should still hold")
		}
		if result.AuthorizedForAddress {
			t.Error("Authorization leg must fail")
		}
		if result.ErrorMessage == "" {
			t.Error("Failure should carry an error message")
		}
	})

	t.Run("BadSignature", func(t *testing.T) {
		result := service.VerifySubstitutionKeyRequest(ctx, request, []byte("garbage"), pair.KeyID, testAddress)
		if result.Success || result.SignatureValid {
			t.Error("Garbage signature must fail")
		}
		if !result.AuthorizedForAddress {
			t.Error("Authorization leg should still hold")
		}
	})

	t.Run("NoAddressAsserted", func(t *testing.T) {
		result := service.VerifySubstitutionKeyRequest(ctx, request, signature, pair.KeyID, "")
		if !result.Success {
			t.Errorf("Empty expected address asserts nothing, got %+v", result)
		}
	})

	t.Run("UnknownKey", func(t *testing.T) {
		result := service.VerifySubstitutionKeyRequest(ctx, request, signature, "missing-key", testAddress)
		if result.Success {
			t.Error("Unknown key must fail")
		}
		if result.ErrorMessage == "" {
			t.Error("Failure should carry an error message")
		}
	})
}

func TestResolveByPublicKey(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	entity, err := service.ResolveByPublicKey(ctx, pair.PublicKey)
	if err != nil {
		t.Fatalf("Failed to resolve by public key: %v", err)
	}
	if entity.ID != pair.KeyID {
		t.Errorf("Resolved record should be %s, got %s", pair.KeyID, entity.ID)
	}

	if _, err = service.ResolveByPublicKey(ctx, []byte("unknown key")); !IsKeyNotFound(err) {
		t.Errorf("Unknown public key should report KeyNotFoundError, got %v", err)
	}
}

func TestRotateSubstitutionKey(t *testing.T) {
	clock := newFakeClock()
	service, hks := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	first, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	second, err := service.RotateSubstitutionKey(ctx, testAddress)
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	if second.KeyID != testAddress+"_substitution_v2" {
		t.Errorf("Rotation should issue v2, got %s", second.KeyID)
	}

	old, err := hks.Entity(ctx, first.KeyID)
	if err != nil {
		t.Fatalf("Failed to load old record: %v", err)
	}
	if old.IsActive() {
		t.Error("Rotation should revoke the previous substitution key")
	}

	current, err := service.CurrentSubstitutionKey(ctx, testAddress)
	if err != nil {
		t.Fatalf("Failed to resolve current key: %v", err)
	}
	if current.ID != second.KeyID {
		t.Errorf("Current key should be %s, got %s", second.KeyID, current.ID)
	}

	// Rotation with no prior key simply issues v1.
	fresh, err := service.RotateSubstitutionKey(ctx, "0xnobody")
	if err != nil {
		t.Fatalf("Rotation without a prior key should issue one: %v", err)
	}
	if fresh.KeyID != "0xnobody_substitution_v1" {
		t.Errorf("Expected v1 for a fresh address, got %s", fresh.KeyID)
	}
}

// failingIndexStore refuses index writes once its budget of successful
// saves is spent.
// innerStore aliases persist.Store so it can be embedded without the field
// name shadowing the interface's Store method.
type innerStore = persist.Store

type failingIndexStore struct {
	innerStore
	mu        sync.Mutex
	remaining int
}

func (f *failingIndexStore) SaveIndex(ctx context.Context, data []byte, expectedVersion string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining <= 0 {
		return "", fmt.Errorf("index write refused")
	}
	f.remaining--
	return f.innerStore.SaveIndex(ctx, data, expectedVersion)
}

func TestRotateSubstitutionKeyRevokeFailure(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	fsStore, err := persist.NewFileSystemStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Failed to create filesystem store: %v", err)
	}
	// One index write for the v1 record, one for v2; the revoke of v1 hits
	// the exhausted budget.
	flaky := &failingIndexStore{innerStore: fsStore, remaining: 2}

	hks, err := NewHybridKeyStore(flaky, Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("Failed to create key store: %v", err)
	}
	t.Cleanup(func() {
		hks.Close()
		fsStore.Close()
	})

	service, err := NewSubstitutionKeyService(hks, newTestFactory(t), nil)
	if err != nil {
		t.Fatalf("Failed to create substitution service: %v", err)
	}

	first, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	pair, err := service.RotateSubstitutionKey(ctx, testAddress)
	if err == nil {
		t.Fatal("A failed revoke of the previous key must surface as an error")
	}
	if pair == nil || pair.KeyID != testAddress+"_substitution_v2" {
		t.Fatalf("The issued pair should come back alongside the error, got %+v", pair)
	}

	// The previous key really is still active; the caller now knows.
	old, err := hks.Entity(ctx, first.KeyID)
	if err != nil {
		t.Fatalf("Failed to load previous record: %v", err)
	}
	if !old.IsActive() {
		t.Error("The previous key was not revoked and should still be active")
	}
}

func TestSubstitutionKeysQuery(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	first, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if _, err = service.GenerateSubstitutionKey(ctx, testAddress, nil); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err = service.RevokeSubstitutionKey(ctx, first.KeyID); err != nil {
		t.Fatalf("Failed to revoke: %v", err)
	}

	active, err := service.SubstitutionKeys(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Default query should return only active keys, got %d", len(active))
	}

	all, err := service.SubstitutionKeys(ctx, testAddress, &SubstitutionKeyQuery{IncludeRevoked: true, IncludeExpired: true})
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Inclusive query should return both keys, got %d", len(all))
	}

	v2Plus, err := service.SubstitutionKeys(ctx, testAddress, &SubstitutionKeyQuery{IncludeRevoked: true, MinVersion: 2})
	if err != nil {
		t.Fatalf("Failed to list keys: %v", err)
	}
	if len(v2Plus) != 1 || v2Plus[0].Version != 2 {
		t.Errorf("MinVersion filter should leave only v2, got %d entries", len(v2Plus))
	}
}

func TestSubstitutionKeyStats(t *testing.T) {
	clock := newFakeClock()
	service, _ := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	request := []byte("tracked request")
	signature, err := NewECDSAProvider().Sign(request, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !service.VerifyRequestSignature(ctx, request, signature, pair.KeyID) {
			t.Fatal("Verification should succeed")
		}
	}

	stats, err := service.SubstitutionKeyStats(ctx, pair.KeyID)
	if err != nil {
		t.Fatalf("Failed to load stats: %v", err)
	}
	if stats.UsageCount != 3 {
		t.Errorf("Usage count should be 3, got %d", stats.UsageCount)
	}
	if stats.LastUsedAt == nil {
		t.Error("LastUsedAt should be recorded after verification")
	}
	if !stats.Active || stats.Expired {
		t.Errorf("Key should be active and unexpired, got %+v", stats)
	}
	if stats.AccountAddress != testAddress || stats.Version != 1 {
		t.Errorf("Stats identity fields mismatch: %+v", stats)
	}
}

func TestSubstitutionUpdateExpiration(t *testing.T) {
	clock := newFakeClock()
	service, hks := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	pair, err := service.GenerateSubstitutionKey(ctx, testAddress, nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	// Extending an already-expired delegation key works; there is no
	// auto-rotation path that could get in the way.
	clock.Advance(91 * 24 * time.Hour)
	newExpiry := clock.Now().Add(30 * 24 * time.Hour)
	if err = service.UpdateExpiration(ctx, pair.KeyID, newExpiry); err != nil {
		t.Fatalf("Failed to update expiration: %v", err)
	}

	entity, err := hks.Entity(ctx, pair.KeyID)
	if err != nil {
		t.Fatalf("Failed to load record: %v", err)
	}
	if entity.ExpiresAt == nil || !entity.ExpiresAt.Equal(newExpiry) {
		t.Errorf("Expiration should be extended, got %v", entity.ExpiresAt)
	}

	// The extended key verifies again.
	request := []byte("request after extension")
	signature, err := NewECDSAProvider().Sign(request, pair.PrivateKey)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if !service.VerifyRequestSignature(ctx, request, signature, pair.KeyID) {
		t.Error("Extended key should verify again")
	}

	// Lifecycle keys are out of scope for this path.
	if _, err = hks.StoreKey(ctx, "plain", testAddress, []byte("m"), AlgorithmEC256, CategoryTraditional, nil); err != nil {
		t.Fatalf("Failed to store key: %v", err)
	}
	if err = service.UpdateExpiration(ctx, "plain", newExpiry); err == nil {
		t.Error("Non-substitution keys must be rejected")
	}
}

func TestRevokeSubstitutionKeyTypeCheck(t *testing.T) {
	clock := newFakeClock()
	service, hks := newTestSubstitutionService(t, clock)
	ctx := context.Background()

	if _, err := hks.StoreKey(ctx, "plain", testAddress, []byte("m"), AlgorithmEC256, CategoryTraditional, nil); err != nil {
		t.Fatalf("Failed to store key: %v", err)
	}
	if err := service.RevokeSubstitutionKey(ctx, "plain"); err == nil {
		t.Error("Revoking a non-substitution key through the delegation service must fail")
	}
}

package skyvault

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DualSignature carries two independent signatures over the same message:
// one classical, one post-quantum, each tied to its own key identifier. The
// pairing hedges against a break in either algorithm family.
type DualSignature struct {
	ClassicSignature []byte    `json:"classic_signature"`
	ClassicKeyID     string    `json:"classic_key_id"`
	QuantumSignature []byte    `json:"quantum_signature"`
	QuantumKeyID     string    `json:"quantum_key_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// DualVerification reports the outcome of verifying a DualSignature
// component by component.
type DualVerification struct {
	ClassicValid bool `json:"classic_valid"`
	QuantumValid bool `json:"quantum_valid"`
	Success      bool `json:"success"`
}

// DualSigner composes a classical and a post-quantum signature provider.
// Signing produces both signatures independently; verification checks both
// and succeeds only when both validate.
type DualSigner struct {
	classic SignatureProvider
	quantum SignatureProvider

	// requireBoth demands both components validate for Success. Always on
	// by default; AllowSingleValid relaxes it for migration scenarios.
	requireBoth atomic.Bool

	clock func() time.Time
}

// NewDualSigner composes the two providers. Both are required.
func NewDualSigner(classic, quantum SignatureProvider) (*DualSigner, error) {
	if classic == nil || quantum == nil {
		return nil, fmt.Errorf("both classic and quantum signature providers are required")
	}
	ds := &DualSigner{
		classic: classic,
		quantum: quantum,
		clock:   time.Now,
	}
	ds.requireBoth.Store(true)
	return ds, nil
}

// AllowSingleValid relaxes verification to accept one valid component.
// Intended only for staged rollouts where one key family is still being
// distributed. Safe to call while Verify runs on other goroutines.
func (ds *DualSigner) AllowSingleValid() {
	ds.requireBoth.Store(false)
}

// Sign produces both signature components over message.
func (ds *DualSigner) Sign(message, classicPriv, quantumPriv []byte, classicKeyID, quantumKeyID string) (*DualSignature, error) {
	classicSig, err := ds.classic.Sign(message, classicPriv)
	if err != nil {
		return nil, fmt.Errorf("classic signature failed: %w", err)
	}

	quantumSig, err := ds.quantum.Sign(message, quantumPriv)
	if err != nil {
		return nil, fmt.Errorf("quantum signature failed: %w", err)
	}

	return &DualSignature{
		ClassicSignature: classicSig,
		ClassicKeyID:     classicKeyID,
		QuantumSignature: quantumSig,
		QuantumKeyID:     quantumKeyID,
		CreatedAt:        ds.clock().UTC(),
	}, nil
}

// Verify checks both components independently against their public keys.
// Each component's validity is reported separately so a break in one family
// is visible even when the other still holds.
func (ds *DualSigner) Verify(message []byte, sig *DualSignature, classicPub, quantumPub []byte) DualVerification {
	if sig == nil {
		return DualVerification{}
	}

	result := DualVerification{
		ClassicValid: ds.classic.Verify(message, sig.ClassicSignature, classicPub),
		QuantumValid: ds.quantum.Verify(message, sig.QuantumSignature, quantumPub),
	}

	if ds.requireBoth.Load() {
		result.Success = result.ClassicValid && result.QuantumValid
	} else {
		result.Success = result.ClassicValid || result.QuantumValid
	}
	return result
}

package skyvault

import (
	"sync"
	"testing"
)

func newTestDualSigner(t *testing.T) (*DualSigner, []byte, []byte, []byte, []byte) {
	t.Helper()

	classic := NewECDSAProvider()
	quantum := NewDilithiumProvider()

	signer, err := NewDualSigner(classic, quantum)
	if err != nil {
		t.Fatalf("Failed to create dual signer: %v", err)
	}

	classicPriv, classicPub, err := classic.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate classic pair: %v", err)
	}
	quantumPriv, quantumPub, err := quantum.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate quantum pair: %v", err)
	}

	return signer, classicPriv, classicPub, quantumPriv, quantumPub
}

func TestNewDualSignerRequiresBothProviders(t *testing.T) {
	if _, err := NewDualSigner(nil, NewDilithiumProvider()); err == nil {
		t.Error("Missing classic provider should be rejected")
	}
	if _, err := NewDualSigner(NewECDSAProvider(), nil); err == nil {
		t.Error("Missing quantum provider should be rejected")
	}
}

func TestDualSignAndVerify(t *testing.T) {
	signer, classicPriv, classicPub, quantumPriv, quantumPub := newTestDualSigner(t)

	message := []byte("settlement instruction")
	sig, err := signer.Sign(message, classicPriv, quantumPriv, "ec-key-1", "pq-key-1")
	if err != nil {
		t.Fatalf("Failed to dual-sign: %v", err)
	}

	if len(sig.ClassicSignature) == 0 || len(sig.QuantumSignature) == 0 {
		t.Fatal("Both signature components must be present")
	}
	if sig.ClassicKeyID != "ec-key-1" || sig.QuantumKeyID != "pq-key-1" {
		t.Errorf("Key IDs should be carried through: %+v", sig)
	}
	if sig.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	result := signer.Verify(message, sig, classicPub, quantumPub)
	if !result.ClassicValid || !result.QuantumValid || !result.Success {
		t.Errorf("Full verification should succeed, got %+v", result)
	}
}

func TestDualVerifyComponentIsolation(t *testing.T) {
	signer, classicPriv, classicPub, quantumPriv, quantumPub := newTestDualSigner(t)

	message := []byte("settlement instruction")
	sig, err := signer.Sign(message, classicPriv, quantumPriv, "ec-key-1", "pq-key-1")
	if err != nil {
		t.Fatalf("Failed to dual-sign: %v", err)
	}

	t.Run("TamperedClassic", func(t *testing.T) {
		broken := *sig
		broken.ClassicSignature = append([]byte(nil), sig.ClassicSignature...)
		broken.ClassicSignature[0] ^= 0x01

		result := signer.Verify(message, &broken, classicPub, quantumPub)
		if result.ClassicValid {
			t.Error("Tampered classic component must not verify")
		}
		if !result.QuantumValid {
			t.Error("Quantum component must be unaffected by classic tampering")
		}
		if result.Success {
			t.Error("One broken component must fail the overall decision")
		}
	})

	t.Run("TamperedQuantum", func(t *testing.T) {
		broken := *sig
		broken.QuantumSignature = append([]byte(nil), sig.QuantumSignature...)
		broken.QuantumSignature[0] ^= 0x01

		result := signer.Verify(message, &broken, classicPub, quantumPub)
		if result.QuantumValid {
			t.Error("Tampered quantum component must not verify")
		}
		if !result.ClassicValid {
			t.Error("Classic component must be unaffected by quantum tampering")
		}
		if result.Success {
			t.Error("One broken component must fail the overall decision")
		}
	})

	t.Run("TamperedMessage", func(t *testing.T) {
		result := signer.Verify([]byte("different instruction"), sig, classicPub, quantumPub)
		if result.ClassicValid || result.QuantumValid || result.Success {
			t.Errorf("Different message must fail both components, got %+v", result)
		}
	})

	t.Run("NilSignature", func(t *testing.T) {
		result := signer.Verify(message, nil, classicPub, quantumPub)
		if result.Success || result.ClassicValid || result.QuantumValid {
			t.Error("Nil signature must fail everything")
		}
	})
}

func TestDualVerifyAllowSingleValid(t *testing.T) {
	signer, classicPriv, classicPub, quantumPriv, quantumPub := newTestDualSigner(t)

	message := []byte("migration-period instruction")
	sig, err := signer.Sign(message, classicPriv, quantumPriv, "ec-key-1", "pq-key-1")
	if err != nil {
		t.Fatalf("Failed to dual-sign: %v", err)
	}

	broken := *sig
	broken.ClassicSignature = []byte("garbage")

	// Strict mode rejects one valid component.
	if signer.Verify(message, &broken, classicPub, quantumPub).Success {
		t.Error("Strict mode requires both components")
	}

	// Relaxed mode accepts the surviving quantum component.
	signer.AllowSingleValid()
	result := signer.Verify(message, &broken, classicPub, quantumPub)
	if !result.Success {
		t.Error("Relaxed mode should accept one valid component")
	}
	if result.ClassicValid {
		t.Error("The broken component should still be reported invalid")
	}
}

func TestDualVerifyDuringModeChange(t *testing.T) {
	signer, classicPriv, classicPub, quantumPriv, quantumPub := newTestDualSigner(t)

	message := []byte("concurrent instruction")
	sig, err := signer.Sign(message, classicPriv, quantumPriv, "ec-key-1", "pq-key-1")
	if err != nil {
		t.Fatalf("Failed to dual-sign: %v", err)
	}

	// Verifications keep running while the policy is relaxed mid-flight.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if !signer.Verify(message, sig, classicPub, quantumPub).Success {
					t.Error("A fully valid signature must verify under either policy")
				}
			}
		}()
	}
	signer.AllowSingleValid()
	wg.Wait()

	broken := *sig
	broken.ClassicSignature = []byte("garbage")
	if !signer.Verify(message, &broken, classicPub, quantumPub).Success {
		t.Error("The relaxed policy should hold after the switch")
	}
}

func TestDualSignFailsOnBadKeys(t *testing.T) {
	signer, classicPriv, _, quantumPriv, _ := newTestDualSigner(t)

	message := []byte("instruction")
	if _, err := signer.Sign(message, []byte("bad"), quantumPriv, "a", "b"); err == nil {
		t.Error("Malformed classic private key should fail the whole signing")
	}
	if _, err := signer.Sign(message, classicPriv, []byte("bad"), "a", "b"); err == nil {
		t.Error("Malformed quantum private key should fail the whole signing")
	}
}

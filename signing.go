package skyvault

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Signature algorithm names as they appear in KeyEntity records.
const (
	AlgorithmEC256     = "EC-256"
	AlgorithmDilithium = "DILITHIUM"
)

// SignatureProvider signs and verifies messages for one named algorithm.
// Verify is a boolean security decision: it returns false on any failure,
// malformed keys and signatures included, and never panics or errors.
type SignatureProvider interface {
	// Algorithm names the signature scheme this provider implements.
	Algorithm() string

	// GenerateKeyPair produces a fresh private/public key pair in the
	// provider's wire encoding.
	GenerateKeyPair() (privateKey, publicKey []byte, err error)

	// Sign produces a signature over message with the encoded private key.
	Sign(message, privateKey []byte) ([]byte, error)

	// Verify checks signature over message against the encoded public key.
	Verify(message, signature, publicKey []byte) bool
}

// Ensure both providers implement SignatureProvider
var (
	_ SignatureProvider = (*ECDSAProvider)(nil)
	_ SignatureProvider = (*DilithiumProvider)(nil)
)

// ECDSAProvider implements classical signing over NIST P-256 with SHA-256
// digesting. Signatures are encoded as an ASN.1 two-integer (r, s) sequence.
// Private keys use SEC 1 DER encoding, public keys PKIX DER.
type ECDSAProvider struct{}

// NewECDSAProvider returns the classical EC-256 signature provider.
func NewECDSAProvider() *ECDSAProvider { return &ECDSAProvider{} }

func (p *ECDSAProvider) Algorithm() string { return AlgorithmEC256 }

func (p *ECDSAProvider) GenerateKeyPair() ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmEC256, Err: err}
	}

	privateKey, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmEC256, Err: err}
	}

	publicKey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmEC256, Err: err}
	}

	return privateKey, publicKey, nil
}

func (p *ECDSAProvider) Sign(message, privateKey []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmEC256, Err: fmt.Errorf("message cannot be empty")}
	}

	key, err := x509.ParseECPrivateKey(privateKey)
	if err != nil {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmEC256, Err: fmt.Errorf("invalid private key: %w", err)}
	}

	digest := sha256.Sum256(message)
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmEC256, Err: err}
	}

	return signature, nil
}

func (p *ECDSAProvider) Verify(message, signature, publicKey []byte) bool {
	if len(message) == 0 || len(signature) == 0 {
		return false
	}

	parsed, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return false
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return false
	}

	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}

// DilithiumProvider implements post-quantum signing with ML-DSA-65. Keys and
// signatures use the scheme's binary encoding. Further post-quantum
// algorithms plug in behind the same SignatureProvider contract.
type DilithiumProvider struct{}

// NewDilithiumProvider returns the ML-DSA-65 signature provider.
func NewDilithiumProvider() *DilithiumProvider { return &DilithiumProvider{} }

func (p *DilithiumProvider) Algorithm() string { return AlgorithmDilithium }

func (p *DilithiumProvider) GenerateKeyPair() ([]byte, []byte, error) {
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmDilithium, Err: err}
	}

	privateKey, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmDilithium, Err: err}
	}

	publicKey, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, &KeyOperationError{Op: "generate", Algorithm: AlgorithmDilithium, Err: err}
	}

	return privateKey, publicKey, nil
}

func (p *DilithiumProvider) Sign(message, privateKey []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmDilithium, Err: fmt.Errorf("message cannot be empty")}
	}

	var priv mldsa65.PrivateKey
	if err := priv.UnmarshalBinary(privateKey); err != nil {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmDilithium, Err: fmt.Errorf("invalid private key: %w", err)}
	}

	signature := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(&priv, message, nil, false, signature); err != nil {
		return nil, &KeyOperationError{Op: "sign", Algorithm: AlgorithmDilithium, Err: err}
	}

	return signature, nil
}

func (p *DilithiumProvider) Verify(message, signature, publicKey []byte) bool {
	if len(message) == 0 || len(signature) != mldsa65.SignatureSize {
		return false
	}

	var pub mldsa65.PublicKey
	if err := pub.UnmarshalBinary(publicKey); err != nil {
		return false
	}

	return mldsa65.Verify(&pub, message, nil, signature)
}

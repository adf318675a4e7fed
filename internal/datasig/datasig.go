// Package datasig signs and verifies canonical certificate bytes with
// ECDSA P-256 over SHA-256.
package datasig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/canonical"
)

// coordSize is the byte length of a P-256 scalar.
const coordSize = 32

// Signer holds the issuer's private key. Build it once at startup.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a PEM encoded PKCS#8 or SEC1 P-256 private key.
func NewSigner(pemKey string) (*Signer, error) {
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, apperrors.Configuration("invalid data signing key", err)
	}
	return &Signer{key: key}, nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return nil, apperrors.Configuration("data signing key must be P-256", nil)
	}
	return &Signer{key: key}, nil
}

// Sign returns the base64 IEEE-P1363 (r||s) signature over data.
func (s *Signer) Sign(data []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", apperrors.Configuration("data signing key is not configured", nil)
	}
	digest := sha256.Sum256(data)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", apperrors.Configuration("data signing failed", err)
	}
	sig := make([]byte, 2*coordSize)
	r.FillBytes(sig[:coordSize])
	sv.FillBytes(sig[coordSize:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignFields signs the versioned canonical encoding of f.
func (s *Signer) SignFields(f canonical.Fields) (string, error) {
	if err := f.Validate(); err != nil {
		return "", apperrors.Validation(err.Error(), nil)
	}
	return s.Sign(canonical.Encode(f))
}

// Public returns the verifier paired with this signer.
func (s *Signer) Public() *Verifier {
	return &Verifier{key: &s.key.PublicKey}
}

// Verifier checks signatures with the issuer's public key.
type Verifier struct {
	key *ecdsa.PublicKey
}

// NewVerifier parses a PEM encoded SPKI public key.
func NewVerifier(pemKey string) (*Verifier, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemKey)))
	if block == nil {
		return nil, apperrors.Configuration("public key is not PEM encoded", nil)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apperrors.Configuration("invalid public key", err)
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecKey.Curve != elliptic.P256() {
		return nil, apperrors.Configuration("public key must be ECDSA P-256", nil)
	}
	return &Verifier{key: ecKey}, nil
}

// Verify reports whether sigB64 is a valid signature over data. Malformed
// input yields false.
func (v *Verifier) Verify(data []byte, sigB64 string) bool {
	if v == nil || v.key == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	if len(raw) == 2*coordSize {
		r := new(big.Int).SetBytes(raw[:coordSize])
		s := new(big.Int).SetBytes(raw[coordSize:])
		return ecdsa.Verify(v.key, digest[:], r, s)
	}
	// DER encoded signatures from older tooling.
	return ecdsa.VerifyASN1(v.key, digest[:], raw)
}

// VerifyFields checks sigB64 against the versioned encoding of f and falls
// back to the legacy unversioned encoding.
func (v *Verifier) VerifyFields(f canonical.Fields, sigB64 string) bool {
	if v.Verify(canonical.Encode(f), sigB64) {
		return true
	}
	return v.Verify(canonical.EncodeLegacy(f), sigB64)
}

// GenerateKeyPair creates a fresh P-256 key pair as PEM (PKCS#8, SPKI).
func GenerateKeyPair() (privPEM, pubPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM, nil
}

// NormalizePEM turns escaped newlines from environment variables into real
// ones.
func NormalizePEM(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
}

func parsePrivateKey(pemKey string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemKey)))
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = k
	default:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		k, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want ECDSA", parsed)
		}
		key = k
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("private key curve is %s, want P-256", key.Curve.Params().Name)
	}
	return key, nil
}

// Package securitytest builds throwaway signing identities for tests.
package securitytest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// KeyType selects the key algorithm of a generated identity.
type KeyType int

const (
	RSA2048 KeyType = iota
	ECDSAP256
)

// Bundle is a generated PKCS#12 bundle with its passphrase.
type Bundle struct {
	P12        []byte
	Passphrase string
	Key        crypto.Signer
	Cert       *x509.Certificate
}

// NewBundle generates a self-signed certificate and wraps it in PKCS#12.
func NewBundle(t testing.TB, commonName string, kt KeyType) Bundle {
	t.Helper()
	var key crypto.Signer
	var err error
	switch kt {
	case ECDSAP256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"Certificate Issuer"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	const passphrase = "test-passphrase"
	p12, err := pkcs12.Modern.Encode(key, cert, nil, passphrase)
	if err != nil {
		t.Fatalf("encode pkcs12: %v", err)
	}
	return Bundle{P12: p12, Passphrase: passphrase, Key: key, Cert: cert}
}

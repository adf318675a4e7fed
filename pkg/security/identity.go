package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"software.sslmate.com/src/go-pkcs12"

	"event-certs/certificate-backend/internal/apperrors"
)

// cmsOverhead covers the CMS envelope, algorithm identifiers and signed
// attributes around the certificates and signature value.
const cmsOverhead = 1024

// Identity is the container-signing credential: a private key, its
// certificate and any intermediates. It is read-only after loading.
type Identity struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// LoadIdentity decodes a PKCS#12 bundle.
func LoadIdentity(p12 []byte, passphrase string) (*Identity, error) {
	if len(p12) == 0 {
		return nil, apperrors.Identity("PKCS#12 bundle is empty", nil)
	}
	key, cert, chain, err := pkcs12.DecodeChain(p12, passphrase)
	if err != nil {
		return nil, apperrors.Identity("failed to decode PKCS#12 bundle", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, apperrors.Identity(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	id := &Identity{Key: signer, Certificate: cert, Chain: chain}
	if _, err := id.maxSignatureSize(); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadIdentityBase64 decodes a base64 PKCS#12 bundle, as supplied through
// environment configuration.
func LoadIdentityBase64(b64, passphrase string) (*Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, apperrors.Identity("PKCS#12 bundle is not valid base64", err)
	}
	return LoadIdentity(raw, passphrase)
}

// Algorithm names the signature algorithm of the key.
func (id *Identity) Algorithm() string {
	switch k := id.Key.Public().(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", k.N.BitLen())
	case *ecdsa.PublicKey:
		return "ECDSA-" + k.Curve.Params().Name
	}
	return "unknown"
}

// SubjectName returns the certificate subject common name.
func (id *Identity) SubjectName() string {
	if id.Certificate == nil {
		return ""
	}
	return id.Certificate.Subject.CommonName
}

// maxSignatureSize is the largest raw signature value the key can produce.
func (id *Identity) maxSignatureSize() (int, error) {
	switch k := id.Key.Public().(type) {
	case *rsa.PublicKey:
		return k.Size(), nil
	case *ecdsa.PublicKey:
		n := (k.Curve.Params().BitSize + 7) / 8
		// DER SEQUENCE of two INTEGERs, each possibly padded by one byte.
		return 2*(n+1) + 7, nil
	}
	return 0, apperrors.Identity(fmt.Sprintf("unsupported signing key %T", id.Key.Public()), nil)
}

// PlaceholderSize is the number of bytes reserved for the CMS blob. It is
// derived from the key algorithm and the certificates embedded in the
// signature, never a fixed constant.
func (id *Identity) PlaceholderSize() int {
	sig, err := id.maxSignatureSize()
	if err != nil {
		return 0
	}
	size := sig + cmsOverhead
	if id.Certificate != nil {
		size += len(id.Certificate.Raw) + len(id.Certificate.RawIssuer)
	}
	for _, c := range id.Chain {
		size += len(c.Raw)
	}
	return size
}

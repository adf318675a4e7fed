package datasig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/canonical"
)

func fields() canonical.Fields {
	return canonical.Fields{
		Name:        "Ahmad Faiz",
		StudentID:   "2022001122",
		Course:      "AS120",
		Part:        2,
		Group:       "B",
		EventID:     "evt-77",
		EventDate:   canonical.NewDate(2024, time.May, 12),
		TemplateRef: "templates/gold.png",
	}
}

func newPair(t *testing.T) (*Signer, *Verifier) {
	t.Helper()
	privPEM, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := NewSigner(privPEM)
	require.NoError(t, err)
	verifier, err := NewVerifier(pubPEM)
	require.NoError(t, err)
	return signer, verifier
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, verifier := newPair(t)

	sig, err := signer.SignFields(fields())
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.Len(t, raw, 64)
	assert.True(t, verifier.VerifyFields(fields(), sig))
	assert.True(t, signer.Public().VerifyFields(fields(), sig))
}

func TestTamperedFieldFailsVerification(t *testing.T) {
	signer, verifier := newPair(t)
	sig, err := signer.SignFields(fields())
	require.NoError(t, err)

	tampered := fields()
	tampered.Part = 3
	assert.False(t, verifier.VerifyFields(tampered, sig))
}

func TestLegacySignatureStillVerifies(t *testing.T) {
	signer, verifier := newPair(t)
	sig, err := signer.Sign(canonical.EncodeLegacy(fields()))
	require.NoError(t, err)

	assert.True(t, verifier.VerifyFields(fields(), sig))
}

func TestVerifyMalformedInputReturnsFalse(t *testing.T) {
	_, verifier := newPair(t)
	data := canonical.Encode(fields())

	assert.False(t, verifier.Verify(data, "%%%not-base64%%%"))
	assert.False(t, verifier.Verify(data, ""))
	assert.False(t, verifier.Verify(data, base64.StdEncoding.EncodeToString([]byte("short"))))

	var nilVerifier *Verifier
	assert.False(t, nilVerifier.Verify(data, "AAAA"))
}

func TestVerifyAcceptsDERSignature(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	data := canonical.Encode(fields())
	digest := sha256.Sum256(data)
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	signer, err := NewSignerFromKey(key)
	require.NoError(t, err)
	assert.True(t, signer.Public().Verify(data, base64.StdEncoding.EncodeToString(der)))
}

func TestNewVerifierRejectsOtherCurves(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	_, err = NewVerifier(pubPEM)
	assert.True(t, apperrors.KindOf(err) == apperrors.KindConfiguration)
}

func TestNewSignerAcceptsEscapedNewlines(t *testing.T) {
	privPEM, _, err := GenerateKeyPair()
	require.NoError(t, err)

	escaped := strings.ReplaceAll(privPEM, "\n", `\n`)
	_, err = NewSigner(escaped)
	assert.NoError(t, err)
}

func TestSignWithoutKeyIsConfigurationError(t *testing.T) {
	var s *Signer
	_, err := s.Sign([]byte("x"))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))

	_, err = NewSigner("not a key")
	assert.Equal(t, apperrors.KindConfiguration, apperrors.KindOf(err))
}

func TestSignFieldsRejectsInvalidTuple(t *testing.T) {
	signer, _ := newPair(t)
	f := fields()
	f.Part = -1

	_, err := signer.SignFields(f)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

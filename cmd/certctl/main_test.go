package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-certs/certificate-backend/pkg/security/securitytest"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const fieldJSON = `{"name":"Ada Lovelace","studentID":"S-1","course":"Math","part":2,
"group":"A","eventId":"evt-1","eventDate":"2026-03-01","certificateTemplate":"tpl-1"}`

func TestKeygenSignAndVerifyData(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "", "keygen", "--out-dir", dir)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "certificate_private_key.pem")
	pubPath := filepath.Join(dir, "certificate_public_key.pem")
	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	sig, err := execute(t, fieldJSON, "sign-data", "--key", privPath)
	require.NoError(t, err)
	sig = strings.TrimSpace(sig)
	_, err = base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	out, err := execute(t, fieldJSON, "verify-data", "--key", pubPath, "--signature", sig)
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)

	tampered := strings.Replace(fieldJSON, "Ada Lovelace", "Ada Byron", 1)
	_, err = execute(t, tampered, "verify-data", "--key", pubPath, "--signature", sig)
	assert.EqualError(t, err, "data signature is invalid")
}

func TestKeygenPrintsBothKeys(t *testing.T) {
	out, err := execute(t, "", "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "PRIVATE KEY")
	assert.Contains(t, out, "PUBLIC KEY")
}

func TestSignDataRequiresKey(t *testing.T) {
	t.Setenv("CERTIFICATE_PRIVATE_KEY", "")
	_, err := execute(t, fieldJSON, "sign-data")
	assert.ErrorContains(t, err, "CERTIFICATE_PRIVATE_KEY")
}

func TestVerifyDataRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "", "keygen", "--out-dir", dir)
	require.NoError(t, err)
	_, err = execute(t, "{", "verify-data", "--key", filepath.Join(dir, "certificate_public_key.pem"), "--signature", "AA==")
	assert.ErrorContains(t, err, "invalid field JSON")
}

func TestP12InspectAndBase64(t *testing.T) {
	bundle := securitytest.NewBundle(t, "Event Certificates", securitytest.ECDSAP256)
	path := filepath.Join(t.TempDir(), "signer.p12")
	require.NoError(t, os.WriteFile(path, bundle.P12, 0o600))

	out, err := execute(t, "", "p12", "inspect", "--file", path, "--passphrase", bundle.Passphrase)
	require.NoError(t, err)
	var summary identitySummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Contains(t, summary.Subject, "Event Certificates")
	assert.False(t, summary.Expired)
	assert.Positive(t, summary.PlaceholderSize)

	encoded, err := execute(t, "", "p12", "base64", path)
	require.NoError(t, err)
	t.Setenv("P12_CERTIFICATE", strings.TrimSpace(encoded))
	t.Setenv("P12_PASSPHRASE", bundle.Passphrase)
	out, err = execute(t, "", "p12", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "Event Certificates")

	_, err = execute(t, "", "p12", "inspect", "--file", path, "--passphrase", "wrong")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("JWT_ISSUER", "")
	out, err := execute(t, "", "token", "--email", "signer@example.com", "--issuer", "certs")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("dev-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "certs", claims["iss"])

	t.Setenv("JWT_SECRET", "")
	_, err = execute(t, "", "token", "--email", "signer@example.com")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestVerifyPDFMissingFile(t *testing.T) {
	_, err := execute(t, "", "verify-pdf", filepath.Join(t.TempDir(), "absent.pdf"))
	assert.Error(t, err)
}

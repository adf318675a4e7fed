package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"go.mozilla.org/pkcs7"

	"event-certs/certificate-backend/internal/apperrors"
)

// Engine produces detached CMS signatures. It initialises lazily on first
// use; a failed initialisation is reported as a transient engine error and
// attempted again on the next call.
type Engine struct {
	mu      sync.Mutex
	ready   bool
	entropy io.Reader
	initFn  func() error
}

// NewEngine returns an engine that self-tests its entropy source on first
// use.
func NewEngine() *Engine {
	e := &Engine{entropy: rand.Reader}
	e.initFn = e.selfTest
	return e
}

// NewEngineWithInit lets callers substitute the initialisation step.
func NewEngineWithInit(initFn func() error) *Engine {
	return &Engine{entropy: rand.Reader, initFn: initFn}
}

func (e *Engine) selfTest() error {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(e.entropy, buf); err != nil {
		return fmt.Errorf("entropy source unavailable: %w", err)
	}
	return nil
}

func (e *Engine) ensureReady() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	if e.initFn != nil {
		if err := e.initFn(); err != nil {
			return apperrors.TransientEngine("signing engine failed to initialise", err)
		}
	}
	e.ready = true
	return nil
}

// Warmup forces initialisation.
func (e *Engine) Warmup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.ensureReady()
}

// Ready reports whether initialisation has succeeded.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// SignDetached returns a DER CMS SignedData over content, without the
// content itself, with SHA-256 digests.
func (e *Engine) SignDetached(id *Identity, content []byte) ([]byte, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if id == nil || id.Key == nil || id.Certificate == nil {
		return nil, apperrors.Identity("signing identity is not loaded", nil)
	}
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(id.Certificate, id.Key, id.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, apperrors.Identity("failed to add signer", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signed data: %w", err)
	}
	return der, nil
}

// ValidatePlaceholder signs a sample buffer and checks that the result fits
// the reserved placeholder. Run it once when configuration is loaded.
func (e *Engine) ValidatePlaceholder(id *Identity) error {
	sample := make([]byte, 64)
	der, err := e.SignDetached(id, sample)
	if err != nil {
		return err
	}
	if size := id.PlaceholderSize(); len(der) > size {
		return apperrors.Configuration(
			fmt.Sprintf("signature of %d bytes exceeds reserved placeholder of %d bytes for %s", len(der), size, id.Algorithm()),
			nil)
	}
	return nil
}

// VerifyDetached checks a detached CMS signature over content and returns
// the signer's certificate subject common name.
func VerifyDetached(der, content []byte) (string, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return "", fmt.Errorf("failed to parse CMS: %w", err)
	}
	p7.Content = content
	if err := p7.Verify(); err != nil {
		return "", err
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return "", nil
	}
	return signer.Subject.CommonName, nil
}

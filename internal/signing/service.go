package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/metrics"
	"event-certs/certificate-backend/pkg/pdf"
	"event-certs/certificate-backend/pkg/security"
	"event-certs/certificate-backend/pkg/storage"
)

// ContainerSigner embeds a container signature into a document.
type ContainerSigner interface {
	Sign(ctx context.Context, doc []byte, opts security.SignOptions) ([]byte, error)
}

// Item is one certificate to sign. Document is optional; without it the
// certificate is rendered from its record.
type Item struct {
	CertificateID string
	Document      []byte
}

// ItemOutcome reports the signing result and the status write separately.
// SignErr decides success; PersistErr is bookkeeping only.
type ItemOutcome struct {
	CertificateID string
	DocumentRef   string
	Attempts      int
	SignErr       error
	PersistErr    error
}

// Succeeded reports whether the certificate was signed.
func (o ItemOutcome) Succeeded() bool { return o.SignErr == nil }

// Options is the metadata stamped on every signature.
type Options struct {
	Reason        string
	ContactInfo   string
	Location      string
	Issuer        string
	VerifyBaseURL string
}

// DefaultOptions mirrors the metadata of the certificates issued so far.
func DefaultOptions() Options {
	return Options{
		Reason:   "Certificate Validation",
		Location: "Online",
	}
}

// Service signs single certificates and records their status.
type Service struct {
	certs     certificates.Service
	signer    ContainerSigner
	renderer  pdf.Generator
	templates storage.TemplateFetcher
	artifacts storage.ArtifactStore
	retrier   *Retrier
	audit     audit.Recorder
	metrics   *metrics.Metrics
	options   Options
	logger    *zap.Logger
	now       func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Certificates certificates.Service
	Signer       ContainerSigner
	Renderer     pdf.Generator
	Templates    storage.TemplateFetcher
	Artifacts    storage.ArtifactStore
	Retrier      *Retrier
	Audit        audit.Recorder
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

func NewService(deps Deps, options Options) *Service {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retrier == nil {
		deps.Retrier = NewRetrier(DefaultRetryPolicy(), ContextSleep, deps.Logger)
	}
	m := deps.Metrics
	deps.Retrier.OnAttempt(func(err error) {
		switch {
		case err == nil:
			m.ObserveSignAttempt("success")
		case apperrors.IsTransient(err):
			m.ObserveSignAttempt("transient")
		default:
			m.ObserveSignAttempt("failure")
		}
	})
	return &Service{
		certs:     deps.Certificates,
		signer:    deps.Signer,
		renderer:  deps.Renderer,
		templates: deps.Templates,
		artifacts: deps.Artifacts,
		retrier:   deps.Retrier,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		options:   options,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// Configured reports whether a container signer is available.
func (s *Service) Configured() bool { return s.signer != nil }

// SignOne signs a single certificate. Errors about the record itself
// (missing, already signed) are returned in the outcome without a status
// write; every later failure moves the record to error.
func (s *Service) SignOne(ctx context.Context, actor string, item Item) ItemOutcome {
	out := ItemOutcome{CertificateID: item.CertificateID}
	log := s.logger.With(zap.String("certificate_id", item.CertificateID))

	record, err := s.certs.BeginAttempt(ctx, item.CertificateID)
	if err != nil {
		out.SignErr = err
		s.finish(ctx, actor, log, out)
		return out
	}

	ref, attempts, err := s.produce(ctx, record, item.Document)
	out.Attempts = attempts
	// Status writes must land even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		out.SignErr = err
		if perr := s.certs.MarkFailed(persistCtx, record.ID, apperrors.Describe(err)); perr != nil {
			out.PersistErr = perr
		}
		s.finish(ctx, actor, log, out)
		return out
	}

	out.DocumentRef = ref
	perr := s.markSigned(persistCtx, record.ID, ref)
	switch {
	case perr == nil:
	case errors.Is(perr, apperrors.ErrState):
		// Another writer settled the record first. Its artifact is the one
		// the record serves; ours is orphaned.
		out.SignErr = perr
		out.DocumentRef = ""
		if derr := s.artifacts.Delete(persistCtx, ref); derr != nil {
			log.Warn("Failed to remove superseded artifact", zap.String("document_ref", ref), zap.Error(derr))
		}
	default:
		// The signed document stays stored so the outcome can still be served.
		out.PersistErr = perr
	}
	s.finish(ctx, actor, log, out)
	return out
}

func (s *Service) produce(ctx context.Context, c *certificates.Certificate, supplied []byte) (string, int, error) {
	if s.signer == nil {
		return "", 0, apperrors.Configuration("container signing identity is not configured", nil)
	}
	doc := supplied
	if len(doc) == 0 {
		rendered, err := s.render(ctx, c)
		if err != nil {
			return "", 0, err
		}
		doc = rendered
	}

	opts := security.SignOptions{
		CertificateID: c.ID,
		Reason:        s.options.Reason,
		ContactInfo:   s.options.ContactInfo,
		Name:          c.Name,
		Location:      s.options.Location,
		SigningTime:   s.now(),
	}
	var signed []byte
	attempts, err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var serr error
		signed, serr = s.signer.Sign(ctx, doc, opts)
		return serr
	})
	if err != nil {
		return "", attempts, err
	}

	key := fmt.Sprintf("certificates/%s/%s.pdf", c.ID, uuid.NewString())
	ref, err := s.artifacts.Put(ctx, key, signed, "application/pdf")
	if err != nil {
		return "", attempts, fmt.Errorf("failed to store signed certificate: %w", err)
	}
	return ref, attempts, nil
}

func (s *Service) render(ctx context.Context, c *certificates.Certificate) ([]byte, error) {
	if s.renderer == nil {
		return nil, apperrors.Validation("no document supplied and rendering is not configured", nil)
	}
	var background []byte
	if c.TemplateRef != "" && s.templates != nil {
		b, err := s.templates.Fetch(ctx, c.TemplateRef)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch certificate template: %w", err)
		}
		background = b
	}
	data := pdf.RenderData{
		CertificateID: c.ID,
		Name:          c.Name,
		StudentID:     c.StudentID,
		Course:        c.Course,
		Part:          c.Part,
		Group:         c.Group,
		EventName:     c.EventName,
		EventDate:     c.EventDate,
		Issuer:        s.options.Issuer,
		TemplateImage: background,
	}
	if s.options.VerifyBaseURL != "" {
		data.VerifyURL = s.options.VerifyBaseURL + "/" + c.ID
	}
	doc, err := s.renderer.Generate(ctx, data)
	if err != nil {
		return nil, apperrors.DocumentFormat("failed to render certificate", err)
	}
	return doc, nil
}

type signatureSummary struct {
	Reason      string    `json:"reason"`
	Name        string    `json:"name,omitempty"`
	Location    string    `json:"location,omitempty"`
	ContactInfo string    `json:"contactInfo,omitempty"`
	SignedAt    time.Time `json:"signedAt"`
}

func (s *Service) markSigned(ctx context.Context, id, ref string) error {
	at := s.now()
	raw, err := json.Marshal(signatureSummary{
		Reason:      s.options.Reason,
		Location:    s.options.Location,
		ContactInfo: s.options.ContactInfo,
		SignedAt:    at.UTC(),
	})
	if err != nil {
		return err
	}
	t, err := certificates.Signed(ref, at, types.JSONText(raw))
	if err != nil {
		return err
	}
	return s.certs.MarkSigned(ctx, id, t)
}

func (s *Service) finish(ctx context.Context, actor string, log *zap.Logger, out ItemOutcome) {
	entry := audit.Entry{CertificateID: out.CertificateID, Action: audit.ActionSign, Actor: actor}
	details := map[string]interface{}{"attempts": out.Attempts}
	if out.SignErr != nil {
		entry.Outcome = audit.OutcomeFailed
		details["error"] = apperrors.Describe(out.SignErr)
		s.metrics.ObserveSigned("failure")
		log.Warn("Certificate signing failed", zap.Int("attempts", out.Attempts), zap.Error(out.SignErr))
	} else {
		entry.Outcome = audit.OutcomeSucceeded
		details["documentRef"] = out.DocumentRef
		s.metrics.ObserveSigned("success")
		log.Info("Certificate signed", zap.String("document_ref", out.DocumentRef), zap.Int("attempts", out.Attempts))
	}
	if out.PersistErr != nil {
		details["persistError"] = out.PersistErr.Error()
		s.metrics.ObservePersistFailure()
		log.Error("Failed to record certificate status", zap.Error(out.PersistErr))
	}
	s.audit.Record(context.WithoutCancel(ctx), entry, details)
}

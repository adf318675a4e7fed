package certificates

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/canonical"
	"event-certs/certificate-backend/internal/datasig"
	"event-certs/certificate-backend/pkg/storage"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) ([]Certificate, error)
	Get(ctx context.Context, id string) (*Certificate, error)
	List(ctx context.Context, filter Filter) ([]Certificate, error)
	Summary(ctx context.Context, eventID string) (*StatusSummary, error)
	Delete(ctx context.Context, id string) error
	DeleteEvent(ctx context.Context, eventID string) (int, error)
	UpdateTemplate(ctx context.Context, eventID, templateRef string) (int, error)
	VerifyData(ctx context.Context, id string) (*DataVerification, error)
	CheckData(c *Certificate) *DataVerification

	// Status machine writes used by the signing pipeline.
	BeginAttempt(ctx context.Context, id string) (*Certificate, error)
	MarkSigned(ctx context.Context, id string, t Transition) error
	MarkFailed(ctx context.Context, id string, message string) error
}

type certificateService struct {
	repo      Repository
	signer    *datasig.Signer
	verifier  *datasig.Verifier
	artifacts storage.ArtifactStore
	logger    *zap.Logger
}

func NewService(repo Repository, signer *datasig.Signer, verifier *datasig.Verifier, artifacts storage.ArtifactStore, logger *zap.Logger) Service {
	return &certificateService{
		repo:      repo,
		signer:    signer,
		verifier:  verifier,
		artifacts: artifacts,
		logger:    logger,
	}
}

func (s *certificateService) Create(ctx context.Context, req CreateRequest) ([]Certificate, error) {
	if strings.TrimSpace(req.EventID) == "" {
		return nil, apperrors.Validation("eventId is required", nil)
	}
	if len(req.Participants) == 0 {
		return nil, apperrors.Validation("at least one participant is required", nil)
	}
	date, err := canonical.ParseDate(req.EventDate)
	if err != nil {
		return nil, apperrors.Validation(err.Error(), nil)
	}

	certs := make([]Certificate, 0, len(req.Participants))
	for i, p := range req.Participants {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.StudentID) == "" {
			return nil, apperrors.Validation(fmt.Sprintf("participant %d: name and studentID are required", i+1), nil)
		}
		if p.Part < 0 {
			return nil, apperrors.Validation(fmt.Sprintf("participant %d: part must be >= 0", i+1), nil)
		}
		c := Certificate{
			ID:          uuid.NewString(),
			EventID:     req.EventID,
			EventName:   req.EventName,
			StudentID:   strings.TrimSpace(p.StudentID),
			Email:       strings.TrimSpace(p.Email),
			CertNumber:  p.CertNumber,
			Name:        strings.TrimSpace(p.Name),
			Course:      p.Course,
			Part:        p.Part,
			Group:       p.Group,
			EventDate:   date.String(),
			TemplateRef: req.TemplateRef,
			Status:      StatusPending,
		}
		sig, err := s.sign(c)
		if err != nil {
			return nil, err
		}
		c.DataSignature = &sig
		certs = append(certs, c)
	}

	if err := s.repo.CreateMany(ctx, certs); err != nil {
		return nil, err
	}
	s.logger.Info("Certificates created",
		zap.String("event_id", req.EventID),
		zap.Int("count", len(certs)))
	return certs, nil
}

func (s *certificateService) sign(c Certificate) (string, error) {
	if s.signer == nil {
		return "", apperrors.Configuration("data signing key is not configured", nil)
	}
	fields, err := c.Fields()
	if err != nil {
		return "", apperrors.Validation(err.Error(), nil)
	}
	return s.signer.SignFields(fields)
}

func (s *certificateService) Get(ctx context.Context, id string) (*Certificate, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("certificate %s not found", id), nil)
	}
	return c, nil
}

func (s *certificateService) List(ctx context.Context, filter Filter) ([]Certificate, error) {
	switch filter.Status {
	case "", StatusPending, StatusSigned, StatusError:
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown status %q", filter.Status), nil)
	}
	return s.repo.List(ctx, filter)
}

func (s *certificateService) Summary(ctx context.Context, eventID string) (*StatusSummary, error) {
	counts, err := s.repo.CountByStatus(ctx, eventID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &StatusSummary{EventID: eventID, Total: total, Counts: counts}, nil
}

func (s *certificateService) Delete(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.removeArtifact(ctx, c)
	return nil
}

// DeleteEvent removes every certificate of an event along with the signed
// documents.
func (s *certificateService) DeleteEvent(ctx context.Context, eventID string) (int, error) {
	certs, err := s.repo.List(ctx, Filter{EventID: eventID})
	if err != nil {
		return 0, err
	}
	if err := s.repo.DeleteByEvent(ctx, eventID); err != nil {
		return 0, err
	}
	for i := range certs {
		s.removeArtifact(ctx, &certs[i])
	}
	s.logger.Info("Event certificates deleted", zap.String("event_id", eventID), zap.Int("count", len(certs)))
	return len(certs), nil
}

func (s *certificateService) removeArtifact(ctx context.Context, c *Certificate) {
	if c.DocumentRef == nil || s.artifacts == nil {
		return
	}
	if err := s.artifacts.Delete(ctx, *c.DocumentRef); err != nil {
		s.logger.Warn("Failed to delete signed document",
			zap.String("certificate_id", c.ID),
			zap.Error(err))
	}
}

// UpdateTemplate re-points pending certificates of an event to a new
// template and re-signs their data. Signed and errored records keep the
// template they were issued with.
func (s *certificateService) UpdateTemplate(ctx context.Context, eventID, templateRef string) (int, error) {
	pending, err := s.repo.List(ctx, Filter{EventID: eventID, Status: StatusPending})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, c := range pending {
		c.TemplateRef = templateRef
		sig, err := s.sign(c)
		if err != nil {
			return updated, err
		}
		ok, err := s.repo.RepointPending(ctx, c.ID, templateRef, &sig)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	s.logger.Info("Certificate template updated",
		zap.String("event_id", eventID),
		zap.Int("updated", updated),
		zap.Int("pending", len(pending)))
	return updated, nil
}

func (s *certificateService) VerifyData(ctx context.Context, id string) (*DataVerification, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.CheckData(c), nil
}

// CheckData verifies a record's data signature against its own fields.
func (s *certificateService) CheckData(c *Certificate) *DataVerification {
	out := &DataVerification{CertificateID: c.ID}
	if c.DataSignature == nil || *c.DataSignature == "" || s.verifier == nil {
		return out
	}
	out.HasSignature = true
	fields, err := c.Fields()
	if err != nil {
		return out
	}
	out.Valid = s.verifier.VerifyFields(fields, *c.DataSignature)
	return out
}

// BeginAttempt loads a record for signing. A signed record is rejected and
// an errored one is moved back to pending.
func (s *certificateService) BeginAttempt(ctx context.Context, id string) (*Certificate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(c.Status) {
		return nil, apperrors.State(fmt.Sprintf("certificate %s is already %s", id, c.Status), nil)
	}
	switch c.Status {
	case StatusError:
		retry := Retry()
		if err := s.repo.Transition(ctx, id, []Status{StatusError}, retry); err != nil {
			return nil, err
		}
		next, err := Apply(*c, retry)
		if err != nil {
			return nil, err
		}
		c = &next
	}
	return c, nil
}

func (s *certificateService) MarkSigned(ctx context.Context, id string, t Transition) error {
	if t.To != StatusSigned {
		return apperrors.State("transition is not a signing transition", nil)
	}
	return s.repo.Transition(ctx, id, t.From(), t)
}

func (s *certificateService) MarkFailed(ctx context.Context, id string, message string) error {
	t := Failed(message)
	return s.repo.Transition(ctx, id, t.From(), t)
}

package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/notifications/websocket"
	"event-certs/certificate-backend/internal/signing"
	"event-certs/certificate-backend/pkg/storage"
)

// MaxRecipients bounds a single send request.
const MaxRecipients = 2000

// CertificateLookup resolves certificate ids.
type CertificateLookup interface {
	Get(ctx context.Context, id string) (*certificates.Certificate, error)
}

// Broadcaster pushes messages to connected admins.
type Broadcaster interface {
	Publish(msg websocket.Message) error
}

// Config controls how certificate links are built.
type Config struct {
	// DownloadBaseURL, when set, produces stable links of the form
	// <base>/api/v1/certificates/<id>/download instead of presigned URLs.
	DownloadBaseURL string
	URLTTL          time.Duration
}

// Service delivers signed certificates and batch events.
type Service struct {
	email     *EmailDistributor
	publisher Publisher
	hub       Broadcaster
	certs     CertificateLookup
	artifacts storage.ArtifactStore
	audit     audit.Recorder
	cfg       Config
	logger    *zap.Logger
}

// NewService wires the notification channels. Any of publisher and hub may
// be nil.
func NewService(email *EmailDistributor, publisher Publisher, hub Broadcaster, certs CertificateLookup,
	artifacts storage.ArtifactStore, cfg Config, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{
		email:     email,
		publisher: publisher,
		hub:       hub,
		certs:     certs,
		artifacts: artifacts,
		audit:     audit.Nop{},
		cfg:       cfg,
		logger:    logger,
	}
}

// WithAudit records email sends.
func (s *Service) WithAudit(r audit.Recorder) *Service {
	s.audit = r
	return s
}

// SendCertificates emails every explicit recipient and every signed
// certificate named by id. Unresolvable ids are reported per recipient.
func (s *Service) SendCertificates(ctx context.Context, actor string, req SendRequest) (*SendResponse, error) {
	total := len(req.Recipients) + len(req.CertificateIDs)
	if total == 0 {
		return nil, apperrors.Validation("recipients or certificateIds are required", nil)
	}
	if total > MaxRecipients {
		return nil, apperrors.Validation(fmt.Sprintf("at most %d recipients per request", MaxRecipients), nil)
	}
	if !s.email.Configured() {
		return nil, apperrors.Configuration("email configuration missing", nil)
	}

	recipients := append([]Recipient(nil), req.Recipients...)
	ids := make([]string, len(recipients))
	var unresolved []EmailResult
	for _, id := range req.CertificateIDs {
		r, err := s.resolve(ctx, id)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindInternal {
				return nil, err
			}
			unresolved = append(unresolved, EmailResult{CertificateID: id, Error: apperrors.Describe(err)})
			continue
		}
		recipients = append(recipients, *r)
		ids = append(ids, id)
	}

	results, err := s.email.Send(ctx, recipients)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].CertificateID = ids[i]
		if ids[i] == "" {
			continue
		}
		outcome := audit.OutcomeSucceeded
		if !results[i].Success {
			outcome = audit.OutcomeFailed
		}
		s.audit.Record(context.WithoutCancel(ctx), audit.Entry{
			CertificateID: ids[i],
			Action:        audit.ActionSendEmail,
			Actor:         actor,
			Outcome:       outcome,
		}, map[string]string{"email": results[i].Email, "error": results[i].Error})
	}
	results = append(results, unresolved...)

	return &SendResponse{Success: true, Results: results, Summary: Summarize(results)}, nil
}

func (s *Service) resolve(ctx context.Context, id string) (*Recipient, error) {
	c, err := s.certs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != certificates.StatusSigned || c.DocumentRef == nil {
		return nil, apperrors.State(fmt.Sprintf("certificate %s is not signed", id), nil)
	}
	if c.Email == "" {
		return nil, apperrors.Validation(fmt.Sprintf("certificate %s has no email address", id), nil)
	}
	link, err := s.link(ctx, c)
	if err != nil {
		return nil, err
	}
	return &Recipient{
		Email:          c.Email,
		GuestName:      c.Name,
		EventName:      c.EventName,
		CertificateURL: link,
	}, nil
}

func (s *Service) link(ctx context.Context, c *certificates.Certificate) (string, error) {
	if s.cfg.DownloadBaseURL != "" {
		return strings.TrimRight(s.cfg.DownloadBaseURL, "/") + "/api/v1/certificates/" + c.ID + "/download", nil
	}
	if s.artifacts == nil {
		return "", apperrors.Configuration("artifact storage is not configured", nil)
	}
	url, err := s.artifacts.URL(ctx, *c.DocumentRef, s.cfg.URLTTL)
	if err != nil {
		return "", apperrors.TransientEngine("failed to issue certificate link", err)
	}
	return url, nil
}

// BatchProgress forwards orchestrator progress to websocket subscribers.
func (s *Service) BatchProgress() signing.ProgressFunc {
	return func(p signing.Progress) {
		if s.hub == nil {
			return
		}
		if err := s.hub.Publish(websocket.Message{Type: websocket.TypeBatchProgress, BatchID: p.BatchID, Data: p}); err != nil {
			s.logger.Debug("Dropped batch progress", zap.String("batch_id", p.BatchID), zap.Error(err))
		}
	}
}

// BatchCompleted announces a finished batch on the websocket and the
// event topic. Publish failures are logged.
func (s *Service) BatchCompleted() signing.CompletionFunc {
	return func(ctx context.Context, caller *auth.Caller, result signing.BatchResult) {
		if s.hub != nil {
			if err := s.hub.Publish(websocket.Message{Type: websocket.TypeBatchCompleted, BatchID: result.BatchID, Data: result}); err != nil {
				s.logger.Debug("Dropped batch completion", zap.String("batch_id", result.BatchID), zap.Error(err))
			}
		}

		event := BatchCompletedEvent{
			BatchID:      result.BatchID,
			SuccessCount: result.SuccessCount,
			FailureCount: result.FailureCount,
			Cancelled:    result.Cancelled,
			CompletedAt:  time.Now().UTC(),
		}
		if caller != nil {
			event.Actor = caller.Email
		}
		for _, e := range result.Errors {
			event.FailedIDs = append(event.FailedIDs, e.CertificateID)
		}
		if err := s.publisher.PublishBatchCompleted(ctx, event); err != nil {
			s.logger.Warn("Failed to publish batch completion", zap.String("batch_id", result.BatchID), zap.Error(err))
		}
	}
}

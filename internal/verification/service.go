package verification

import (
	"bytes"
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/metrics"
	"event-certs/certificate-backend/pkg/security"
)

// Reason distinguishes verification outcomes.
type Reason string

const (
	ReasonValid              Reason = "valid"
	ReasonNoSignatureField   Reason = "no_signature_field"
	ReasonNotSigned          Reason = "not_signed"
	ReasonInvalidToken       Reason = "invalid_token"
	ReasonUnknownCertificate Reason = "unknown_certificate"
	ReasonNotProperlySigned  Reason = "not_properly_signed"
	ReasonUnreadableDocument Reason = "unreadable_document"
)

var reasonMessages = map[Reason]string{
	ReasonNoSignatureField:   "no signature field",
	ReasonNotSigned:          "signature field is empty",
	ReasonInvalidToken:       "document identifier is not a certificate id",
	ReasonUnknownCertificate: "unknown certificate",
	ReasonNotProperlySigned:  "certificate is not properly signed",
	ReasonUnreadableDocument: "document could not be read",
}

// tokenPattern is the shape of every certificate id.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// Result is the verification answer returned to callers.
type Result struct {
	IsValid            bool                      `json:"isValid"`
	Error              string                    `json:"error,omitempty"`
	Reason             Reason                    `json:"reason"`
	Record             *certificates.Certificate `json:"record,omitempty"`
	SignatureInfo      *security.SignatureInfo   `json:"signatureInfo,omitempty"`
	DataSignatureValid *bool                     `json:"dataSignatureValid,omitempty"`
}

func invalid(reason Reason) *Result {
	return &Result{Reason: reason, Error: reasonMessages[reason]}
}

// Records looks certificates up by id.
type Records interface {
	Get(ctx context.Context, id string) (*certificates.Certificate, error)
}

// DataChecker checks a record's data signature.
type DataChecker interface {
	CheckData(c *certificates.Certificate) *certificates.DataVerification
}

type Service struct {
	validator security.Validator
	records   Records
	data      DataChecker
	audit     audit.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewService(validator security.Validator, records Records, data DataChecker, logger *zap.Logger) *Service {
	return &Service{
		validator: validator,
		records:   records,
		data:      data,
		audit:     audit.Nop{},
		logger:    logger,
	}
}

func (s *Service) WithAudit(r audit.Recorder) *Service {
	s.audit = r
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Verify checks an uploaded document. The record store is consulted only
// once a signature field and a well-formed identifier have been found.
// Negative outcomes are results, not errors; the error return is reserved
// for failures of the record store.
func (s *Service) Verify(ctx context.Context, doc []byte) (*Result, error) {
	res, err := s.verify(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveVerification(string(res.Reason))

	entry := audit.Entry{Action: audit.ActionVerify, Outcome: audit.OutcomeFailed}
	if res.IsValid {
		entry.Outcome = audit.OutcomeSucceeded
	}
	if res.Record != nil {
		entry.CertificateID = res.Record.ID
	}
	s.audit.Record(ctx, entry, map[string]string{"reason": string(res.Reason)})
	return res, nil
}

func (s *Service) verify(ctx context.Context, doc []byte) (*Result, error) {
	sigs, err := s.validator.ValidatePDF(ctx, bytes.NewReader(doc))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		s.logger.Debug("Uploaded document could not be parsed", zap.Error(err))
		return invalid(ReasonUnreadableDocument), nil
	}
	if len(sigs) == 0 {
		return invalid(ReasonNoSignatureField), nil
	}

	info := latestSigned(sigs)
	if !info.Signed {
		res := invalid(ReasonNotSigned)
		res.SignatureInfo = &info
		return res, nil
	}

	token := info.Token()
	if !tokenPattern.MatchString(token) {
		res := invalid(ReasonInvalidToken)
		res.SignatureInfo = &info
		return res, nil
	}

	record, err := s.records.Get(ctx, token)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if record == nil {
		res := invalid(ReasonUnknownCertificate)
		res.SignatureInfo = &info
		return res, nil
	}
	if record.Status != certificates.StatusSigned {
		res := invalid(ReasonNotProperlySigned)
		res.SignatureInfo = &info
		return res, nil
	}

	res := &Result{IsValid: true, Reason: ReasonValid, Record: record, SignatureInfo: &info}
	if s.data != nil && record.DataSignature != nil {
		dv := s.data.CheckData(record)
		res.DataSignatureValid = &dv.Valid
	}
	return res, nil
}

// latestSigned prefers the last signed field, which belongs to the most
// recent incremental update.
func latestSigned(sigs []security.SignatureInfo) security.SignatureInfo {
	for i := len(sigs) - 1; i >= 0; i-- {
		if sigs[i].Signed {
			return sigs[i]
		}
	}
	return sigs[0]
}

package signing

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/api"
	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/canonical"
	"event-certs/certificate-backend/internal/datasig"
	"event-certs/certificate-backend/pkg/storage"
)

// maxDocumentBytes bounds a single supplied document after decoding.
const maxDocumentBytes = 20 << 20

// Warmer performs a cheap cryptographic operation ahead of real signing.
type Warmer interface {
	Warmup(ctx context.Context) error
}

type Handler struct {
	service      *Service
	orchestrator *Orchestrator
	dataSigner   *datasig.Signer
	warmer       Warmer
	artifacts    storage.ArtifactStore
	auth         *auth.Authorizer
	urlTTL       time.Duration
	chunkSize    int
	chunkPause   time.Duration
	audit        audit.Recorder
	logger       *zap.Logger
}

// HandlerConfig carries the optional parts of Handler.
type HandlerConfig struct {
	DataSigner *datasig.Signer
	Warmer     Warmer
	Artifacts  storage.ArtifactStore
	URLTTL     time.Duration
	// ChunkSize applies when a request does not name one.
	ChunkSize  int
	ChunkPause time.Duration
	Audit      audit.Recorder
}

func NewHandler(service *Service, orchestrator *Orchestrator, authorizer *auth.Authorizer, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	return &Handler{
		service:      service,
		orchestrator: orchestrator,
		dataSigner:   cfg.DataSigner,
		warmer:       cfg.Warmer,
		artifacts:    cfg.Artifacts,
		auth:         authorizer,
		urlTTL:       cfg.URLTTL,
		chunkSize:    cfg.ChunkSize,
		chunkPause:   cfg.ChunkPause,
		audit:        cfg.Audit,
		logger:       logger,
	}
}

// RegisterRoutes registers the signing routes on the versioned group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	signer := h.auth.RequireSigner()
	rg.POST("/certificates/sign", signer, h.SignCertificate)
	rg.POST("/certificates/batch-sign", signer, h.BatchSign)
	rg.POST("/sign", signer, h.SignData)
}

// RegisterWarmup registers the unauthenticated warm-up endpoint.
func (h *Handler) RegisterWarmup(r gin.IRoutes) {
	r.GET("/api/warmup", h.Warmup)
}

type signRequest struct {
	CertificateID string `json:"certificateId" binding:"required"`
	PDFBase64     string `json:"pdfBase64"`
}

type signResponse struct {
	Success      bool   `json:"success"`
	DocumentRef  string `json:"documentRef,omitempty"`
	SignedPDFURL string `json:"signedPdfUrl,omitempty"`
}

func decodeDocument(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	if base64.StdEncoding.DecodedLen(len(b64)) > maxDocumentBytes {
		return nil, apperrors.Validation("document is too large", nil)
	}
	doc, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apperrors.Validation("pdfBase64 is not valid base64", err)
	}
	return doc, nil
}

func (h *Handler) SignCertificate(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	doc, err := decodeDocument(req.PDFBase64)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	if !h.service.Configured() {
		api.RespondAppError(c, apperrors.Configuration("container signing identity is not configured", nil))
		return
	}

	caller := auth.CallerFromContext(c)
	out := h.service.SignOne(c.Request.Context(), caller.Email, Item{CertificateID: req.CertificateID, Document: doc})
	if out.SignErr != nil {
		api.RespondAppError(c, out.SignErr)
		return
	}
	resp := signResponse{Success: true, DocumentRef: out.DocumentRef}
	if h.artifacts != nil {
		if url, err := h.artifacts.URL(c.Request.Context(), out.DocumentRef, h.urlTTL); err == nil {
			resp.SignedPDFURL = url
		} else {
			h.logger.Warn("Failed to resolve signed document URL", zap.String("certificate_id", req.CertificateID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, resp)
}

type batchItemRequest struct {
	CertificateID string `json:"certificateId"`
	PDFBase64     string `json:"pdfBase64"`
}

type batchSignRequest struct {
	Certificates []batchItemRequest `json:"certificates"`
	ChunkSize    int                `json:"chunkSize"`
}

func (h *Handler) BatchSign(c *gin.Context) {
	var req batchSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	items := make([]Item, 0, len(req.Certificates))
	for i, it := range req.Certificates {
		doc, err := decodeDocument(it.PDFBase64)
		if err != nil {
			api.RespondAppError(c, apperrors.Validation(fmt.Sprintf("certificate %d: %s", i, apperrors.PublicMessage(err)), err))
			return
		}
		items = append(items, Item{CertificateID: it.CertificateID, Document: doc})
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = h.chunkSize
	}
	result, err := h.orchestrator.Run(c.Request.Context(), auth.CallerFromContext(c), items, BatchOptions{
		ChunkSize:  chunkSize,
		ChunkPause: h.chunkPause,
		BatchID:    uuid.NewString(),
	})
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type dataSignRequest struct {
	Name                string `json:"name"`
	StudentID           string `json:"studentID"`
	Course              string `json:"course"`
	Part                int    `json:"part"`
	Group               string `json:"group"`
	EventID             string `json:"eventId"`
	EventDate           string `json:"eventDate"`
	CertificateTemplate string `json:"certificateTemplate"`
}

func (h *Handler) SignData(c *gin.Context) {
	if h.dataSigner == nil {
		api.RespondAppError(c, apperrors.Configuration("data signing key is not configured", nil))
		return
	}
	var req dataSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	date, err := canonical.ParseDate(req.EventDate)
	if err != nil {
		api.RespondAppError(c, apperrors.Validation("eventDate must be YYYY-MM-DD or RFC 3339", err))
		return
	}
	signature, err := h.dataSigner.SignFields(canonical.Fields{
		Name:        req.Name,
		StudentID:   req.StudentID,
		Course:      req.Course,
		Part:        req.Part,
		Group:       req.Group,
		EventID:     req.EventID,
		EventDate:   date,
		TemplateRef: req.CertificateTemplate,
	})
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	caller := auth.CallerFromContext(c)
	h.audit.Record(c.Request.Context(), audit.Entry{
		Action:  audit.ActionDataSign,
		Actor:   caller.Email,
		Outcome: audit.OutcomeSucceeded,
	}, map[string]string{"eventId": req.EventID, "studentID": req.StudentID})
	c.JSON(http.StatusOK, gin.H{"signature": signature})
}

func (h *Handler) Warmup(c *gin.Context) {
	if h.warmer == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": "disabled"})
		return
	}
	start := time.Now()
	if err := h.warmer.Warmup(c.Request.Context()); err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": "ready", "durationMs": time.Since(start).Milliseconds()})
}

package certificates

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/api"
	"event-certs/certificate-backend/internal/apperrors"
	"event-certs/certificate-backend/pkg/storage"
)

type Handler struct {
	service   Service
	exporter  *Exporter
	artifacts storage.ArtifactStore
	urlTTL    time.Duration
	logger    *zap.Logger
}

func NewHandler(service Service, artifacts storage.ArtifactStore, urlTTL time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		service:   service,
		exporter:  NewExporter(service),
		artifacts: artifacts,
		urlTTL:    urlTTL,
		logger:    logger,
	}
}

// RegisterRoutes registers certificate routes. requireSigner guards every
// route that reads participant data or changes records.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, requireSigner gin.HandlerFunc) {
	certs := rg.Group("/certificates")
	{
		certs.GET("", requireSigner, h.ListCertificates)
		certs.GET("/:id", requireSigner, h.GetCertificate)
		certs.DELETE("/:id", requireSigner, h.DeleteCertificate)
		certs.GET("/:id/verify-data", h.VerifyData)
		certs.GET("/:id/download", h.Download)
	}

	events := rg.Group("/events/:eventId", requireSigner)
	{
		events.POST("/certificates", h.CreateCertificates)
		events.GET("/certificates/summary", h.Summary)
		events.GET("/certificates/export", h.Export)
		events.DELETE("/certificates", h.DeleteEvent)
		events.PUT("/template", h.UpdateTemplate)
	}
}

func (h *Handler) ListCertificates(c *gin.Context) {
	filter := Filter{
		EventID: c.Query("eventId"),
		Status:  Status(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			api.RespondError(c, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	certs, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, certs)
}

func (h *Handler) GetCertificate(c *gin.Context) {
	cert, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *Handler) DeleteCertificate(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) VerifyData(c *gin.Context) {
	result, err := h.service.VerifyData(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Download redirects to a short-lived URL of a signed document. Records in
// any other status have nothing to distribute.
func (h *Handler) Download(c *gin.Context) {
	cert, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	if cert.Status != StatusSigned || cert.DocumentRef == nil {
		api.RespondAppError(c, apperrors.State(fmt.Sprintf("certificate %s is not signed", cert.ID), nil))
		return
	}
	if h.artifacts == nil {
		api.RespondAppError(c, apperrors.Configuration("artifact storage is not configured", nil))
		return
	}
	url, err := h.artifacts.URL(c.Request.Context(), *cert.DocumentRef, h.urlTTL)
	if err != nil {
		h.logger.Error("Failed to resolve document URL", zap.String("certificate_id", cert.ID), zap.Error(err))
		api.RespondError(c, http.StatusBadGateway, "storage_error", "signed document is temporarily unavailable")
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h *Handler) CreateCertificates(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	req.EventID = c.Param("eventId")
	certs, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, certs)
}

func (h *Handler) Summary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) Export(c *gin.Context) {
	eventID := c.Param("eventId")
	format := ExportFormat(c.DefaultQuery("format", string(FormatXLSX)))
	if format != FormatXLSX && format != FormatCSV {
		api.RespondError(c, http.StatusBadRequest, "validation_error", fmt.Sprintf("unsupported export format %q", format))
		return
	}

	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=certificates-%s.%s", eventID, format))
	if err := h.exporter.Export(c.Request.Context(), eventID, format, c.Writer); err != nil {
		h.logger.Error("Certificate export failed", zap.String("event_id", eventID), zap.Error(err))
		if !c.Writer.Written() {
			c.Header("Content-Disposition", "")
			api.RespondAppError(c, err)
		}
		return
	}
}

func (h *Handler) DeleteEvent(c *gin.Context) {
	n, err := h.service.DeleteEvent(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type updateTemplateRequest struct {
	CertificateTemplate string `json:"certificateTemplate" binding:"required"`
}

func (h *Handler) UpdateTemplate(c *gin.Context) {
	var req updateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	n, err := h.service.UpdateTemplate(c.Request.Context(), c.Param("eventId"), req.CertificateTemplate)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

package verification

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"event-certs/certificate-backend/internal/api"
)

// maxUploadBytes bounds uploaded documents.
const maxUploadBytes = 20 << 20

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the public verification route.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/certificates/verify", h.Verify)
}

func (h *Handler) Verify(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", "multipart field 'file' is required")
		return
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		api.RespondError(c, http.StatusRequestEntityTooLarge, "validation_error", "document is too large")
		return
	}

	doc, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", "failed to read uploaded document")
		return
	}
	if len(doc) > maxUploadBytes {
		api.RespondError(c, http.StatusRequestEntityTooLarge, "validation_error", "document is too large")
		return
	}

	res, err := h.service.Verify(c.Request.Context(), doc)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

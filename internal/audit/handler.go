package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"event-certs/certificate-backend/internal/api"
)

type Handler struct {
	recorder Recorder
}

func NewHandler(recorder Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes exposes the trail to signers only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, requireSigner gin.HandlerFunc) {
	rg.GET("/audit", requireSigner, h.List)
}

func (h *Handler) List(c *gin.Context) {
	q := Query{
		CertificateID: c.Query("certificateId"),
		Action:        c.Query("action"),
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondError(c, http.StatusBadRequest, "validation_error", "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			api.RespondError(c, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	entries, err := h.recorder.List(c.Request.Context(), q)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

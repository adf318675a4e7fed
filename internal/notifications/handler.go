package notifications

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/api"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/notifications/websocket"
)

type Handler struct {
	service    *Service
	hub        *websocket.Manager
	authorizer *auth.Authorizer
	logger     *zap.Logger
}

func NewHandler(service *Service, hub *websocket.Manager, authorizer *auth.Authorizer, logger *zap.Logger) *Handler {
	return &Handler{service: service, hub: hub, authorizer: authorizer, logger: logger}
}

// RegisterRoutes registers the email distribution route.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/certificates/send-email", h.authorizer.RequireSigner(), h.SendEmail)
}

// RegisterWebsocket registers the batch progress socket. Browsers cannot
// set headers on websocket requests, so the token may come as ?token=.
func (h *Handler) RegisterWebsocket(r gin.IRoutes) {
	r.GET("/ws/batches", h.ServeBatches)
}

func (h *Handler) SendEmail(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	caller := auth.CallerFromContext(c)
	resp, err := h.service.SendCertificates(c.Request.Context(), caller.Email, req)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ServeBatches(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}
	caller, err := h.authorizer.Authorize(c.Request.Context(), token)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	conn, err := h.hub.HandleConnection(c.Writer, c.Request, caller.Email)
	if err != nil {
		// the upgrader has already answered
		h.logger.Debug("Websocket upgrade failed", zap.String("email", caller.Email), zap.Error(err))
		return
	}
	h.logger.Info("Batch progress subscriber connected", zap.String("connection_id", conn.ID), zap.String("email", caller.Email))
}

package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event-certs/certificate-backend/internal/api"
)

type Handler struct {
	authorizer *Authorizer
}

func NewHandler(authorizer *Authorizer) *Handler {
	return &Handler{authorizer: authorizer}
}

// RegisterRoutes registers the signer-set routes behind RequireSigner.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	authGroup := rg.Group("/auth", h.authorizer.RequireSigner())
	{
		authGroup.GET("/me", h.Me)
		authGroup.GET("/signers", h.ListSigners)
		authGroup.POST("/signers", h.AddSigner)
		authGroup.DELETE("/signers/:email", h.RemoveSigner)
	}
}

func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, CallerFromContext(c))
}

func (h *Handler) ListSigners(c *gin.Context) {
	admins, err := h.authorizer.Roster().List(c.Request.Context())
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, admins)
}

type addSignerRequest struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role"`
}

func (h *Handler) AddSigner(c *gin.Context) {
	var req addSignerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.RespondError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	admin, err := h.authorizer.Roster().Add(c.Request.Context(), req.Email, req.Role)
	if err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusCreated, admin)
}

func (h *Handler) RemoveSigner(c *gin.Context) {
	caller := CallerFromContext(c)
	email := normalizeEmail(c.Param("email"))
	if caller != nil && caller.Email == email {
		api.RespondError(c, http.StatusBadRequest, "validation_error", "cannot remove yourself from the signer set")
		return
	}
	if err := h.authorizer.Roster().Remove(c.Request.Context(), email); err != nil {
		api.RespondAppError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"event-certs/certificate-backend/internal/apperrors"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// RespondError sends an error response
func RespondError(c *gin.Context, statusCode int, errorCode string, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// RespondAppError maps a typed error onto status code and envelope. Untyped
// errors are reported as internal errors without their text.
func RespondAppError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	kind := apperrors.KindOf(err)
	if status == http.StatusForbidden {
		RespondError(c, status, "forbidden", apperrors.PublicMessage(err))
		return
	}
	_ = c.Error(err)
	RespondError(c, status, string(kind), apperrors.PublicMessage(err))
}

// RespondSuccess sends a success response
func RespondSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

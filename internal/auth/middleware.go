package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/api"
	"event-certs/certificate-backend/internal/apperrors"
)

const callerKey = "auth.caller"

// Caller is an authenticated member of the signer set.
type Caller struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Authorizer binds token verification to roster membership.
type Authorizer struct {
	tokens *TokenVerifier
	roster Roster
	logger *zap.Logger
}

func NewAuthorizer(tokens *TokenVerifier, roster Roster, logger *zap.Logger) *Authorizer {
	return &Authorizer{tokens: tokens, roster: roster, logger: logger}
}

// Roster exposes the underlying signer set.
func (a *Authorizer) Roster() Roster { return a.roster }

// Authorize verifies a bearer token and checks the signer set. A bad or
// missing token is unauthenticated; a valid token outside the set is
// forbidden.
func (a *Authorizer) Authorize(ctx context.Context, bearer string) (*Caller, error) {
	if strings.TrimSpace(bearer) == "" {
		return nil, apperrors.Authorization("missing bearer token", nil)
	}
	claims, err := a.tokens.Verify(bearer)
	if err != nil {
		return nil, err
	}
	ok, err := a.roster.IsAuthorized(ctx, claims.Email)
	if err != nil {
		return nil, err
	}
	if !ok {
		a.logger.Warn("Signing request from caller outside signer set", zap.String("email", claims.Email))
		return nil, apperrors.Authorization(apperrors.ForbiddenMessage, nil)
	}
	return &Caller{Email: claims.Email, Role: RoleSigner}, nil
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// RequireSigner rejects requests whose caller is not an authorized signer
// before the handler runs.
func (a *Authorizer) RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := a.Authorize(c.Request.Context(), BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			api.RespondAppError(c, err)
			c.Abort()
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFromContext returns the caller stored by RequireSigner.
func CallerFromContext(c *gin.Context) *Caller {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil
	}
	caller, _ := v.(*Caller)
	return caller
}

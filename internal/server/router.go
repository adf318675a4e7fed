package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/logging"
	"event-certs/certificate-backend/internal/metrics"
	"event-certs/certificate-backend/internal/notifications"
	"event-certs/certificate-backend/internal/signing"
	"event-certs/certificate-backend/internal/verification"
)

// Handlers groups the route owners. A nil handler registers nothing.
type Handlers struct {
	Auth          *auth.Handler
	Certificates  *certificates.Handler
	Signing       *signing.Handler
	Verification  *verification.Handler
	Notifications *notifications.Handler
	Audit         *audit.Handler
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	MetricsPath    string
	// Health reports whether dependencies are reachable.
	Health func(ctx context.Context) error
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(h Handlers, authorizer *auth.Authorizer, m *metrics.Metrics, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(logging.GinRecovery(logger), logging.GinLogger(logger))
	if m != nil {
		router.Use(m.Middleware())
	}
	router.Use(cors(opts.AllowedOrigins))

	router.GET("/health", health(opts.Health))
	if m != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(m.Handler()))
	}

	v1 := router.Group("/api/v1")
	if h.Auth != nil {
		h.Auth.RegisterRoutes(v1)
	}
	if h.Signing != nil {
		h.Signing.RegisterRoutes(v1)
		h.Signing.RegisterWarmup(router)
	}
	if h.Verification != nil {
		h.Verification.RegisterRoutes(v1)
	}
	if h.Notifications != nil {
		h.Notifications.RegisterRoutes(v1)
		h.Notifications.RegisterWebsocket(router)
	}
	if authorizer != nil {
		requireSigner := authorizer.RequireSigner()
		if h.Certificates != nil {
			h.Certificates.RegisterRoutes(v1, requireSigner)
		}
		if h.Audit != nil {
			h.Audit.RegisterRoutes(v1, requireSigner)
		}
	}
	return router
}

func health(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":    "unhealthy",
					"timestamp": time.Now(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	}
}

// cors answers preflight requests and echoes allowed origins. An empty list
// or "*" allows any origin without credentials.
func cors(allowed []string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	open := len(set) == 0 || set["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case open:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && set[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

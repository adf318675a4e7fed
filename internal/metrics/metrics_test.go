package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObservers(t *testing.T) {
	m := New()
	m.ObserveSigned("success")
	m.ObserveSigned("success")
	m.ObserveSignAttempt("transient")
	m.ObserveBatch(2*time.Second, 4, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signed.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signAttempts.WithLabelValues("transient")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.batchItems.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchItems.WithLabelValues("failure")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSigned("success")
		m.ObserveSignAttempt("ok")
		m.ObservePersistFailure()
		m.ObserveBatch(time.Second, 1, 0)
		m.ObserveVerification("valid")
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestCounter.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "certificates_api_requests_total")
}

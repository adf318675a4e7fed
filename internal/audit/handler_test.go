package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec, _ := setupRecorder(t)
	rec.Record(context.Background(), Entry{CertificateID: "cert-1", Action: ActionSign, Outcome: OutcomeSucceeded}, nil)
	rec.Record(context.Background(), Entry{CertificateID: "cert-1", Action: ActionSendEmail, Outcome: OutcomeFailed}, nil)

	allow := func(c *gin.Context) { c.Next() }
	r := gin.New()
	NewHandler(rec).RegisterRoutes(r.Group("/api/v1"), allow)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit?certificateId=cert-1&action="+ActionSendEmail, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var entries []Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeFailed, entries[0].Outcome)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

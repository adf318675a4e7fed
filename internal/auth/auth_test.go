package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"event-certs/certificate-backend/internal/apperrors"
)

const testSecret = "test-jwt-secret"

func setupRoster(t *testing.T) Roster {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	roster, err := NewRoster(db)
	require.NoError(t, err)
	return roster
}

func setupAuthorizer(t *testing.T) (*Authorizer, Roster) {
	t.Helper()
	roster := setupRoster(t)
	tokens, err := NewTokenVerifier(TokenConfig{Secret: testSecret, Issuer: "certs"})
	require.NoError(t, err)
	return NewAuthorizer(tokens, roster, zap.NewNop()), roster
}

func TestTokenVerifier(t *testing.T) {
	v, err := NewTokenVerifier(TokenConfig{Secret: testSecret, Issuer: "certs"})
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		raw, err := IssueToken(testSecret, " Admin@Example.com ", "certs", time.Hour)
		require.NoError(t, err)
		claims, err := v.Verify(raw)
		require.NoError(t, err)
		assert.Equal(t, "admin@example.com", claims.Email)
	})

	t.Run("wrong secret", func(t *testing.T) {
		raw, err := IssueToken("other", "admin@example.com", "certs", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	})

	t.Run("expired", func(t *testing.T) {
		raw, err := IssueToken(testSecret, "admin@example.com", "certs", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		raw, err := IssueToken(testSecret, "admin@example.com", "someone-else", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	})

	t.Run("missing email", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Issuer:    "certs",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = v.Verify(raw)
		assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	})

	t.Run("none algorithm rejected", func(t *testing.T) {
		claims := Claims{Email: "admin@example.com", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "certs",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Verify(raw)
		assert.ErrorIs(t, err, apperrors.ErrAuthorization)
	})
}

func TestNewTokenVerifierRequiresKey(t *testing.T) {
	_, err := NewTokenVerifier(TokenConfig{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestRoster(t *testing.T) {
	ctx := context.Background()
	roster := setupRoster(t)

	ok, err := roster.IsAuthorized(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = roster.Add(ctx, "Admin@Example.com", "")
	require.NoError(t, err)
	ok, err = roster.IsAuthorized(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// re-adding updates rather than duplicating
	admin, err := roster.Add(ctx, "admin@example.com", "viewer")
	require.NoError(t, err)
	assert.Equal(t, "viewer", admin.Role)
	ok, err = roster.IsAuthorized(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	admins, err := roster.List(ctx)
	require.NoError(t, err)
	assert.Len(t, admins, 1)

	require.NoError(t, roster.Remove(ctx, "admin@example.com"))
	admins, err = roster.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	authorizer, roster := setupAuthorizer(t)
	_, err := roster.Add(ctx, "signer@example.com", RoleSigner)
	require.NoError(t, err)

	_, err = authorizer.Authorize(ctx, "")
	require.ErrorIs(t, err, apperrors.ErrAuthorization)
	assert.Equal(t, http.StatusUnauthorized, apperrors.HTTPStatus(err))

	outsider, err := IssueToken(testSecret, "outsider@example.com", "certs", time.Hour)
	require.NoError(t, err)
	_, err = authorizer.Authorize(ctx, outsider)
	require.ErrorIs(t, err, apperrors.ErrAuthorization)
	assert.Equal(t, http.StatusForbidden, apperrors.HTTPStatus(err))

	signer, err := IssueToken(testSecret, "signer@example.com", "certs", time.Hour)
	require.NoError(t, err)
	caller, err := authorizer.Authorize(ctx, signer)
	require.NoError(t, err)
	assert.Equal(t, "signer@example.com", caller.Email)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authorizer, roster := setupAuthorizer(t)
	_, err := roster.Add(context.Background(), "signer@example.com", RoleSigner)
	require.NoError(t, err)

	router := gin.New()
	NewHandler(authorizer).RegisterRoutes(router.Group("/api/v1"))

	t.Run("me without token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("me with signer token", func(t *testing.T) {
		token, err := IssueToken(testSecret, "signer@example.com", "certs", time.Hour)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "signer@example.com")
	})

	t.Run("cannot remove self", func(t *testing.T) {
		token, err := IssueToken(testSecret, "signer@example.com", "certs", time.Hour)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/auth/signers/signer@example.com", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

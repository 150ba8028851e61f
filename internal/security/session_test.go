package security

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionManagerPersistsTokenFile(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewSessionManager(dir)
	require.NoError(t, err)
	require.NotEmpty(t, mgr.Token())

	data, err := os.ReadFile(filepath.Join(dir, SessionTokenFile))
	require.NoError(t, err)
	assert.Equal(t, mgr.Token(), string(data))

	info, err := os.Stat(filepath.Join(dir, SessionTokenFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSessionManagerValidate(t *testing.T) {
	mgr, err := NewSessionManager(t.TempDir())
	require.NoError(t, err)

	assert.True(t, mgr.Validate(mgr.Token()))
	assert.False(t, mgr.Validate("wrong"))
	assert.False(t, mgr.Validate(""))
	assert.False(t, mgr.Validate(mgr.Token()+"x"))
}

func TestIsExemptPath(t *testing.T) {
	assert.True(t, isExemptPath("/health"))
	assert.True(t, isExemptPath("/health/services"))
	assert.True(t, isExemptPath("/api/auth/token"))
	assert.True(t, isExemptPath("/api/oauth/callback"))
	assert.False(t, isExemptPath("/api/chat/send"))
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	mgr, err := NewSessionManager(t.TempDir())
	require.NoError(t, err)

	called := false
	handler := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/send", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
}

func TestMiddlewareAllowsValidTokenViaHeader(t *testing.T) {
	mgr, err := NewSessionManager(t.TempDir())
	require.NoError(t, err)

	called := false
	handler := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/send", nil)
	req.Header.Set(SessionTokenHeader, mgr.Token())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAllowsValidTokenViaQueryParam(t *testing.T) {
	mgr, err := NewSessionManager(t.TempDir())
	require.NoError(t, err)

	handler := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/stream?token="+mgr.Token(), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareExemptsHealthWithoutToken(t *testing.T) {
	mgr, err := NewSessionManager(t.TempDir())
	require.NoError(t, err)

	handler := mgr.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("shared-secret", "shared-secret"))
	assert.False(t, ConstantTimeEqual("shared-secret", "wrong-secret"))
	assert.False(t, ConstantTimeEqual("short", "much-longer-secret"))
	assert.False(t, ConstantTimeEqual("", "nonempty"))
}

func TestClientRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	err := client.IncrementFollowupCount(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClientDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	err := client.IncrementFollowupCount(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClientSendsInternalSecretHeader(t *testing.T) {
	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(InternalSecretHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "the-shared-secret")
	err := client.IncrementFollowupCount(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "the-shared-secret", gotSecret)
}

func TestAuthMiddlewareRejectsBadSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	s := &Server{Secret: "correct-secret"}
	r.GET("/ping", s.authMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(InternalSecretHeader, "wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsGoodSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	s := &Server{Secret: "correct-secret"}
	r.GET("/ping", s.authMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(InternalSecretHeader, "correct-secret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

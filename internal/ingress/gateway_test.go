package ingress

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-funnel/internal/queue"
)

type fakeQueue struct {
	sent [][]byte
	err  error
}

func (f *fakeQueue) Send(ctx context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	return nil
}
func (f *fakeQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]queue.Message, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(ctx context.Context, m queue.Message) error  { return nil }
func (f *fakeQueue) Nack(ctx context.Context, m queue.Message) error { return nil }

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleVerifyEchoesChallenge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := &Gateway{Secret: "s", VerifyToken: "correct-token"}
	r := gin.New()
	g.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=correct-token&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestHandleVerifyRejectsWrongToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := &Gateway{Secret: "s", VerifyToken: "correct-token"}
	r := gin.New()
	g.Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidSignatureAcceptsCorrectMAC(t *testing.T) {
	g := &Gateway{Secret: "app-secret"}
	body := []byte(`{"hello":"world"}`)
	assert.True(t, g.validSignature(body, sign("app-secret", body)))
}

func TestValidSignatureRejectsTamperedBody(t *testing.T) {
	g := &Gateway{Secret: "app-secret"}
	body := []byte(`{"hello":"world"}`)
	sig := sign("app-secret", body)
	assert.False(t, g.validSignature([]byte(`{"hello":"WORLD"}`), sig))
}

func TestValidSignaturePassesThroughWhenNoSecretConfigured(t *testing.T) {
	g := &Gateway{Secret: ""}
	assert.True(t, g.validSignature([]byte("anything"), ""))
}

func TestHandleReceivePushesRawBodyUnmodified(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := &fakeQueue{}
	g := &Gateway{Queue: q, Secret: ""}
	r := gin.New()
	g.Routes(r)

	body := []byte(`{"entry":[{"id":"123"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.sent, 1)
	assert.Equal(t, body, q.sent[0])
}

func TestHandleReceiveRejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := &fakeQueue{}
	g := &Gateway{Queue: q, Secret: "app-secret"}
	r := gin.New()
	g.Routes(r)

	body := []byte(`{"entry":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, q.sent)
}

func TestHandleReceiveReturns503OnQueueFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	q := &fakeQueue{err: assert.AnError}
	g := &Gateway{Queue: q, Secret: ""}
	r := gin.New()
	g.Routes(r)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

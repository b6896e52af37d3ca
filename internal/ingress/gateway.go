// Package ingress is the Ingress Gateway (spec §4.1): it validates the
// provider webhook's HMAC signature against the raw body and, on
// success, pushes the raw event bytes onto the durable queue untouched.
// It never reads or writes the database.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"whatsapp-funnel/internal/queue"
)

const signatureHeader = "X-Hub-Signature-256"

// defaultRatePerSecond/defaultBurst bound how fast a single source IP
// can push webhook deliveries, matching the token-bucket style the
// teacher applies to its outbound API calls (internal/interfaces/http
// middleware) but turned around to protect the inbound edge instead.
const (
	defaultRatePerSecond = 20
	defaultBurst         = 40
)

type Gateway struct {
	Queue       queue.Queue
	Secret      string
	VerifyToken string
	RateLimit   rate.Limit
	RateBurst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(q queue.Queue, secret, verifyToken string) *Gateway {
	return &Gateway{
		Queue:       q,
		Secret:      secret,
		VerifyToken: verifyToken,
		RateLimit:   rate.Limit(defaultRatePerSecond),
		RateBurst:   defaultBurst,
	}
}

func (g *Gateway) Routes(r *gin.Engine) {
	r.GET("/webhook", g.handleVerify)
	r.POST("/webhook", g.rateLimit(), g.handleReceive)
}

// rateLimit is a no-op when RateLimit is unset (zero value), so a
// Gateway built as a bare struct literal — as the tests do — behaves
// exactly as before.
func (g *Gateway) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.RateLimit <= 0 {
			c.Next()
			return
		}
		if !g.limiterFor(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"status": "error", "message": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (g *Gateway) limiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limiters == nil {
		g.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := g.limiters[ip]
	if !ok {
		l = rate.NewLimiter(g.RateLimit, g.RateBurst)
		g.limiters[ip] = l
	}
	return l
}

// handleVerify answers the provider's subscription handshake: echo
// back hub.challenge iff hub.verify_token matches our configured token.
func (g *Gateway) handleVerify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "missing parameters"})
		return
	}
	if mode == "subscribe" && token == g.VerifyToken && challenge != "" {
		c.String(http.StatusOK, challenge)
		return
	}
	c.JSON(http.StatusForbidden, gin.H{"status": "error", "message": "verification failed"})
}

// handleReceive validates the signature against the raw body and, on
// success, pushes the raw bytes onto the queue with no transformation.
// Duplicate deliveries are allowed to re-enter the queue; dedup is the
// consumer/debounce layer's job (spec §4.1).
func (g *Gateway) handleReceive(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "could not read body"})
		return
	}

	if !g.validSignature(rawBody, c.GetHeader(signatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid signature"})
		return
	}

	if err := g.Queue.Send(c.Request.Context(), rawBody); err != nil {
		log.Error().Err(err).Msg("queue send failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "queue unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// validSignature mirrors validate_signature in
// original_source/whatsapp_receive/security.py: a missing secret or a
// header without the sha256= prefix is treated as "nothing to check"
// (true), not as a failure, so a gateway deployed without a configured
// app secret keeps accepting traffic.
func (g *Gateway) validSignature(rawBody []byte, header string) bool {
	if g.Secret == "" || !strings.HasPrefix(header, "sha256=") {
		return true
	}
	provided := strings.TrimPrefix(header, "sha256=")
	mac := hmac.New(sha256.New, []byte(g.Secret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

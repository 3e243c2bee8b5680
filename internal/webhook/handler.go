package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

const maxBodyBytes = 1 << 20

// AuthMode selects how deliveries are authenticated.
type AuthMode string

const (
	// AuthHMAC verifies an X-Signature header as HMAC-SHA-256 of the raw
	// body using a shared secret.
	AuthHMAC AuthMode = "hmac"
	// AuthBearer compares Authorization: Bearer against a configured key.
	AuthBearer AuthMode = "bearer"
)

// Sink consumes accepted events. Dispatch happens after the HTTP response is
// written; implementations must not block for long.
type Sink func(Event)

// Handlers serves the webhook intake endpoint.
type Handlers struct {
	mode   AuthMode
	secret []byte
	apiKey []byte
	sink   Sink
	logger *logger.Logger

	// accepting gates intake during shutdown.
	accepting func() bool
}

// NewHandlers creates the intake handlers. secret is the HMAC secret in hmac
// mode, apiKey the bearer token in bearer mode.
func NewHandlers(mode AuthMode, secret, apiKey string, sink Sink, log *logger.Logger) *Handlers {
	return &Handlers{
		mode:      mode,
		secret:    []byte(secret),
		apiKey:    []byte(apiKey),
		sink:      sink,
		logger:    log.WithFields(zap.String("component", "webhook-handlers")),
		accepting: func() bool { return true },
	}
}

// SetAcceptingFunc installs the shutdown gate. When it reports false new
// deliveries are rejected with 503.
func (h *Handlers) SetAcceptingFunc(fn func() bool) {
	if fn != nil {
		h.accepting = fn
	}
}

// RegisterRoutes mounts the intake endpoint at path.
func RegisterRoutes(router *gin.Engine, path string, h *Handlers) {
	router.HandleMethodNotAllowed = true
	router.POST(path, h.handleDelivery)
}

func (h *Handlers) handleDelivery(c *gin.Context) {
	if !h.accepting() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !h.authenticate(c.Request, body) {
		h.logger.Warn("Webhook authentication failed",
			zap.String("mode", string(h.mode)),
			zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ev, err := Parse(body)
	if err != nil {
		h.logger.Warn("Webhook payload rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Respond before dispatching so slow routing never stalls the tracker's
	// delivery pipeline.
	c.JSON(http.StatusOK, gin.H{"success": true})

	h.logger.Debug("Webhook accepted",
		zap.String("kind", string(ev.Kind)),
		zap.String("issue_id", ev.IssueID),
		zap.String("issue_identifier", ev.IssueIdentifier))
	go h.sink(*ev)
}

func (h *Handlers) authenticate(r *http.Request, body []byte) bool {
	switch h.mode {
	case AuthHMAC:
		return h.verifySignature(r.Header.Get("X-Signature"), body)
	case AuthBearer:
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if len(h.apiKey) == 0 {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), h.apiKey) == 1
	default:
		return false
	}
}

func (h *Handlers) verifySignature(signature string, body []byte) bool {
	if signature == "" || len(h.secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

// Sign computes the X-Signature value for a body, used by tests and local
// delivery tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

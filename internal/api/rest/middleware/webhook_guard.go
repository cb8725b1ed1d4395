package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paydar-io/billing-engine/internal/ratelimit"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// WebhookGuardConfig настройки барьера доверия для входящих вебхуков
type WebhookGuardConfig struct {
	AllowedUserAgents []string
	AllowedIPs        []string
	TimestampSkew     time.Duration
	EnforceIPs        bool // включается только в production
	RequireTimestamp  bool // в production уведомление без метки времени отклоняется
}

// WebhookGuard проверяет входящий вебхук до его обработки: лимит частоты,
// Content-Type, User-Agent, свежесть метки времени и, в production,
// список доверенных IP. Любой отказ не доходит до бизнес-логики.
func WebhookGuard(cfg WebhookGuardConfig, limiter ratelimit.Limiter, log *logger.Logger) gin.HandlerFunc {
	skew := cfg.TimestampSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		if limiter != nil {
			allowed, err := limiter.Allow(c.Request.Context(), clientIP)
			if err != nil {
				log.Warnw("Rate limiter error, request allowed", "error", err, "ip", clientIP)
			}
			if !allowed {
				log.Warnw("Webhook rate limit exceeded", "ip", clientIP)
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
				return
			}
		}

		if ct := c.ContentType(); ct != "application/json" {
			log.Warnw("Webhook with unexpected content type", "content_type", ct, "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Expected application/json"})
			return
		}

		if len(cfg.AllowedUserAgents) > 0 && !userAgentAllowed(c.Request.UserAgent(), cfg.AllowedUserAgents) {
			log.Warnw("Webhook from unexpected user agent", "user_agent", c.Request.UserAgent(), "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}

		if cfg.EnforceIPs && len(cfg.AllowedIPs) > 0 && !ipAllowed(clientIP, cfg.AllowedIPs) {
			log.Warnw("Webhook from untrusted IP", "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			return
		}

		if !timestampFresh(c, skew, cfg.RequireTimestamp) {
			log.Warnw("Webhook with stale timestamp", "ip", clientIP)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Stale notification"})
			return
		}

		c.Next()
	}
}

func userAgentAllowed(userAgent string, allowed []string) bool {
	for _, prefix := range allowed {
		if strings.HasPrefix(userAgent, prefix) {
			return true
		}
	}
	return false
}

func ipAllowed(ip string, allowed []string) bool {
	for _, a := range allowed {
		if ip == a {
			return true
		}
	}
	return false
}

// timestampFresh проверяет метку времени в теле уведомления.
// Вне строгого режима уведомления без метки пропускаются: не все
// версии шлюза ее шлют. В production строгий режим включен.
func timestampFresh(c *gin.Context, skew time.Duration, require bool) bool {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return false
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var notice struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(bodyBytes, &notice); err != nil || notice.Timestamp == 0 {
		return !require
	}

	delta := time.Since(time.Unix(notice.Timestamp, 0))
	if delta < 0 {
		delta = -delta
	}
	return delta <= skew
}

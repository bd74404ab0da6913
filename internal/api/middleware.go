package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
)

const (
	headerRequestID   = "x-request-id"
	headerUserID      = "x-user-id"
	headerEnv         = "x-ctrader-env"
	headerAccessToken = "x-ctrader-access-token"
	headerInternalKey = "x-internal-key"

	ctxRequestID = "requestId"
)

// RequestID tags every request and response with a correlation id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Writer.Header().Set(headerRequestID, id)
		c.Next()
	}
}

// RequestLogger records request metadata. Bodies are never logged; they
// carry OAuth codes and tokens.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("reqId", c.GetString(ctxRequestID)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if userID := c.GetHeader(headerUserID); userID != "" {
			fields = append(fields, zap.String("userId", userID))
		}
		if env := c.GetHeader(headerEnv); env != "" {
			fields = append(fields, zap.String("env", env))
		}

		switch {
		case status >= 500:
			log.Error("request failed", fields...)
		case status >= 400:
			log.Warn("request rejected", fields...)
		default:
			log.Info("request", fields...)
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.HTTPRequests.WithLabelValues(c.Request.Method, route, http.StatusText(status)).Inc()
		monitor.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// 20 req/s with burst 50 per client IP.
type ipLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(20), 50)
		l.limiters[ip] = lim
	}
	return lim
}

// RateLimit applies a per-IP token bucket.
func RateLimit() gin.HandlerFunc {
	l := &ipLimiters{limiters: make(map[string]*rate.Limiter)}
	return func(c *gin.Context) {
		if !l.get(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "rate limit exceeded",
				"details":   nil,
				"requestId": c.GetString(ctxRequestID),
			})
			return
		}
		c.Next()
	}
}

// InternalKey rejects callers without the shared secret. An empty
// configured key disables the check.
func InternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && c.GetHeader(headerInternalKey) != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":     "invalid internal key",
				"details":   nil,
				"requestId": c.GetString(ctxRequestID),
			})
			return
		}
		c.Next()
	}
}

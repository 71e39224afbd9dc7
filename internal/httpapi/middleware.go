package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"pdvcaixa/backend/internal/domain"
	"pdvcaixa/backend/internal/service"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	actorKey        = "actor"
	maxBodyBytes    = 1 << 20
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// recovery turns a panic into a generic 500.
func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.String("request_id", c.GetString(requestIDKey)),
					zap.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}
		c.Next()
	}
}

// requireAuth validates the bearer token and, when roles are given, the
// actor's role. The actor is attached to the request context.
func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeStatus(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeStatus(c, http.StatusUnauthorized, err.Error())
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeStatus(c, http.StatusForbidden, "forbidden role")
			return
		}

		c.Set(actorKey, actor)
		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// rateLimit aborts with 429 once the client IP exceeds l's rate. Keys are
// namespaced by scope so limiters can share a store.
func (a *API) rateLimit(l *limiter.Limiter, scope string, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.allow(c, l, scope, message) {
			return
		}
		c.Next()
	}
}

// allow reports whether the request may proceed, writing the response when
// it may not.
func (a *API) allow(c *gin.Context, l *limiter.Limiter, scope string, message string) bool {
	ip := c.ClientIP()
	lctx, err := l.Get(c.Request.Context(), scope+":"+ip)
	if err != nil {
		a.logger.Error("rate limit check failed", zap.String("scope", scope), zap.String("ip", ip), zap.Error(err))
		writeStatus(c, http.StatusInternalServerError, "internal server error")
		return false
	}
	if lctx.Reached {
		a.logger.Warn("rate limit exceeded",
			zap.String("scope", scope),
			zap.String("ip", ip),
			zap.Int64("limit", lctx.Limit),
		)
		writeStatus(c, http.StatusTooManyRequests, message)
		return false
	}
	return true
}

func actorFrom(c *gin.Context) domain.Actor {
	actor, _ := c.Get(actorKey)
	a, _ := actor.(domain.Actor)
	return a
}

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/namastexlabs/automagik-forge/pkg/models"
)

const userContextKey = "user"

// Middleware wraps a Service into gin handler funcs: bearer extraction,
// rate limiting, and admin gating for the HTTP half of the Tool Surface.
type Middleware struct {
	service     *Service
	rateLimiter *RateLimiter
}

func NewMiddleware(service *Service, rateLimiter *RateLimiter) *Middleware {
	return &Middleware{service: service, rateLimiter: rateLimiter}
}

// Authenticate validates the bearer token on every request, injects the
// resolved User into the gin context, and enforces the per-user rate
// limit. It never allows a request through without a user: access is
// granted by authenticate() returning successfully.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing or malformed Authorization header"})
			c.Abort()
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		user, err := m.service.Authenticate(c.Request.Context(), token)
		if err != nil {
			status := statusForErrKind(KindOf(err))
			c.JSON(status, gin.H{"success": false, "message": err.Error()})
			c.Abort()
			return
		}

		if m.rateLimiter != nil && !m.rateLimiter.Allow(user.ID) {
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// RequireAdmin ensures the authenticated user (already set by Authenticate)
// is an admin.
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := UserFromContext(c)
		if !ok || !user.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "admin privileges required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserFromContext extracts the authenticated User set by Authenticate.
func UserFromContext(c *gin.Context) (*models.User, bool) {
	v, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}

// RequireUserID is a convenience for handlers that only need the id.
func RequireUserID(c *gin.Context) (uuid.UUID, bool) {
	user, ok := UserFromContext(c)
	if !ok {
		return uuid.Nil, false
	}
	return user.ID, true
}

func statusForErrKind(kind ErrKind) int {
	switch kind {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/namastexlabs/automagik-forge/internal/forgeerr"
)

// envelope is the `{success, data?, message?}` shape every HTTP response
// uses.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	kind := forgeerr.KindOf(err)
	c.JSON(statusForKind(kind), envelope{Success: false, Message: err.Error()})
}

func statusForKind(kind forgeerr.Kind) int {
	switch kind {
	case forgeerr.Unauthenticated:
		return http.StatusUnauthorized
	case forgeerr.Forbidden:
		return http.StatusForbidden
	case forgeerr.NotFound:
		return http.StatusNotFound
	case forgeerr.Conflict:
		return http.StatusConflict
	case forgeerr.Validation:
		return http.StatusBadRequest
	case forgeerr.UpstreamUnavailable:
		return http.StatusBadGateway
	case forgeerr.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

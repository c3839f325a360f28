package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/service"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

// RequireAction rejects the request unless the identity on the context may perform action.
// Self-scoped actions are checked again by the service once the owner is known.
func RequireAction(guard *service.Guard, action service.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := guard.Authorize(Identity(c), action, ""); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

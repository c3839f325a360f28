package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutrack-api/internal/models"
	"github.com/noah-isme/edutrack-api/internal/service"
	appErrors "github.com/noah-isme/edutrack-api/pkg/errors"
	"github.com/noah-isme/edutrack-api/pkg/logger"
	"github.com/noah-isme/edutrack-api/pkg/response"
)

// ContextUserKey is the gin context key storing the authenticated *models.Identity.
const ContextUserKey = "currentUser"

// TokenAuthenticator resolves a bearer token into the stored user.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// JWT protects routes by requiring a valid access token for an active account.
func JWT(auth TokenAuthenticator, guard *service.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		identity := user.Identity()
		if err := guard.Authenticate(identity); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		setIdentity(c, identity)
		c.Next()
	}
}

// OptionalJWT attaches the identity when a valid token for an active account is present but
// never blocks the request.
func OptionalJWT(auth TokenAuthenticator, guard *service.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Next()
			return
		}

		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.Next()
			return
		}
		if identity := user.Identity(); guard.Authenticate(identity) == nil {
			setIdentity(c, identity)
		}
		c.Next()
	}
}

// Identity returns the identity attached by JWT or OptionalJWT, or nil.
func Identity(c *gin.Context) *models.Identity {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	identity, ok := value.(*models.Identity)
	if !ok {
		return nil
	}
	return identity
}

func setIdentity(c *gin.Context, identity *models.Identity) {
	c.Set(ContextUserKey, identity)
	c.Set(logger.ActorKey, identity.UserID)
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

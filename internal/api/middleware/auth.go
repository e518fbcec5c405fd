package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tillgate/tillgate/internal/auth"
	"github.com/tillgate/tillgate/internal/identity"
)

// sessionContextKey is the Gin context key holding the validated session.
const sessionContextKey = "tillgate_session"

// Validator resolves a bearer token to a live session.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*auth.SessionRecord, error)
}

// RequireSession validates the bearer token and stores the session on the
// context.
func RequireSession(validator Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortWithCode(c, http.StatusUnauthorized, identity.CodeSessionInvalid, "missing bearer token")
			return
		}

		session, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			abortWithCode(c, http.StatusUnauthorized, identity.CodeSessionInvalid, "session invalid or expired")
			return
		}

		c.Set(sessionContextKey, session)
		c.Next()
	}
}

// Session returns the validated session from the context, nil when the
// route is unauthenticated.
func Session(c *gin.Context) *auth.SessionRecord {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	session, _ := value.(*auth.SessionRecord)
	return session
}

// RequirePermission gates a route on the session role holding a
// permission.
func RequirePermission(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := Session(c)
		if session == nil {
			abortWithCode(c, http.StatusUnauthorized, identity.CodeSessionInvalid, "authentication required")
			return
		}
		if !auth.HasRolePermission(session.Role, perm) {
			abortWithCode(c, http.StatusForbidden, identity.CodeNotAuthorized, "insufficient permissions")
			return
		}
		c.Next()
	}
}

func abortWithCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{"code": code, "message": message},
	})
}

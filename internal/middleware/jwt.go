package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
	// ContextUserName is the key for the user's display name in gin context.
	ContextUserName = "user_name"
)

// JWT returns a middleware that validates the bearer token, rejects revoked tokens and sets user claims in context.
func JWT(jwtService *auth.JWTService, revoker auth.Revoker, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := Authenticate(c, jwtService, revoker, parts[1])
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrRevokedToken) {
				logger.Warn("token check failed", zap.Error(err))
			}
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(auth.ContextClaims, claims)
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, claims.Role)
		c.Set(ContextUserName, claims.Name)
		c.Next()
	}
}

// Authenticate validates token and consults the revocation list. It is shared by the websocket upgrade.
func Authenticate(c *gin.Context, jwtService *auth.JWTService, revoker auth.Revoker, token string) (*auth.Claims, error) {
	claims, err := jwtService.Validate(token)
	if err != nil {
		return nil, err
	}
	if revoker != nil {
		revoked, err := revoker.Revoked(c.Request.Context(), claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, auth.ErrRevokedToken
		}
	}
	return claims, nil
}

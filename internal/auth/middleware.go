package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "auth.claims"

// TokenVerifier проверяет строку токена и возвращает claims.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Middleware проверяет Bearer токен и кладет claims в контекст gin.
// Если заданы роли, у токена должна быть хотя бы одна из них.
func Middleware(verifier TokenVerifier, logger *zap.Logger, requiredRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.With(zap.String("path", c.Request.URL.Path))

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Warn("Authorization header missing")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Missing token"})
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			log.Warn("Malformed Authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Malformed token header"})
			return
		}

		claims, err := verifier.VerifyToken(c.Request.Context(), parts[1])
		if err != nil {
			msg := "Unauthorized: Invalid token"
			if errors.Is(err, ErrTokenExpired) {
				msg = "Unauthorized: Token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		if len(requiredRoles) > 0 {
			allowed := false
			for _, role := range requiredRoles {
				if claims.HasRole(role) {
					allowed = true
					break
				}
			}
			if !allowed {
				log.Warn("Actor does not have required role",
					zap.String("actor", claims.Actor()),
					zap.Strings("roles", claims.Roles),
					zap.Strings("requiredRoles", requiredRoles),
				)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden: Insufficient permissions"})
				return
			}
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// ClaimsFromContext возвращает claims, положенные Middleware.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

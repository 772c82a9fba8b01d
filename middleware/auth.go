package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"FACEINDEX/apperr"
	"FACEINDEX/config"
)

const RoleAdmin = "admin"

// JWTAuth verifies the HS256 bearer token and stores its claims under
// "currentUser".
func JWTAuth(key []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Read "Authorization: Bearer <token>"
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		// 2. Verify signature and expiry
		claims := &config.JWTClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "invalid or expired token")
			return
		}

		// 3. Hand the claims to the handlers
		c.Set("currentUser", claims)
		c.Next()
	}
}

// RequireRole only lets tokens with the given role through. It must run
// after JWTAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, _ := c.Get("currentUser")
		claims, ok := v.(*config.JWTClaims)
		if !ok || claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "this action needs the " + role + " role",
				"code":  apperr.CodeAuthForbidden,
			})
			return
		}
		c.Next()
	}
}

// MaxBody caps the request body; binding then fails with a MaxBytesError.
func MaxBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": msg,
		"code":  apperr.CodeAuthUnauthorized,
	})
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/eastrift/fleet-dispatch/pkg/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionRole enumerates the principal kinds carried in session tokens.
type SessionRole string

const (
	RoleDriver    SessionRole = "driver"
	RolePassenger SessionRole = "passenger"
	RoleAdmin     SessionRole = "admin"
)

// Claims represents JWT session claims
type Claims struct {
	SubjectID uuid.UUID   `json:"subject_id"`
	Role      SessionRole `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates JWT session tokens and resolves the principal
// into the gin context.
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokenString string

		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				common.ErrorResponse(c, http.StatusUnauthorized, "invalid authorization header format")
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else if t := c.Query("token"); t != "" {
			// Token via query param for WebSocket connections
			tokenString = t
		} else {
			common.ErrorResponse(c, http.StatusUnauthorized, "authorization required")
			c.Abort()
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			common.ErrorResponse(c, http.StatusUnauthorized, "invalid token claims")
			c.Abort()
			return
		}

		c.Set("session_id", claims.SubjectID.String())
		c.Set("session_role", string(claims.Role))
		c.Next()
	}
}

// RequireRole rejects principals whose role is not in the allowed set.
func RequireRole(roles ...SessionRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := SessionRole(c.GetString("session_role"))
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		common.ErrorResponse(c, http.StatusForbidden, "insufficient role")
		c.Abort()
	}
}

// SessionID extracts the authenticated principal id from the context.
func SessionID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.GetString("session_id"))
	if err != nil {
		return uuid.Nil, common.ErrUnauthorized
	}
	return id, nil
}

// IssueToken mints a session token; used by the auth collaborator and tests.
func IssueToken(secret string, subjectID uuid.UUID, role SessionRole, ttl time.Duration) (string, error) {
	claims := Claims{
		SubjectID: subjectID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

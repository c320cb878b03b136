package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/trustgate/internal/logging"
)

// ContextKeyAccountID is the gin context key holding the caller's account ID.
const ContextKeyAccountID = "authAccountID"

// Middleware resolves the caller from the Authorization header, or from the
// access_token query parameter for WebSocket upgrades. Requests without a
// valid token pass through unauthenticated; handlers decide whether that is
// an error.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			raw = c.Query("access_token")
		}

		if raw != "" {
			accountID, err := v.Verify(raw)
			if err == nil {
				c.Set(ContextKeyAccountID, accountID)
				c.Request = c.Request.WithContext(logging.WithAccountID(c.Request.Context(), accountID))
			} else {
				logging.L(c.Request.Context()).Debug("rejected bearer token", "error", err)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests the Middleware could not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if AccountID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// AccountID returns the authenticated account, or "" when anonymous.
func AccountID(c *gin.Context) string {
	v, ok := c.Get(ContextKeyAccountID)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

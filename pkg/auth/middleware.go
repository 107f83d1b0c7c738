package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "upload_claims"

// UploadAuthMiddleware validates the session token minted when an upload
// was signed. The token is pinned to one upload: when the route carries
// an :id parameter it must match the token's upload id.
func UploadAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateUploadToken(parts[1], secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		if id := c.Param("id"); id != "" && id != claims.UploadID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Token not valid for this upload"})
			c.Abort()
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// UploadClaimsFromContext returns the claims injected by
// UploadAuthMiddleware.
func UploadClaimsFromContext(c *gin.Context) (*UploadClaims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*UploadClaims)
	return claims, ok
}

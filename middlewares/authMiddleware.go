package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mobelwerk/logistics_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates the bearer token (when present) and stores the
// caller's identity in the request context. Requests without a token pass
// through; route handlers that require identity check for it themselves.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")

		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		auth = auth[len(bearer):]

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := c.Request.Context()
		if claim != nil {
			ctx = utils.SetUserIdInContext(ctx, claim.ID)
			ctx = utils.SetUserRoleInContext(ctx, claim.Role)
			ctx = utils.SetIsAdminInContext(ctx, strings.EqualFold(claim.Role, "Admin"))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GinAuth rejects requests without a valid bearer token. It passes
// everything through when authentication is disabled.
func (s *Service) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.enabled {
			c.Next()
			return
		}
		if err := s.Verify(bearer(c.Request)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

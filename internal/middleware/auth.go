package middleware

import (
	"github.com/gin-gonic/gin"
)

// Authentication is a placeholder global middleware. It currently allows all requests.
// Agent self-registration stays open so new instances can claim their identity.
func Authentication(c *gin.Context) {
	c.Next()
}

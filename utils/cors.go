package utils

import (
	"Go_Upload/internal/protocol"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware enables CORS for browser uploaders. An empty allowOrigin
// echoes the request origin.
func CORSMiddleware(allowOrigin string) gin.HandlerFunc {
	allowHeaders := "Content-Type, Accept, " + protocol.HeaderUploadID + ", " + protocol.HeaderChunkIndex
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowOrigin != "":
			c.Header("Access-Control-Allow-Origin", allowOrigin)
		case origin != "":
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		default:
			c.Header("Access-Control-Allow-Origin", "*")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

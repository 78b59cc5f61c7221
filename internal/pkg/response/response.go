package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"success":    true,
		"data":       data,
		"message":    "ok",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID(c),
	})
}

// Error writes a failed envelope. code is the business code the client maps
// to a message; statusCode is the transport status.
func Error(c *gin.Context, statusCode int, code int, message string) {
	c.JSON(statusCode, gin.H{
		"success":    false,
		"data":       nil,
		"code":       code,
		"message":    message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID(c),
	})
}

func AbortWithError(c *gin.Context, statusCode int, code int, message string) {
	Error(c, statusCode, code, message)
	c.Abort()
}

// ErrorWithDetail writes a failed envelope carrying a "detail" field, the
// shape validation failures use.
func ErrorWithDetail(c *gin.Context, statusCode int, code int, message string, detail string) {
	c.JSON(statusCode, gin.H{
		"success":    false,
		"code":       code,
		"message":    message,
		"detail":     detail,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID(c),
	})
}

func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = c.GetHeader("X-Request-Id")
	}
	return id
}

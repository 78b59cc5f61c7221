package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/response"
)

// ErrorLogger logs failed requests and recovers from panics.
func ErrorLogger(log *slog.Logger) gin.HandlerFunc {
	log = logger.OrDiscard(log)
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if recovered := recover(); recovered != nil {
				err := fmt.Errorf("%v", recovered)
				logRequestError(log, c, start, "panic", err, debug.Stack())
				response.AbortWithError(c, http.StatusInternalServerError, 50001, "Internal Server Error")
				return
			}

			if len(c.Errors) == 0 {
				if c.Writer.Status() >= http.StatusInternalServerError {
					logRequestError(log, c, start, "http_error", fmt.Errorf("status=%d", c.Writer.Status()), nil)
				}
				return
			}

			for _, err := range c.Errors {
				logRequestError(log, c, start, fmt.Sprintf("%v", err.Type), err.Err, nil)
			}
		}()

		c.Next()
	}
}

func logRequestError(log *slog.Logger, c *gin.Context, start time.Time, errType string, err error, stack []byte) {
	attrs := []any{
		"type", errType,
		"status", c.Writer.Status(),
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"query", c.Request.URL.RawQuery,
		"client_ip", c.ClientIP(),
		"user_id", c.GetString(userIDKey),
		logger.RequestID(requestID(c)),
		logger.Latency(time.Since(start)),
		logger.Error(err),
	}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	log.Error("request_error", attrs...)
}

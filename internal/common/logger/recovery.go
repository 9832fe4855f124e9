package logger

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginrisk/internal/common/errors"
)

// Recovery turns a handler panic into a logged 500 response. The panic value
// and stack stay in the log; the client only sees the request ID.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			fields := []zap.Field{
				zap.String("panic", fmt.Sprint(rec)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
				zap.String("stack_trace", string(debug.Stack())),
			}
			if requestID := c.GetString("request_id"); requestID != "" {
				fields = append(fields, zap.String("request_id", requestID))
			}
			if identity, exists := c.Get("identity"); exists {
				fields = append(fields, zap.Any("identity", identity))
			}
			logger.Error("Panic recovered", fields...)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			apperrors.HandleError(c, apperrors.New(apperrors.ErrInternal, "An unexpected error occurred", http.StatusInternalServerError))
			c.Abort()
		}()

		c.Next()
	}
}

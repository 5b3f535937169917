package middleware

import (
	"net/http"

	apperrors "github.com/Parr-Marketing/Dicksword/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler turns errors recorded on the gin context into responses.
// Typed application errors keep their code and status; anything else is
// served as an opaque internal error so driver details never leak.
func ErrorHandler(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr, ok := apperrors.From(err); ok {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"status", appErr.Status,
				"path", c.Request.URL.Path,
				"fields", appErr.Fields,
			)
			body := gin.H{"error": string(appErr.Code), "message": appErr.Message}
			if len(appErr.Fields) > 0 {
				body["details"] = appErr.Fields
			}
			c.JSON(appErr.Status, body)
			return
		}

		logger.Errorw("unhandled request error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.CodeInternal),
			"message": "internal error",
		})
	}
}

// Recovery converts a handler panic into a 500 instead of dropping the
// connection.
func Recovery(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("handler panic",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.CodeInternal),
					"message": "internal error",
				})
			}
		}()
		c.Next()
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestIDKey = "storefront.request_id"
)

// RequestLogger пишет одну строку logrus на запрос.
func RequestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestIDKey, requestID)
		c.Header(headerRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := log.Fields{
			"request_id":  requestID,
			"method":      c.Request.Method,
			"route":       c.FullPath(),
			"status":      status,
			"latency_ms":  time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"response_sz": c.Writer.Size(),
		}
		if identity, ok := IdentityFrom(c); ok {
			fields["email"] = identity.Email
			fields["role"] = identity.Role
		}
		entry := logger.WithFields(fields)
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request completed")
		case status >= http.StatusBadRequest:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

// RequestID возвращает id текущего запроса.
func RequestID(c *gin.Context) string {
	return c.GetString(ctxRequestIDKey)
}

// ErrorHandler дописывает ответ, если обработчик положил публичную ошибку в c.Errors,
// но сам ничего не записал.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		for i := len(c.Errors) - 1; i >= 0; i-- {
			err := c.Errors[i]
			if err.IsType(gin.ErrorTypePublic) {
				if resp, ok := err.Meta.(Response); ok {
					c.JSON(resp.Status, resp)
					return
				}
			}
		}
		if len(c.Errors) > 0 {
			resp := Response{Status: http.StatusInternalServerError}
			resp.Error.Code = codeInternal
			resp.Error.Message = "internal server error"
			c.JSON(http.StatusInternalServerError, resp)
		}
	}
}

// Recovery переводит panic в 500 и логирует её.
func Recovery(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.WithFields(log.Fields{
					"panic":      rec,
					"path":       c.Request.URL.Path,
					"request_id": RequestID(c),
				}).Error("recovered from panic")

				resp := Response{Status: http.StatusInternalServerError}
				resp.Error.Code = codeInternal
				resp.Error.Message = "internal server error"
				c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
			}
		}()
		c.Next()
	}
}

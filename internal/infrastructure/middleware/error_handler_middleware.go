package middleware

import (
	stderrors "errors"
	"net/http"

	"lanlink/internal/core/domain"
	"lanlink/pkg/errors"
	rlog "lanlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// domainErrors maps core sentinel errors onto API responses.
var domainErrors = []struct {
	target error
	code   errors.ErrorCode
	status int
}{
	{domain.ErrPeerNotFound, errors.ErrCodeNotFound, http.StatusNotFound},
	{domain.ErrCallInProgress, errors.ErrCodeConflict, http.StatusConflict},
	{domain.ErrNoActiveCall, errors.ErrCodeConflict, http.StatusConflict},
	{domain.ErrCallRejected, errors.ErrCodeConflict, http.StatusConflict},
	{domain.ErrConnectFailure, errors.ErrCodePeerUnreachable, http.StatusGatewayTimeout},
	{domain.ErrProtocol, errors.ErrCodePeerProtocol, http.StatusBadGateway},
	{domain.ErrUnknownStatus, errors.ErrCodePeerProtocol, http.StatusBadGateway},
	{domain.ErrDeviceUnavailable, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrBindFailure, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	{domain.ErrSendFailure, errors.ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
}

// AsAppError returns err as an AppError, translating core errors. It
// returns nil for errors it does not recognize.
func AsAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainErrors {
		if stderrors.Is(err, m.target) {
			return errors.WrapError(err, m.code, err.Error(), m.status)
		}
	}
	return nil
}

// respond aborts the chain with appErr as the JSON body.
func respond(c *gin.Context, appErr *errors.AppError) {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, body)
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	ctxLog := rlog.NewContextLogger(logger.Desugar())
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if appErr := AsAppError(err); appErr != nil {
			ctxLog.Sugar(c.Request.Context()).Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			respond(c, appErr)
			return
		}

		ctxLog.LogError(c.Request.Context(), err, "unhandled error",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)

		respond(c, errors.NewInternalError("Internal server error"))
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				respond(c, errors.NewInternalError("Internal server error"))
			}
		}()

		c.Next()
	}
}

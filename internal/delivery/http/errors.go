package http

import (
	"errors"
	"net/http"

	"narrative-server/internal/domain"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var errResp ErrorResponse

	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrUnknownEntity):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeBadRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		statusCode = http.StatusNotFound
		errResp = ErrorResponse{Code: ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		statusCode = http.StatusUnauthorized
		errResp = ErrorResponse{Code: ErrCodeUnauthorized, Message: "Unauthorized"}
	case errors.Is(err, domain.ErrCapacity):
		statusCode = http.StatusTooManyRequests
		errResp = ErrorResponse{Code: ErrCodeCapacity, Message: "World turn queue is full, retry later"}
	case errors.Is(err, domain.ErrWorldFaulted):
		statusCode = http.StatusLocked
		errResp = ErrorResponse{Code: ErrCodeFaulted, Message: "World is faulted and requires a reset"}
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrWorldNotFaulted), errors.Is(err, domain.ErrEntityExists):
		statusCode = http.StatusConflict
		errResp = ErrorResponse{Code: ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, domain.ErrEngineStopped), errors.Is(err, domain.ErrModelUnavailable):
		statusCode = http.StatusServiceUnavailable
		errResp = ErrorResponse{Code: ErrCodeUnavailable, Message: "Service temporarily unavailable"}
	default:
		h.logger.Error("Unhandled internal error", zap.String("path", c.FullPath()), zap.Error(err))
		statusCode = http.StatusInternalServerError
		errResp = ErrorResponse{Code: ErrCodeInternal, Message: "An unexpected internal error occurred"}
	}

	c.AbortWithStatusJSON(statusCode, errResp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: msg})
}

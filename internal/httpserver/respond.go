package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"go.uber.org/zap"
)

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// domainErrorStatus maps ledger sentinels onto HTTP statuses and stable
// error codes.
func domainErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dust.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, dust.ErrPricingMismatch):
		return http.StatusBadRequest, "pricing_mismatch"
	case errors.Is(err, dust.ErrGrantCeilingExceeded):
		return http.StatusBadRequest, "grant_ceiling_exceeded"
	case errors.Is(err, dust.ErrInvalidStreakDays):
		return http.StatusBadRequest, "invalid_streak_days"
	case errors.Is(err, dust.ErrInvalidRefundTarget):
		return http.StatusBadRequest, "invalid_refund_target"
	case errors.Is(err, dust.ErrInvalidUserID),
		errors.Is(err, dust.ErrInvalidAppID),
		errors.Is(err, dust.ErrInvalidTransactionID),
		errors.Is(err, dust.ErrInvalidAmount),
		errors.Is(err, dust.ErrInvalidIdempotencyKey),
		errors.Is(err, dust.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, dust.ErrAppInactive):
		return http.StatusForbidden, "app_inactive"
	case errors.Is(err, dust.ErrUnknownApp):
		return http.StatusNotFound, "unknown_app"
	case errors.Is(err, dust.ErrUnknownTransaction):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, dust.ErrLockContention):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, dust.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	case errors.Is(err, dust.ErrStreakAlreadyClaimed):
		return http.StatusConflict, "streak_already_claimed"
	case errors.Is(err, dust.ErrAppGrantExists):
		return http.StatusConflict, "grant_already_issued"
	case errors.Is(err, dust.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "duplicate_idempotency_key"
	case errors.Is(err, dust.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	status, code := domainErrorStatus(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(status, errorResponse(code, "unexpected failure"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

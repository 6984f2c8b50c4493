package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger  *zap.Logger
	service *dust.Service
	cfg     Config
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// resolveUser validates a user id from the request and checks the caller
// may act on it. An empty raw id resolves to the caller itself.
func (handler *httpHandler) resolveUser(ctx *gin.Context, raw string) (dust.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return dust.UserID{}, false
	}
	if strings.TrimSpace(raw) == "" {
		raw = claims.Subject
	}
	userID, err := dust.NewUserID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return dust.UserID{}, false
	}
	if !claims.CanActOn(userID.String()) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "cannot act on another user"))
		return dust.UserID{}, false
	}
	return userID, true
}

func optionalIdempotencyKey(raw string) (dust.IdempotencyKey, error) {
	if strings.TrimSpace(raw) == "" {
		return dust.IdempotencyKey{}, nil
	}
	return dust.NewIdempotencyKey(raw)
}

func optionalAppID(raw string) (dust.AppID, error) {
	if strings.TrimSpace(raw) == "" {
		return dust.AppID{}, nil
	}
	return dust.NewAppID(raw)
}

func metadataFromMap(raw map[string]any) (dust.MetadataJSON, error) {
	if len(raw) == 0 {
		return dust.MetadataJSON{}, nil
	}
	return dust.MergeMetadataJSON(dust.MetadataJSON{}, raw)
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.resolveUser(ctx, ctx.Param("user_id"))
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	snapshot, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, snapshot)
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	userID, ok := handler.resolveUser(ctx, ctx.Param("user_id"))
	if !ok {
		return
	}

	filter := dust.TransactionFilter{}
	if rawType := ctx.Query("type"); rawType != "" {
		parsed, err := dust.ParseTransactionType(rawType)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
			return
		}
		filter.Type = &parsed
	}
	if rawApp := ctx.Query("app_id"); rawApp != "" {
		parsed, err := dust.NewAppID(rawApp)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
			return
		}
		filter.AppID = &parsed
	}
	filter.Limit = intQuery(ctx, "limit")
	filter.Offset = intQuery(ctx, "offset")

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transactions, err := handler.service.ListTransactions(requestCtx, userID, filter)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactions})
}

func intQuery(ctx *gin.Context, name string) int {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

type consumeRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	AppID          string         `json:"app_id"`
	Action         string         `json:"action"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, ok := handler.resolveUser(ctx, request.UserID)
	if !ok {
		return
	}
	amount, err := dust.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	appID, err := dust.NewAppID(request.AppID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Consume(requestCtx, userID, amount, appID, request.Action, idempotencyKey, metadata)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type purchaseRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	PaymentID      string         `json:"payment_id"`
	PaymentAmount  int64          `json:"payment_amount"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	handler.executePurchase(ctx, ctx.Param("user_id"), false)
}

// handleInAppPurchase credits a caller-scoped purchase backed by a
// verified store receipt in the request body.
func (handler *httpHandler) handleInAppPurchase(ctx *gin.Context) {
	handler.executePurchase(ctx, "", true)
}

func (handler *httpHandler) executePurchase(ctx *gin.Context, pathUserID string, callerScoped bool) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rawUserID := request.UserID
	if pathUserID != "" {
		rawUserID = pathUserID
	}
	if callerScoped {
		rawUserID = ""
	}
	userID, ok := handler.resolveUser(ctx, rawUserID)
	if !ok {
		return
	}
	amount, err := dust.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Purchase(requestCtx, userID, amount, request.PaymentID, request.PaymentAmount, idempotencyKey, metadata)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type grantRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Reason         string         `json:"reason"`
	AppID          string         `json:"app_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	handler.executeGrant(ctx, "")
}

func (handler *httpHandler) handleReferralReward(ctx *gin.Context) {
	handler.executeGrant(ctx, "referral_reward")
}

func (handler *httpHandler) handlePromotionalGrant(ctx *gin.Context) {
	handler.executeGrant(ctx, "promotional")
}

func (handler *httpHandler) executeGrant(ctx *gin.Context, fixedReason string) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	userID, err := dust.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	amount, err := dust.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	appID, err := optionalAppID(request.AppID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	reason := fixedReason
	if reason == "" {
		reason = request.Reason
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Grant(requestCtx, userID, amount, reason, claims.Subject, appID, idempotencyKey, metadata)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (handler *httpHandler) handleAdminRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	transactionID, err := dust.NewTransactionID(request.TransactionID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Refund(requestCtx, transactionID, request.Reason, claims.Subject)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type bulkGrantRequest struct {
	UserIDs   []string       `json:"user_ids"`
	Amount    int64          `json:"amount"`
	Reason    string         `json:"reason"`
	KeyPrefix string         `json:"idempotency_key_prefix"`
	Metadata  map[string]any `json:"metadata"`
}

type bulkGrantOutcome struct {
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	ErrorCode     string `json:"error_code,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	BalanceAfter  int64  `json:"balance_after,omitempty"`
}

// handleBulkGrant applies one grant per listed user. Each user succeeds
// or fails independently; the response reports every outcome.
func (handler *httpHandler) handleBulkGrant(ctx *gin.Context) {
	var request bulkGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	if len(request.UserIDs) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "user_ids is required"))
		return
	}
	if len(request.UserIDs) > maxBulkGrantUsers {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "too many users in one request"))
		return
	}
	amount, err := dust.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	outcomes := make([]bulkGrantOutcome, 0, len(request.UserIDs))
	for _, rawUserID := range request.UserIDs {
		outcomes = append(outcomes, handler.grantOne(ctx, claims, rawUserID, amount, request.Reason, request.KeyPrefix, metadata))
	}
	ctx.JSON(http.StatusOK, gin.H{"results": outcomes})
}

func (handler *httpHandler) grantOne(ctx *gin.Context, claims *Claims, rawUserID string, amount dust.PositiveAmount, reason string, keyPrefix string, metadata dust.MetadataJSON) bulkGrantOutcome {
	userID, err := dust.NewUserID(rawUserID)
	if err != nil {
		return bulkGrantOutcome{UserID: rawUserID, Status: "failed", ErrorCode: "invalid_request"}
	}
	var idempotencyKey dust.IdempotencyKey
	if keyPrefix != "" {
		idempotencyKey, err = dust.NewIdempotencyKey(keyPrefix + ":" + userID.String())
		if err != nil {
			return bulkGrantOutcome{UserID: userID.String(), Status: "failed", ErrorCode: "invalid_request"}
		}
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Grant(requestCtx, userID, amount, reason, claims.Subject, dust.AppID{}, idempotencyKey, metadata)
	if err != nil {
		_, code := domainErrorStatus(err)
		return bulkGrantOutcome{UserID: userID.String(), Status: "failed", ErrorCode: code}
	}
	return bulkGrantOutcome{
		UserID:        userID.String(),
		Status:        "granted",
		TransactionID: result.Transaction.ID.String(),
		BalanceAfter:  result.BalanceAfter.Int64(),
	}
}

type adjustBalanceRequest struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleAdjustBalance(ctx *gin.Context) {
	var request adjustBalanceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	userID, err := dust.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.Adjust(requestCtx, userID, dust.Amount(request.Delta), request.Reason, claims.Subject)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

type appGrantRequest struct {
	UserID         string `json:"user_id"`
	AppID          string `json:"app_id"`
	Amount         int64  `json:"amount"`
	StreakDays     int    `json:"streak_days"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (handler *httpHandler) handleAppInitialGrant(ctx *gin.Context) {
	_, userID, appID, amount, idempotencyKey, ok := handler.bindAppGrant(ctx)
	if !ok {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.GrantInitial(requestCtx, userID, appID, amount, idempotencyKey)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) handleDailyBonus(ctx *gin.Context) {
	request, userID, appID, amount, idempotencyKey, ok := handler.bindAppGrant(ctx)
	if !ok {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.GrantStreak(requestCtx, userID, appID, amount, request.StreakDays, idempotencyKey)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (handler *httpHandler) bindAppGrant(ctx *gin.Context) (appGrantRequest, dust.UserID, dust.AppID, dust.PositiveAmount, dust.IdempotencyKey, bool) {
	var request appGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return request, dust.UserID{}, dust.AppID{}, 0, dust.IdempotencyKey{}, false
	}
	userID, ok := handler.resolveUser(ctx, request.UserID)
	if !ok {
		return request, dust.UserID{}, dust.AppID{}, 0, dust.IdempotencyKey{}, false
	}
	appID, err := dust.NewAppID(request.AppID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return request, dust.UserID{}, dust.AppID{}, 0, dust.IdempotencyKey{}, false
	}
	amount, err := dust.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return request, dust.UserID{}, dust.AppID{}, 0, dust.IdempotencyKey{}, false
	}
	idempotencyKey, err := optionalIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return request, dust.UserID{}, dust.AppID{}, 0, dust.IdempotencyKey{}, false
	}
	return request, userID, appID, amount, idempotencyKey, true
}

package dust

import (
	"context"
	"fmt"
)

// Grant credits a user's balance unconditionally. Initial, referral,
// promotional, and admin credits all route through here.
func (service *Service) Grant(ctx context.Context, userID UserID, amount PositiveAmount, reason string, grantedBy string, appID AppID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (TransactionResult, error) {
	result, err := service.credit(ctx, userID, amount, TransactionGrant, reason, grantedBy, appID, idempotencyKey, TransactionID{}, metadata)
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		AppID:          appID,
		TransactionID:  result.Transaction.ID,
		Amount:         amount.Amount(),
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
	return result, err
}

// Purchase records the DUST effect of an externally validated payment.
// One DUST equals one minor currency unit, so the verified payment must
// cover the requested amount.
func (service *Service) Purchase(ctx context.Context, userID UserID, amount PositiveAmount, paymentID string, paymentAmount int64, idempotencyKey IdempotencyKey, metadata MetadataJSON) (TransactionResult, error) {
	var result TransactionResult
	err := func() error {
		if paymentID == "" {
			return fmt.Errorf("%w: payment id is required", ErrInvalidAmount)
		}
		if paymentAmount < amount.Amount().Int64() {
			return fmt.Errorf("%w: payment of %d does not cover %d DUST", ErrInvalidAmount, paymentAmount, amount.Amount().Int64())
		}
		merged, err := MergeMetadataJSON(metadata, map[string]any{
			"payment_id":     paymentID,
			"payment_amount": paymentAmount,
		})
		if err != nil {
			return err
		}
		result, err = service.credit(ctx, userID, amount, TransactionPurchase, "purchase", "", AppID{}, idempotencyKey, TransactionID{}, merged)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationPurchase,
		UserID:         userID,
		TransactionID:  result.Transaction.ID,
		Amount:         amount.Amount(),
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
	return result, err
}

// Refund credits back a completed consume transaction, at most once.
func (service *Service) Refund(ctx context.Context, transactionID TransactionID, reason string, refundedBy string) (TransactionResult, error) {
	var result TransactionResult
	var userID UserID
	err := func() error {
		original, err := service.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		userID = original.UserID
		if original.Type != TransactionConsume || original.Status != StatusCompleted {
			return fmt.Errorf("%w: only completed consume transactions are refundable", ErrInvalidRefundTarget)
		}
		if _, lookupErr := service.store.GetRefundOf(ctx, transactionID); lookupErr == nil {
			return ErrAlreadyRefunded
		}
		amount, err := NewPositiveAmount(-original.Amount.Int64())
		if err != nil {
			return fmt.Errorf("%w: original amount is not a debit", ErrInvalidRefundTarget)
		}
		metadata, err := MergeMetadataJSON(MetadataJSON{}, map[string]any{
			"refunds_transaction_id": transactionID.String(),
			"refund_reason":          reason,
		})
		if err != nil {
			return err
		}
		result, err = service.credit(ctx, original.UserID, amount, TransactionRefund, reason, refundedBy, original.AppID, IdempotencyKey{}, transactionID, metadata)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		TransactionID: result.Transaction.ID,
		Amount:        result.Transaction.Amount,
		Error:         err,
	})
	return result, err
}

// Adjust applies a signed admin correction. Negative deltas observe the
// same non-negativity floor as consumption.
func (service *Service) Adjust(ctx context.Context, userID UserID, delta Amount, reason string, adjustedBy string) (TransactionResult, error) {
	var result TransactionResult
	err := func() error {
		if delta == 0 {
			return fmt.Errorf("%w: adjustment delta must be non-zero", ErrInvalidAmount)
		}
		metadata, err := MergeMetadataJSON(MetadataJSON{}, map[string]any{
			"adjustment":  true,
			"adjusted_by": adjustedBy,
			"reason":      reason,
		})
		if err != nil {
			return err
		}
		transactionType := TransactionGrant
		if delta < 0 {
			transactionType = TransactionConsume
		}
		result, err = service.applyMutation(ctx, userID, delta, TransactionInput{
			UserID:      userID,
			Type:        transactionType,
			Status:      StatusCompleted,
			Description: reason,
			Metadata:    metadata,
		}, nil, nil)
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:     operationAdjust,
		UserID:        userID,
		TransactionID: result.Transaction.ID,
		Amount:        delta,
		Error:         err,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

// credit is the shared positive-delta path used by grants, purchases, and
// refunds.
func (service *Service) credit(ctx context.Context, userID UserID, amount PositiveAmount, transactionType TransactionType, description string, grantedBy string, appID AppID, idempotencyKey IdempotencyKey, refundOfID TransactionID, metadata MetadataJSON) (TransactionResult, error) {
	if cached, hit := service.checkIdempotency(ctx, idempotencyKey); hit {
		return cached, nil
	}
	enriched := metadata
	if grantedBy != "" {
		merged, err := MergeMetadataJSON(metadata, map[string]any{"granted_by": grantedBy})
		if err != nil {
			return TransactionResult{}, err
		}
		enriched = merged
	}
	return service.applyMutation(ctx, userID, amount.Amount(), TransactionInput{
		UserID:         userID,
		Type:           transactionType,
		Status:         StatusCompleted,
		Description:    description,
		AppID:          appID,
		Metadata:       enriched,
		IdempotencyKey: idempotencyKey,
		RefundOfID:     refundOfID,
	}, nil, nil)
}

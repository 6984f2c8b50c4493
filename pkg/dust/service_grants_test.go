package dust

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestGrantCreditsBalanceAndRecordsGrantor(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	result, err := service.Grant(context.Background(), userID, mustPositiveAmount(test, 100), "welcome", "admin-7", AppID{}, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result.BalanceBefore != 0 || result.BalanceAfter != 100 {
		test.Fatalf("expected 0 -> 100, got %d -> %d", result.BalanceBefore, result.BalanceAfter)
	}
	if result.Transaction.Type != TransactionGrant || result.Transaction.Description != "welcome" {
		test.Fatalf("unexpected transaction: %+v", result.Transaction)
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(result.Transaction.Metadata.String()), &metadata); err != nil {
		test.Fatalf("decode metadata: %v", err)
	}
	if metadata["granted_by"] != "admin-7" {
		test.Fatalf("expected granted_by in metadata, got %v", metadata)
	}
}

func TestGrantIdempotencyFastPath(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	idempotency := newStubIdempotency()
	service := mustNewService(test, store, WithIdempotencyStore(idempotency))
	userID := mustUserID(test, userIDValue)
	key := mustIdempotencyKey(test, "grant-retry")

	first, err := service.Grant(context.Background(), userID, mustPositiveAmount(test, 50), "welcome", "system", AppID{}, key, MetadataJSON{})
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	second, err := service.Grant(context.Background(), userID, mustPositiveAmount(test, 50), "welcome", "system", AppID{}, key, MetadataJSON{})
	if err != nil {
		test.Fatalf("second grant: %v", err)
	}
	if first.Transaction.ID != second.Transaction.ID {
		test.Fatalf("expected replay of the original grant")
	}
	if store.state.balances[userIDValue] != 50 {
		test.Fatalf("balance must be credited exactly once, got %d", store.state.balances[userIDValue])
	}
}

func TestPurchaseRecordsPaymentDetails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	result, err := service.Purchase(context.Background(), userID, mustPositiveAmount(test, 500), "pay_123", 500, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if result.Transaction.Type != TransactionPurchase || result.BalanceAfter != 500 {
		test.Fatalf("unexpected result: %+v", result)
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(result.Transaction.Metadata.String()), &metadata); err != nil {
		test.Fatalf("decode metadata: %v", err)
	}
	if metadata["payment_id"] != "pay_123" {
		test.Fatalf("expected payment_id in metadata, got %v", metadata)
	}
}

func TestPurchaseRejectsUnderfundedPayment(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	testCases := []struct {
		name          string
		paymentID     string
		paymentAmount int64
	}{
		{name: "missing payment id", paymentID: "", paymentAmount: 500},
		{name: "payment short of dust", paymentID: "pay_123", paymentAmount: 499},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			_, err := service.Purchase(context.Background(), userID, mustPositiveAmount(test, 500), testCase.paymentID, testCase.paymentAmount, IdempotencyKey{}, MetadataJSON{})
			if !errors.Is(err, ErrInvalidAmount) {
				test.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
	if len(store.state.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.state.transactions))
	}
}

func TestRefundCreditsConsumeAtMostOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 100)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)

	consumed, err := service.Consume(context.Background(), userID, mustPositiveAmount(test, 40), appID, "render", IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("consume: %v", err)
	}

	refund, err := service.Refund(context.Background(), consumed.Transaction.ID, "unhappy render", "admin-7")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.Transaction.Type != TransactionRefund || refund.Transaction.Amount != 40 {
		test.Fatalf("unexpected refund transaction: %+v", refund.Transaction)
	}
	if refund.Transaction.RefundOfID != consumed.Transaction.ID {
		test.Fatalf("refund must reference the original transaction")
	}
	if store.state.balances[userIDValue] != 100 {
		test.Fatalf("expected balance restored to 100, got %d", store.state.balances[userIDValue])
	}

	if _, err := service.Refund(context.Background(), consumed.Transaction.ID, "again", "admin-7"); !errors.Is(err, ErrAlreadyRefunded) {
		test.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
	if store.state.balances[userIDValue] != 100 {
		test.Fatalf("second refund must not credit, got %d", store.state.balances[userIDValue])
	}
}

func TestRefundRejectsNonConsumeTargets(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	granted, err := service.Grant(context.Background(), userID, mustPositiveAmount(test, 50), "welcome", "system", AppID{}, IdempotencyKey{}, MetadataJSON{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}

	if _, err := service.Refund(context.Background(), granted.Transaction.ID, "oops", "admin-7"); !errors.Is(err, ErrInvalidRefundTarget) {
		test.Fatalf("expected ErrInvalidRefundTarget, got %v", err)
	}
}

func TestRefundUnknownTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)

	missing, err := NewTransactionID("9b2d7c52-30cb-4629-a2f2-2c6f2c1e2a10")
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	if _, err := service.Refund(context.Background(), missing, "oops", "admin-7"); !errors.Is(err, ErrUnknownTransaction) {
		test.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
}

func TestAdjustAppliesSignedDelta(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 30)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	credited, err := service.Adjust(context.Background(), userID, 20, "support credit", "admin-7")
	if err != nil {
		test.Fatalf("positive adjust: %v", err)
	}
	if credited.Transaction.Type != TransactionGrant || credited.BalanceAfter != 50 {
		test.Fatalf("unexpected credit result: %+v", credited)
	}

	debited, err := service.Adjust(context.Background(), userID, -15, "fraud clawback", "admin-7")
	if err != nil {
		test.Fatalf("negative adjust: %v", err)
	}
	if debited.Transaction.Type != TransactionConsume || debited.BalanceAfter != 35 {
		test.Fatalf("unexpected debit result: %+v", debited)
	}
}

func TestAdjustRejectsZeroAndFloorBreaches(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 10)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	if _, err := service.Adjust(context.Background(), userID, 0, "noop", "admin-7"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for zero delta, got %v", err)
	}
	if _, err := service.Adjust(context.Background(), userID, -50, "too deep", "admin-7"); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if store.state.balances[userIDValue] != 10 {
		test.Fatalf("balance must be unchanged, got %d", store.state.balances[userIDValue])
	}
}

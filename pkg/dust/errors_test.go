package dust

import (
	"errors"
	"testing"
)

func TestWrapErrorCarriesSegments(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "transaction", "insert", ErrDuplicateIdempotencyKey)

	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		test.Fatalf("expected OperationError, got %T", wrapped)
	}
	if operationError.Operation() != "store" || operationError.Subject() != "transaction" || operationError.Code() != "insert" {
		test.Fatalf("unexpected segments: %s.%s.%s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
	expected := "store.transaction.insert: duplicate idempotency key"
	if wrapped.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrapped.Error())
	}
}

func TestWrapErrorPreservesSentinels(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("lock", "user", "acquire", ErrLockContention)
	if !errors.Is(wrapped, ErrLockContention) {
		test.Fatalf("expected the sentinel to survive wrapping")
	}
}

func TestWrapErrorNilPassthrough(test *testing.T) {
	test.Parallel()
	if wrapped := WrapError("store", "balance", "read", nil); wrapped != nil {
		test.Fatalf("expected nil, got %v", wrapped)
	}
}

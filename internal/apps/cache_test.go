package apps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

const testAppID = "550e8400-e29b-41d4-a716-446655440000"

type countingDirectory struct {
	status  dust.AppStatus
	err     error
	lookups int
}

func (directory *countingDirectory) Lookup(ctx context.Context, appID dust.AppID) (dust.AppStatus, error) {
	directory.lookups++
	if directory.err != nil {
		return dust.AppStatus{}, directory.err
	}
	return directory.status, nil
}

type countingPriceBook struct {
	amount  dust.Amount
	known   bool
	err     error
	lookups int
}

func (book *countingPriceBook) Price(ctx context.Context, appID dust.AppID, action string) (dust.Amount, bool, error) {
	book.lookups++
	if book.err != nil {
		return 0, false, book.err
	}
	return book.amount, book.known, nil
}

func testApp(t *testing.T) dust.AppID {
	t.Helper()
	appID, err := dust.NewAppID(testAppID)
	if err != nil {
		t.Fatalf("app id: %v", err)
	}
	return appID
}

func TestCachedDirectoryMemoizesWithinTTL(t *testing.T) {
	t.Parallel()
	inner := &countingDirectory{status: dust.AppStatus{IsValid: true, IsActive: true}}
	cached := NewCachedDirectory(inner, time.Minute)
	current := time.Unix(1700000000, 0)
	cached.nowFn = func() time.Time { return current }
	appID := testApp(t)

	for i := 0; i < 3; i++ {
		status, err := cached.Lookup(context.Background(), appID)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if !status.IsValid || !status.IsActive {
			t.Fatalf("unexpected status: %+v", status)
		}
	}
	if inner.lookups != 1 {
		t.Fatalf("expected a single upstream lookup, got %d", inner.lookups)
	}

	current = current.Add(2 * time.Minute)
	if _, err := cached.Lookup(context.Background(), appID); err != nil {
		t.Fatalf("expired lookup: %v", err)
	}
	if inner.lookups != 2 {
		t.Fatalf("expected a refresh after expiry, got %d lookups", inner.lookups)
	}
}

func TestCachedDirectoryDoesNotCacheErrors(t *testing.T) {
	t.Parallel()
	inner := &countingDirectory{err: errors.New("directory down")}
	cached := NewCachedDirectory(inner, time.Minute)
	appID := testApp(t)

	for i := 0; i < 2; i++ {
		if _, err := cached.Lookup(context.Background(), appID); err == nil {
			t.Fatalf("expected the lookup error")
		}
	}
	if inner.lookups != 2 {
		t.Fatalf("errors must not be memoized, got %d lookups", inner.lookups)
	}

	inner.err = nil
	inner.status = dust.AppStatus{IsValid: true, IsActive: true}
	status, err := cached.Lookup(context.Background(), appID)
	if err != nil {
		t.Fatalf("recovered lookup: %v", err)
	}
	if !status.IsValid {
		t.Fatalf("expected the recovered verdict, got %+v", status)
	}
}

func TestCachedPriceBookMemoizesUnknownAnswers(t *testing.T) {
	t.Parallel()
	inner := &countingPriceBook{known: false}
	cached := NewCachedPriceBook(inner, time.Minute)
	appID := testApp(t)

	for i := 0; i < 3; i++ {
		_, known, err := cached.Price(context.Background(), appID, "render")
		if err != nil {
			t.Fatalf("price %d: %v", i, err)
		}
		if known {
			t.Fatalf("expected an unknown price")
		}
	}
	if inner.lookups != 1 {
		t.Fatalf("the unknown answer must be memoized, got %d lookups", inner.lookups)
	}

	// Different actions hit different memo entries.
	if _, _, err := cached.Price(context.Background(), appID, "export"); err != nil {
		t.Fatalf("second action: %v", err)
	}
	if inner.lookups != 2 {
		t.Fatalf("expected a lookup per action, got %d", inner.lookups)
	}
}

func TestCachedPriceBookReturnsPrices(t *testing.T) {
	t.Parallel()
	inner := &countingPriceBook{amount: 15, known: true}
	cached := NewCachedPriceBook(inner, 0)
	appID := testApp(t)

	amount, known, err := cached.Price(context.Background(), appID, "render")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !known || amount != 15 {
		t.Fatalf("expected price 15, got %d (known=%v)", amount, known)
	}
}

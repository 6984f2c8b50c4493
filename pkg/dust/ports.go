package dust

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. The durable store is
// the sole source of truth; every other collaborator is advisory.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID UserID) (BalanceRow, error)
	// GetBalanceForUpdate row-locks the balance; valid only inside WithTx.
	GetBalanceForUpdate(ctx context.Context, userID UserID) (BalanceRow, error)
	SaveBalance(ctx context.Context, userID UserID, amount Amount, atUnixUTC int64) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Transaction, error)
	GetRefundOf(ctx context.Context, originalID TransactionID) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error)
	SumCompleted(ctx context.Context, userID UserID) (Amount, error)
	SumPending(ctx context.Context, userID UserID) (Amount, error)
	InsertAppGrant(ctx context.Context, grant AppGrant) error
	GetAppGrant(ctx context.Context, userID UserID, appID AppID, grantType GrantType, grantedDate string) (AppGrant, error)
	GetUserStreakForUpdate(ctx context.Context, userID UserID) (UserStreak, error)
	SaveUserStreak(ctx context.Context, streak UserStreak) error
	ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error)
	RollupUsage(ctx context.Context, sinceUnixUTC int64, untilUnixUTC int64) (int64, error)
}

// Locker serializes balance mutations per user across replicas. Acquire
// returns ok=false immediately on contention; callers surface a conflict
// instead of blocking.
type Locker interface {
	Acquire(ctx context.Context, userID UserID, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, userID UserID, token string) error
}

// BalanceCache is a short-TTL read-through cache of balance snapshots. It
// is written only as a derived refresh or invalidation, never as the
// authoritative update path.
type BalanceCache interface {
	Get(ctx context.Context, userID UserID) (BalanceSnapshot, bool, error)
	Set(ctx context.Context, userID UserID, snapshot BalanceSnapshot) error
	Invalidate(ctx context.Context, userID UserID) error
	CachedUserIDs(ctx context.Context) ([]UserID, error)
}

// IdempotencyStore maps caller-supplied keys to previously produced
// results for a bounded retention window. A failed Store write is
// non-fatal; database uniqueness constraints remain the backstop.
type IdempotencyStore interface {
	Check(ctx context.Context, key IdempotencyKey) (*TransactionResult, error)
	Store(ctx context.Context, key IdempotencyKey, result TransactionResult) error
}

// EventPublisher announces committed balance changes. Best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// AppDirectory is the external app-validity collaborator.
type AppDirectory interface {
	Lookup(ctx context.Context, appID AppID) (AppStatus, error)
}

// PriceBook is the optional external action-pricing collaborator. ok=false
// means no pricing data exists for the action and the caller-supplied
// amount is trusted.
type PriceBook interface {
	Price(ctx context.Context, appID AppID, action string) (amount Amount, ok bool, err error)
}

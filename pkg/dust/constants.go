package dust

import "time"

const (
	operationConsume      = "consume"
	operationGrant        = "grant"
	operationPurchase     = "purchase"
	operationRefund       = "refund"
	operationGrantInitial = "grant_initial"
	operationGrantStreak  = "grant_streak"
	operationAdjust       = "adjust"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// MaxInitialGrantAmount caps one-time per-app welcome grants.
	MaxInitialGrantAmount = 100
	// MaxStreakGrantAmount caps daily streak bonus grants.
	MaxStreakGrantAmount = 25
	// MinStreakDays and MaxStreakDays bound the reward day of a streak claim.
	MinStreakDays = 1
	MaxStreakDays = 5

	maxIdempotencyKeyLength = 128

	// DefaultLockTTL bounds how long a crashed holder can stall a user's
	// mutations before the lock expires on its own.
	DefaultLockTTL = 2 * time.Second
	// DefaultTxTimeout bounds the database critical section; it is kept
	// below the lock TTL so a stuck statement cannot hold the lock until
	// expiry without making progress.
	DefaultTxTimeout = 1500 * time.Millisecond

	// IdempotencyRetention is how long a stored idempotency mapping is
	// honored before eviction.
	IdempotencyRetention = 24 * time.Hour

	streakDateLayout = "2006-01-02"
)

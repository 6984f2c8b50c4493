package coord

import "github.com/starfall-labs/dust-ledger/pkg/dust"

const (
	keyPrefix           = "dust:"
	lockKeyPrefix       = keyPrefix + "lock:balance:"
	balanceKeyPrefix    = keyPrefix + "balance:"
	idempotencyPrefix   = keyPrefix + "idem:"
	balanceEventChannel = keyPrefix + "balance:events"
)

func lockKey(userID dust.UserID) string {
	return lockKeyPrefix + userID.String()
}

func balanceKey(userID dust.UserID) string {
	return balanceKeyPrefix + userID.String()
}

func idempotencyStoreKey(key dust.IdempotencyKey) string {
	return idempotencyPrefix + key.String()
}

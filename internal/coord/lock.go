package coord

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

// releaseScript deletes the lock only when it still holds the caller's
// token, so a holder whose TTL already fired cannot delete a successor's
// lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock serializes per-user balance mutations across replicas with a
// SET NX token and a check-and-delete release.
type Lock struct {
	client redis.UniversalClient
}

// NewLock returns a redis-backed dust.Locker.
func NewLock(client redis.UniversalClient) *Lock {
	return &Lock{client: client}
}

// Acquire tries once and reports ok=false on contention; it never blocks
// waiting for the current holder.
func (lock *Lock) Acquire(ctx context.Context, userID dust.UserID, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := lock.client.SetNX(ctx, lockKey(userID), token, ttl).Result()
	if err != nil {
		return "", false, dust.WrapError("lock", userID.String(), "acquire", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock if the token still owns it. Releasing an
// expired or stolen lock is a no-op.
func (lock *Lock) Release(ctx context.Context, userID dust.UserID, token string) error {
	err := releaseScript.Run(ctx, lock.client, []string{lockKey(userID)}, token).Err()
	if err != nil {
		return dust.WrapError("lock", userID.String(), "release", err)
	}
	return nil
}

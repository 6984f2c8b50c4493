package coord

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

// IdempotencyStore keeps completed operation results keyed by the
// caller-supplied idempotency key for a bounded retention window. It is a
// fast path only: the unique index on transactions.idempotency_key is the
// backstop when an entry is missing or redis is down.
type IdempotencyStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewIdempotencyStore returns a redis-backed dust.IdempotencyStore. A zero
// retention falls back to dust.IdempotencyRetention.
func NewIdempotencyStore(client redis.UniversalClient, retention time.Duration) *IdempotencyStore {
	if retention <= 0 {
		retention = dust.IdempotencyRetention
	}
	return &IdempotencyStore{client: client, retention: retention}
}

// Check returns the stored result for a key, or nil when the key is
// unseen. Decode failures read as unseen.
func (store *IdempotencyStore) Check(ctx context.Context, key dust.IdempotencyKey) (*dust.TransactionResult, error) {
	payload, err := store.client.Get(ctx, idempotencyStoreKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, dust.WrapError("idempotency", key.String(), "check", err)
	}
	var result dust.TransactionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		_ = store.client.Del(ctx, idempotencyStoreKey(key)).Err()
		return nil, nil
	}
	return &result, nil
}

// Store records a completed result under the key. Callers treat a failure
// here as non-fatal.
func (store *IdempotencyStore) Store(ctx context.Context, key dust.IdempotencyKey, result dust.TransactionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return dust.WrapError("idempotency", key.String(), "encode", err)
	}
	if err := store.client.Set(ctx, idempotencyStoreKey(key), payload, store.retention).Err(); err != nil {
		return dust.WrapError("idempotency", key.String(), "store", err)
	}
	return nil
}

package coord

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

// DefaultBalanceTTL bounds how stale a cached balance snapshot can get
// before reads fall through to the database.
const DefaultBalanceTTL = 30 * time.Second

// BalanceCache keeps JSON balance snapshots in redis under a short TTL.
// A miss, a decode failure, or a redis outage all read as a miss so the
// caller falls back to the durable store.
type BalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewBalanceCache returns a redis-backed dust.BalanceCache. A zero ttl
// falls back to DefaultBalanceTTL.
func NewBalanceCache(client redis.UniversalClient, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func (cache *BalanceCache) Get(ctx context.Context, userID dust.UserID) (dust.BalanceSnapshot, bool, error) {
	payload, err := cache.client.Get(ctx, balanceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return dust.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return dust.BalanceSnapshot{}, false, dust.WrapError("cache", userID.String(), "get", err)
	}
	var snapshot dust.BalanceSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		// Poisoned entries are dropped rather than served.
		_ = cache.client.Del(ctx, balanceKey(userID)).Err()
		return dust.BalanceSnapshot{}, false, nil
	}
	return snapshot, true, nil
}

func (cache *BalanceCache) Set(ctx context.Context, userID dust.UserID, snapshot dust.BalanceSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return dust.WrapError("cache", userID.String(), "encode", err)
	}
	if err := cache.client.Set(ctx, balanceKey(userID), payload, cache.ttl).Err(); err != nil {
		return dust.WrapError("cache", userID.String(), "set", err)
	}
	return nil
}

func (cache *BalanceCache) Invalidate(ctx context.Context, userID dust.UserID) error {
	if err := cache.client.Del(ctx, balanceKey(userID)).Err(); err != nil {
		return dust.WrapError("cache", userID.String(), "invalidate", err)
	}
	return nil
}

// CachedUserIDs scans for every cached balance key so the reconciler can
// refresh live entries without tracking membership separately.
func (cache *BalanceCache) CachedUserIDs(ctx context.Context) ([]dust.UserID, error) {
	var userIDs []dust.UserID
	iterator := cache.client.Scan(ctx, 0, balanceKeyPrefix+"*", 100).Iterator()
	for iterator.Next(ctx) {
		raw := strings.TrimPrefix(iterator.Val(), balanceKeyPrefix)
		userID, err := dust.NewUserID(raw)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	if err := iterator.Err(); err != nil {
		return nil, dust.WrapError("cache", "scan", "list", err)
	}
	return userIDs, nil
}

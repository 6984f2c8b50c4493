package apps

import (
	"context"
	"sync"
	"time"

	"github.com/starfall-labs/dust-ledger/pkg/dust"
)

// DefaultStatusTTL bounds how long a directory verdict or a price is
// reused before asking the collaborator again.
const DefaultStatusTTL = 5 * time.Minute

type cachedStatus struct {
	status    dust.AppStatus
	expiresAt time.Time
}

// CachedDirectory memoizes directory verdicts in process. Collaborator
// errors are never cached, so a flapping directory recovers on the next
// lookup.
type CachedDirectory struct {
	inner dust.AppDirectory
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[string]cachedStatus
}

// NewCachedDirectory wraps a directory with a TTL memo. A zero ttl falls
// back to DefaultStatusTTL.
func NewCachedDirectory(inner dust.AppDirectory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &CachedDirectory{
		inner:   inner,
		ttl:     ttl,
		nowFn:   time.Now,
		entries: map[string]cachedStatus{},
	}
}

func (directory *CachedDirectory) Lookup(ctx context.Context, appID dust.AppID) (dust.AppStatus, error) {
	now := directory.nowFn()
	directory.mu.Lock()
	entry, found := directory.entries[appID.String()]
	directory.mu.Unlock()
	if found && now.Before(entry.expiresAt) {
		return entry.status, nil
	}

	status, err := directory.inner.Lookup(ctx, appID)
	if err != nil {
		return dust.AppStatus{}, err
	}
	directory.mu.Lock()
	directory.entries[appID.String()] = cachedStatus{status: status, expiresAt: now.Add(directory.ttl)}
	directory.mu.Unlock()
	return status, nil
}

type cachedPrice struct {
	amount    dust.Amount
	known     bool
	expiresAt time.Time
}

// CachedPriceBook memoizes pricing answers in process, including the
// "no pricing data" answer.
type CachedPriceBook struct {
	inner dust.PriceBook
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	entries map[string]cachedPrice
}

// NewCachedPriceBook wraps a price book with a TTL memo. A zero ttl falls
// back to DefaultStatusTTL.
func NewCachedPriceBook(inner dust.PriceBook, ttl time.Duration) *CachedPriceBook {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &CachedPriceBook{
		inner:   inner,
		ttl:     ttl,
		nowFn:   time.Now,
		entries: map[string]cachedPrice{},
	}
}

func (book *CachedPriceBook) Price(ctx context.Context, appID dust.AppID, action string) (dust.Amount, bool, error) {
	cacheKey := appID.String() + "/" + action
	now := book.nowFn()
	book.mu.Lock()
	entry, found := book.entries[cacheKey]
	book.mu.Unlock()
	if found && now.Before(entry.expiresAt) {
		return entry.amount, entry.known, nil
	}

	amount, known, err := book.inner.Price(ctx, appID, action)
	if err != nil {
		return 0, false, err
	}
	book.mu.Lock()
	book.entries[cacheKey] = cachedPrice{amount: amount, known: known, expiresAt: now.Add(book.ttl)}
	book.mu.Unlock()
	return amount, known, nil
}

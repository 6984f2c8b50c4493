package dust

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

const (
	userIDValue     = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	appIDValue      = "550e8400-e29b-41d4-a716-446655440000"
	otherAppIDValue = "123e4567-e89b-12d3-a456-426614174000"
	fixedNowUnixUTC = int64(1700000000)
)

var errStubNotFound = errors.New("stub: not found")

type stubState struct {
	balances     map[string]Amount
	updatedAt    map[string]int64
	transactions []Transaction
	appGrants    map[string]AppGrant
	streaks      map[string]UserStreak
}

func (state *stubState) clone() *stubState {
	copied := &stubState{
		balances:     map[string]Amount{},
		updatedAt:    map[string]int64{},
		transactions: append([]Transaction(nil), state.transactions...),
		appGrants:    map[string]AppGrant{},
		streaks:      map[string]UserStreak{},
	}
	for key, value := range state.balances {
		copied.balances[key] = value
	}
	for key, value := range state.updatedAt {
		copied.updatedAt[key] = value
	}
	for key, value := range state.appGrants {
		copied.appGrants[key] = value
	}
	for key, value := range state.streaks {
		copied.streaks[key] = value
	}
	return copied
}

// stubStore is an in-memory Store with snapshot-rollback transactions and
// per-call error injection.
type stubStore struct {
	state *stubState

	getBalanceError       error
	saveBalanceError      error
	insertTransactionErr  error
	getTransactionError   error
	listTransactionsError error
	sumPendingError       error
	insertAppGrantError   error
	streakError           error
	appGrantMisses        int
}

func newStubStore(test *testing.T, openingBalance Amount) *stubStore {
	test.Helper()
	store := &stubStore{state: &stubState{
		balances:  map[string]Amount{},
		updatedAt: map[string]int64{},
		appGrants: map[string]AppGrant{},
		streaks:   map[string]UserStreak{},
	}}
	store.state.balances[userIDValue] = openingBalance
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.state.clone()
	if err := fn(ctx, store); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, userID UserID) (BalanceRow, error) {
	if store.getBalanceError != nil {
		return BalanceRow{}, store.getBalanceError
	}
	return BalanceRow{
		UserID:         userID,
		Amount:         store.state.balances[userID.String()],
		UpdatedUnixUTC: store.state.updatedAt[userID.String()],
	}, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, userID UserID) (BalanceRow, error) {
	return store.GetOrCreateBalance(ctx, userID)
}

func (store *stubStore) SaveBalance(ctx context.Context, userID UserID, amount Amount, atUnixUTC int64) error {
	if store.saveBalanceError != nil {
		return store.saveBalanceError
	}
	store.state.balances[userID.String()] = amount
	store.state.updatedAt[userID.String()] = atUnixUTC
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if store.insertTransactionErr != nil {
		return Transaction{}, store.insertTransactionErr
	}
	if !input.IdempotencyKey.IsZero() {
		for _, existing := range store.state.transactions {
			if existing.IdempotencyKey == input.IdempotencyKey {
				return Transaction{}, ErrDuplicateIdempotencyKey
			}
		}
	}
	if !input.RefundOfID.IsZero() {
		for _, existing := range store.state.transactions {
			if existing.RefundOfID == input.RefundOfID {
				return Transaction{}, ErrAlreadyRefunded
			}
		}
	}
	transactionID, err := NewTransactionID(uuid.NewString())
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		ID:             transactionID,
		UserID:         input.UserID,
		Amount:         input.Amount,
		Type:           input.Type,
		Status:         input.Status,
		Description:    input.Description,
		AppID:          input.AppID,
		Metadata:       input.Metadata,
		IdempotencyKey: input.IdempotencyKey,
		RefundOfID:     input.RefundOfID,
		BalanceAfter:   input.BalanceAfter,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if store.getTransactionError != nil {
		return Transaction{}, store.getTransactionError
	}
	for _, transaction := range store.state.transactions {
		if transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) GetTransactionByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Transaction, error) {
	for _, transaction := range store.state.transactions {
		if transaction.IdempotencyKey == key {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) GetRefundOf(ctx context.Context, originalID TransactionID) (Transaction, error) {
	for _, transaction := range store.state.transactions {
		if transaction.RefundOfID == originalID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error) {
	if store.listTransactionsError != nil {
		return nil, store.listTransactionsError
	}
	var matched []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.UserID != userID {
			continue
		}
		if filter.Type != nil && transaction.Type != *filter.Type {
			continue
		}
		matched = append(matched, transaction)
	}
	return matched, nil
}

func (store *stubStore) SumCompleted(ctx context.Context, userID UserID) (Amount, error) {
	var sum Amount
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID && transaction.Status == StatusCompleted {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) SumPending(ctx context.Context, userID UserID) (Amount, error) {
	if store.sumPendingError != nil {
		return 0, store.sumPendingError
	}
	var sum Amount
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID && transaction.Status == StatusPending {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func appGrantKey(userID UserID, appID AppID, grantType GrantType, grantedDate string) string {
	return fmt.Sprintf("%s|%s|%s|%s", userID.String(), appID.String(), grantType.String(), grantedDate)
}

func (store *stubStore) InsertAppGrant(ctx context.Context, grant AppGrant) error {
	if store.insertAppGrantError != nil {
		return store.insertAppGrantError
	}
	key := appGrantKey(grant.UserID, grant.AppID, grant.GrantType, grant.GrantedDate)
	if _, exists := store.state.appGrants[key]; exists {
		return ErrAppGrantExists
	}
	store.state.appGrants[key] = grant
	return nil
}

func (store *stubStore) GetAppGrant(ctx context.Context, userID UserID, appID AppID, grantType GrantType, grantedDate string) (AppGrant, error) {
	if store.appGrantMisses > 0 {
		store.appGrantMisses--
		return AppGrant{}, errStubNotFound
	}
	grant, exists := store.state.appGrants[appGrantKey(userID, appID, grantType, grantedDate)]
	if !exists {
		return AppGrant{}, errStubNotFound
	}
	return grant, nil
}

func (store *stubStore) GetUserStreakForUpdate(ctx context.Context, userID UserID) (UserStreak, error) {
	if store.streakError != nil {
		return UserStreak{}, store.streakError
	}
	streak, exists := store.state.streaks[userID.String()]
	if !exists {
		return UserStreak{UserID: userID}, nil
	}
	return streak, nil
}

func (store *stubStore) SaveUserStreak(ctx context.Context, streak UserStreak) error {
	if store.streakError != nil {
		return store.streakError
	}
	store.state.streaks[streak.UserID.String()] = streak
	return nil
}

func (store *stubStore) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	var expired int64
	for index, transaction := range store.state.transactions {
		if transaction.Status == StatusPending && transaction.CreatedUnixUTC < cutoffUnixUTC {
			store.state.transactions[index].Status = StatusFailed
			expired++
		}
	}
	return expired, nil
}

func (store *stubStore) RollupUsage(ctx context.Context, sinceUnixUTC int64, untilUnixUTC int64) (int64, error) {
	return 0, nil
}

// stubLocker hands out tokens unless told to contend.
type stubLocker struct {
	acquireError error
	contended    bool
	acquisitions int
	releases     int
}

func newTestLocker() *stubLocker {
	return &stubLocker{}
}

func (locker *stubLocker) Acquire(ctx context.Context, userID UserID, ttl time.Duration) (string, bool, error) {
	if locker.acquireError != nil {
		return "", false, locker.acquireError
	}
	if locker.contended {
		return "", false, nil
	}
	locker.acquisitions++
	return fmt.Sprintf("token-%d", locker.acquisitions), true, nil
}

func (locker *stubLocker) Release(ctx context.Context, userID UserID, token string) error {
	locker.releases++
	return nil
}

type stubPublisher struct {
	events       []ChangeEvent
	publishError error
}

func (publisher *stubPublisher) Publish(ctx context.Context, event ChangeEvent) error {
	if publisher.publishError != nil {
		return publisher.publishError
	}
	publisher.events = append(publisher.events, event)
	return nil
}

type stubCache struct {
	snapshots   map[string]BalanceSnapshot
	invalidated []string
	getError    error
	storedCount int
}

func newStubCache() *stubCache {
	return &stubCache{snapshots: map[string]BalanceSnapshot{}}
}

func (cache *stubCache) Get(ctx context.Context, userID UserID) (BalanceSnapshot, bool, error) {
	if cache.getError != nil {
		return BalanceSnapshot{}, false, cache.getError
	}
	snapshot, hit := cache.snapshots[userID.String()]
	return snapshot, hit, nil
}

func (cache *stubCache) Set(ctx context.Context, userID UserID, snapshot BalanceSnapshot) error {
	cache.snapshots[userID.String()] = snapshot
	cache.storedCount++
	return nil
}

func (cache *stubCache) Invalidate(ctx context.Context, userID UserID) error {
	delete(cache.snapshots, userID.String())
	cache.invalidated = append(cache.invalidated, userID.String())
	return nil
}

func (cache *stubCache) CachedUserIDs(ctx context.Context) ([]UserID, error) {
	var userIDs []UserID
	for raw := range cache.snapshots {
		userID, err := NewUserID(raw)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

type stubIdempotency struct {
	results    map[string]TransactionResult
	checkError error
	storeError error
}

func newStubIdempotency() *stubIdempotency {
	return &stubIdempotency{results: map[string]TransactionResult{}}
}

func (idempotency *stubIdempotency) Check(ctx context.Context, key IdempotencyKey) (*TransactionResult, error) {
	if idempotency.checkError != nil {
		return nil, idempotency.checkError
	}
	result, exists := idempotency.results[key.String()]
	if !exists {
		return nil, nil
	}
	return &result, nil
}

func (idempotency *stubIdempotency) Store(ctx context.Context, key IdempotencyKey, result TransactionResult) error {
	if idempotency.storeError != nil {
		return idempotency.storeError
	}
	idempotency.results[key.String()] = result
	return nil
}

type stubDirectory struct {
	status      AppStatus
	lookupError error
}

func (directory *stubDirectory) Lookup(ctx context.Context, appID AppID) (AppStatus, error) {
	if directory.lookupError != nil {
		return AppStatus{}, directory.lookupError
	}
	return directory.status, nil
}

type stubPriceBook struct {
	price      Amount
	known      bool
	priceError error
}

func (book *stubPriceBook) Price(ctx context.Context, appID AppID, action string) (Amount, bool, error) {
	if book.priceError != nil {
		return 0, false, book.priceError
	}
	return book.price, book.known, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, newTestLocker(), func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustAppID(test *testing.T, raw string) AppID {
	test.Helper()
	value, err := NewAppID(raw)
	if err != nil {
		test.Fatalf("app id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmount {
	test.Helper()
	value, err := NewPositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

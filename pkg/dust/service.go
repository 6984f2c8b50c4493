package dust

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the transaction-processing logic over a Store, guarded
// by a per-user distributed lock. The lock and every cache are advisory;
// the store transaction is the final arbiter of correctness.
type Service struct {
	store       Store
	locker      Locker
	cache       BalanceCache
	idempotency IdempotencyStore
	events      EventPublisher
	apps        AppDirectory
	prices      PriceBook
	nowFn       func() int64
	logger      OperationLogger
	lockTTL     time.Duration
	txTimeout   time.Duration
}

// NewService wires a Service.
func NewService(store Store, locker Locker, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if locker == nil {
		return nil, fmt.Errorf("%w: locker dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:     store,
		locker:    locker,
		nowFn:     now,
		lockTTL:   DefaultLockTTL,
		txTimeout: DefaultTxTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithBalanceCache wires the short-TTL read cache.
func WithBalanceCache(cache BalanceCache) ServiceOption {
	return func(service *Service) { service.cache = cache }
}

// WithIdempotencyStore wires the idempotency fast path.
func WithIdempotencyStore(idempotency IdempotencyStore) ServiceOption {
	return func(service *Service) { service.idempotency = idempotency }
}

// WithEventPublisher wires the balance-change announcer.
func WithEventPublisher(events EventPublisher) ServiceOption {
	return func(service *Service) { service.events = events }
}

// WithAppDirectory wires the app-validity collaborator. Without one, app
// validation is skipped entirely.
func WithAppDirectory(apps AppDirectory) ServiceOption {
	return func(service *Service) { service.apps = apps }
}

// WithPriceBook wires the action-pricing collaborator.
func WithPriceBook(prices PriceBook) ServiceOption {
	return func(service *Service) { service.prices = prices }
}

// WithLockTTL overrides the per-user lock TTL.
func WithLockTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.lockTTL = ttl
		}
	}
}

// WithTxTimeout overrides the database critical-section timeout.
func WithTxTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.txTimeout = timeout
		}
	}
}

// Balance returns the current snapshot for a user, preferring the cache
// and falling back to a durable read on a miss. Reads bypass the lock.
func (service *Service) Balance(ctx context.Context, userID UserID) (BalanceSnapshot, error) {
	if service.cache != nil {
		snapshot, hit, err := service.cache.Get(ctx, userID)
		if err == nil && hit {
			return snapshot, nil
		}
	}
	row, err := service.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	pending, err := service.store.SumPending(ctx, userID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	snapshot := BalanceSnapshot{
		UserID:         userID.String(),
		Balance:        row.Amount.Int64(),
		PendingBalance: pending.Int64(),
		LastUpdated:    row.UpdatedUnixUTC,
	}
	if service.cache != nil {
		_ = service.cache.Set(ctx, userID, snapshot)
	}
	return snapshot, nil
}

// ListTransactions lists a user's ledger history, newest first.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, filter)
}

// Consume debits a user's balance in exchange for using an app.
func (service *Service) Consume(ctx context.Context, userID UserID, amount PositiveAmount, appID AppID, action string, idempotencyKey IdempotencyKey, metadata MetadataJSON) (TransactionResult, error) {
	if appID.IsZero() {
		return TransactionResult{}, fmt.Errorf("%w: consume requires an app id", ErrInvalidAppID)
	}
	if cached, hit := service.checkIdempotency(ctx, idempotencyKey); hit {
		return cached, nil
	}
	if err := service.validateApp(ctx, appID); err != nil {
		return service.consumeResult(ctx, userID, appID, amount, idempotencyKey, TransactionResult{}, err)
	}
	if err := service.validatePricing(ctx, appID, action, amount); err != nil {
		return service.consumeResult(ctx, userID, appID, amount, idempotencyKey, TransactionResult{}, err)
	}
	result, err := service.applyMutation(ctx, userID, amount.Negated(), TransactionInput{
		UserID:         userID,
		Type:           TransactionConsume,
		Status:         StatusCompleted,
		Description:    action,
		AppID:          appID,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
	}, nil, nil)
	return service.consumeResult(ctx, userID, appID, amount, idempotencyKey, result, err)
}

func (service *Service) consumeResult(ctx context.Context, userID UserID, appID AppID, amount PositiveAmount, idempotencyKey IdempotencyKey, result TransactionResult, err error) (TransactionResult, error) {
	service.logOperation(ctx, OperationLog{
		Operation:      operationConsume,
		UserID:         userID,
		AppID:          appID,
		TransactionID:  result.Transaction.ID,
		Amount:         amount.Negated(),
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

func (service *Service) validateApp(ctx context.Context, appID AppID) error {
	if service.apps == nil {
		return nil
	}
	status, err := service.apps.Lookup(ctx, appID)
	if err != nil {
		return fmt.Errorf("%w: app lookup: %v", ErrUpstreamUnavailable, err)
	}
	if !status.IsValid {
		return ErrUnknownApp
	}
	if !status.IsActive {
		return ErrAppInactive
	}
	return nil
}

func (service *Service) validatePricing(ctx context.Context, appID AppID, action string, amount PositiveAmount) error {
	if service.prices == nil || action == "" {
		return nil
	}
	price, known, err := service.prices.Price(ctx, appID, action)
	if err != nil {
		return fmt.Errorf("%w: price lookup: %v", ErrUpstreamUnavailable, err)
	}
	if known && price != amount.Amount() {
		return fmt.Errorf("%w: action %q costs %d", ErrPricingMismatch, action, price.Int64())
	}
	return nil
}

// applyMutation is the shared critical section of every balance-mutating
// operation: acquire the user's lock, run one store transaction that reads
// the balance with a row lock, applies the signed delta with the
// non-negativity floor, and appends the transaction row, then release the
// lock and run the post-commit fan-out.
//
// inTx runs inside the transaction before the row is appended (streak
// bookkeeping); postAppend runs after it with the committed row visible
// (app-grant inserts). Either returning an error rolls everything back.
func (service *Service) applyMutation(
	ctx context.Context,
	userID UserID,
	delta Amount,
	input TransactionInput,
	inTx func(ctx context.Context, txStore Store, nowUnixUTC int64) error,
	postAppend func(ctx context.Context, txStore Store, transaction Transaction) error,
) (TransactionResult, error) {
	token, acquired, err := service.locker.Acquire(ctx, userID, service.lockTTL)
	if err != nil {
		return TransactionResult{}, WrapError("lock", "user", "acquire", err)
	}
	if !acquired {
		return TransactionResult{}, ErrLockContention
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = service.locker.Release(releaseCtx, userID, token)
	}()

	txCtx, cancel := context.WithTimeout(ctx, service.txTimeout)
	defer cancel()

	var result TransactionResult
	operationError := service.store.WithTx(txCtx, func(ctx context.Context, txStore Store) error {
		row, err := txStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := row.Amount + delta
		if newBalance < 0 {
			return ErrInsufficientBalance
		}
		nowUnixUTC := service.nowFn()
		if inTx != nil {
			if err := inTx(ctx, txStore, nowUnixUTC); err != nil {
				return err
			}
		}
		if err := txStore.SaveBalance(ctx, userID, newBalance, nowUnixUTC); err != nil {
			return err
		}
		input.Amount = delta
		input.BalanceAfter = newBalance
		input.CreatedUnixUTC = nowUnixUTC
		transaction, err := txStore.InsertTransaction(ctx, input)
		if err != nil {
			return err
		}
		if postAppend != nil {
			if err := postAppend(ctx, txStore, transaction); err != nil {
				return err
			}
		}
		result = TransactionResult{
			Transaction:   transaction,
			BalanceBefore: row.Amount,
			BalanceAfter:  newBalance,
		}
		return nil
	})
	if operationError != nil {
		if replayed, ok := service.replayCommitted(ctx, input.IdempotencyKey, operationError); ok {
			return replayed, nil
		}
		return TransactionResult{}, operationError
	}

	service.afterCommit(ctx, userID, input.IdempotencyKey, result)
	return result, nil
}

// replayCommitted resolves the race where a concurrent retry with the same
// idempotency key committed first: the unique constraint rolled our
// transaction back, so the committed row is fetched and returned verbatim.
func (service *Service) replayCommitted(ctx context.Context, key IdempotencyKey, cause error) (TransactionResult, bool) {
	if key.IsZero() || !errors.Is(cause, ErrDuplicateIdempotencyKey) {
		return TransactionResult{}, false
	}
	committed, err := service.store.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return TransactionResult{}, false
	}
	return resultFromTransaction(committed), true
}

// afterCommit runs the best-effort fan-out: cache invalidation, change
// event, idempotency mapping. None of these affect correctness.
func (service *Service) afterCommit(ctx context.Context, userID UserID, key IdempotencyKey, result TransactionResult) {
	if service.cache != nil {
		_ = service.cache.Invalidate(ctx, userID)
	}
	if service.events != nil {
		_ = service.events.Publish(ctx, ChangeEvent{
			UserID:          userID.String(),
			Balance:         result.BalanceAfter.Int64(),
			Delta:           result.Transaction.Amount.Int64(),
			TransactionID:   result.Transaction.ID.String(),
			TransactionType: result.Transaction.Type.String(),
			OccurredUnixUTC: result.Transaction.CreatedUnixUTC,
		})
	}
	if service.idempotency != nil && !key.IsZero() {
		_ = service.idempotency.Store(ctx, key, result)
	}
}

func (service *Service) checkIdempotency(ctx context.Context, key IdempotencyKey) (TransactionResult, bool) {
	if service.idempotency == nil || key.IsZero() {
		return TransactionResult{}, false
	}
	cached, err := service.idempotency.Check(ctx, key)
	if err != nil || cached == nil {
		return TransactionResult{}, false
	}
	return *cached, true
}

func resultFromTransaction(transaction Transaction) TransactionResult {
	return TransactionResult{
		Transaction:   transaction,
		BalanceBefore: transaction.BalanceAfter - transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

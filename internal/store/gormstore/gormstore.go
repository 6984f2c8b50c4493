package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transactions_idempotency_key"
	constraintTransactionRefundOf       = "uniq_transactions_refund_of"
	constraintAppGrantScope             = "uniq_app_grants_scope"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19
	errorOperationStore                 = "store"
	errorSubjectBalance                 = "balance"
	errorSubjectTransaction             = "transaction"
	errorSubjectAppGrant                = "app_grant"
	errorSubjectStreak                  = "streak"
	errorSubjectRollup                  = "rollup"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeExpire                     = "expire"
	errorCodeGet                        = "get"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeSave                       = "save"
	errorCodeSum                        = "sum"
	errorCodeUpsert                     = "upsert"
)

// Store implements dust.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore dust.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateBalance reads the user's balance row, creating an empty one
// on first contact.
func (store *Store) GetOrCreateBalance(ctx context.Context, userID dust.UserID) (dust.BalanceRow, error) {
	return store.getBalance(ctx, userID, false)
}

// GetBalanceForUpdate row-locks the balance row; valid only inside WithTx.
func (store *Store) GetBalanceForUpdate(ctx context.Context, userID dust.UserID) (dust.BalanceRow, error) {
	return store.getBalance(ctx, userID, true)
}

func (store *Store) getBalance(ctx context.Context, userID dust.UserID, forUpdate bool) (dust.BalanceRow, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var balance Balance
	err := query.
		Attrs(Balance{Amount: 0, UpdatedAt: time.Now().UTC()}).
		FirstOrCreate(&balance, Balance{UserID: userID.String()}).Error
	if err != nil {
		return dust.BalanceRow{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return dust.BalanceRow{
		UserID:         userID,
		Amount:         dust.Amount(balance.Amount),
		UpdatedUnixUTC: balance.UpdatedAt.Unix(),
	}, nil
}

// SaveBalance writes the new amount for a user.
func (store *Store) SaveBalance(ctx context.Context, userID dust.UserID, amount dust.Amount, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"amount":     amount.Int64(),
			"updated_at": time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertTransaction appends a ledger row, translating unique violations
// into the domain's duplicate errors.
func (store *Store) InsertTransaction(ctx context.Context, input dust.TransactionInput) (dust.Transaction, error) {
	var appID *string
	if !input.AppID.IsZero() {
		value := input.AppID.String()
		appID = &value
	}
	var idempotencyKey *string
	if !input.IdempotencyKey.IsZero() {
		value := input.IdempotencyKey.String()
		idempotencyKey = &value
	}
	var refundOfID *string
	if !input.RefundOfID.IsZero() {
		value := input.RefundOfID.String()
		refundOfID = &value
	}
	createdAt := time.Unix(input.CreatedUnixUTC, 0).UTC()
	if input.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	row := Transaction{
		UserID:         input.UserID.String(),
		Amount:         input.Amount.Int64(),
		Type:           input.Type.String(),
		Status:         input.Status.String(),
		Description:    input.Description,
		AppID:          appID,
		Metadata:       datatypesJSON(input.Metadata.String()),
		IdempotencyKey: idempotencyKey,
		RefundOfID:     refundOfID,
		BalanceAfter:   input.BalanceAfter.Int64(),
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, dust.ErrDuplicateIdempotencyKey)
	}
	if isUniqueViolation(err, constraintTransactionRefundOf) {
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, dust.ErrAlreadyRefunded)
	}
	if err != nil {
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	mapped, err := mapTransaction(row)
	if err != nil {
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

// GetTransaction looks up one ledger row by id.
func (store *Store) GetTransaction(ctx context.Context, transactionID dust.TransactionID) (dust.Transaction, error) {
	return store.takeTransaction(ctx, "transaction_id = ?", transactionID.String())
}

// GetTransactionByIdempotencyKey resolves the committed row for a retried key.
func (store *Store) GetTransactionByIdempotencyKey(ctx context.Context, key dust.IdempotencyKey) (dust.Transaction, error) {
	return store.takeTransaction(ctx, "idempotency_key = ?", key.String())
}

// GetRefundOf finds the refund row referencing an original consume, if any.
func (store *Store) GetRefundOf(ctx context.Context, originalID dust.TransactionID) (dust.Transaction, error) {
	return store.takeTransaction(ctx, "refund_of_id = ?", originalID.String())
}

func (store *Store) takeTransaction(ctx context.Context, condition string, value string) (dust.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where(condition, value).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, dust.ErrUnknownTransaction)
		}
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	mapped, err := mapTransaction(row)
	if err != nil {
		return dust.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

// ListTransactions returns a user's history, newest first.
func (store *Store) ListTransactions(ctx context.Context, userID dust.UserID, filter dust.TransactionFilter) ([]dust.Transaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, transaction_id DESC")
	if filter.Type != nil {
		query = query.Where("type = ?", filter.Type.String())
	}
	if filter.AppID != nil {
		query = query.Where("app_id = ?", filter.AppID.String())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query = query.Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var rows []Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]dust.Transaction, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, mapped)
	}
	return transactions, nil
}

// SumCompleted totals the signed amounts of completed rows for one user.
func (store *Store) SumCompleted(ctx context.Context, userID dust.UserID) (dust.Amount, error) {
	return store.sumByStatus(ctx, userID, dust.StatusCompleted)
}

// SumPending totals the signed amounts of pending rows for one user.
func (store *Store) SumPending(ctx context.Context, userID dust.UserID) (dust.Amount, error) {
	return store.sumByStatus(ctx, userID, dust.StatusPending)
}

func (store *Store) sumByStatus(ctx context.Context, userID dust.UserID, status dust.TransactionStatus) (dust.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), status.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSum, err)
	}
	return dust.Amount(sum.Total), nil
}

// InsertAppGrant records a one-time or daily grant; the unique scope index
// converts double-grant races into dust.ErrAppGrantExists.
func (store *Store) InsertAppGrant(ctx context.Context, grant dust.AppGrant) error {
	row := AppGrant{
		UserID:        grant.UserID.String(),
		AppID:         grant.AppID.String(),
		GrantType:     grant.GrantType.String(),
		GrantedDate:   grant.GrantedDate,
		TransactionID: grant.TransactionID.String(),
		CreatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintAppGrantScope) {
		return wrapStoreError(errorSubjectAppGrant, errorCodeDuplicate, dust.ErrAppGrantExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAppGrant, errorCodeCreate, err)
	}
	return nil
}

// GetAppGrant looks up one grant by its uniqueness scope.
func (store *Store) GetAppGrant(ctx context.Context, userID dust.UserID, appID dust.AppID, grantType dust.GrantType, grantedDate string) (dust.AppGrant, error) {
	var row AppGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND app_id = ? AND grant_type = ? AND granted_date = ?",
			userID.String(), appID.String(), grantType.String(), grantedDate).
		Take(&row).Error
	if err != nil {
		return dust.AppGrant{}, wrapStoreError(errorSubjectAppGrant, errorCodeGet, err)
	}
	return mapAppGrant(row)
}

// GetUserStreakForUpdate row-locks the streak counter; valid only inside
// WithTx. A missing row is created with a zero streak.
func (store *Store) GetUserStreakForUpdate(ctx context.Context, userID dust.UserID) (dust.UserStreak, error) {
	var row UserStreak
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Attrs(UserStreak{UpdatedAt: time.Now().UTC()}).
		FirstOrCreate(&row, UserStreak{UserID: userID.String()}).Error
	if err != nil {
		return dust.UserStreak{}, wrapStoreError(errorSubjectStreak, errorCodeLookup, err)
	}
	return dust.UserStreak{
		UserID:        userID,
		CurrentStreak: row.CurrentStreak,
		LastLoginDate: row.LastLoginDate,
	}, nil
}

// SaveUserStreak writes the recomputed streak counter.
func (store *Store) SaveUserStreak(ctx context.Context, streak dust.UserStreak) error {
	err := store.db.WithContext(ctx).
		Model(&UserStreak{}).
		Where("user_id = ?", streak.UserID.String()).
		Updates(map[string]any{
			"current_streak":  streak.CurrentStreak,
			"last_login_date": streak.LastLoginDate,
			"updated_at":      time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectStreak, errorCodeSave, err)
	}
	return nil
}

// ExpirePendingBefore marks stale pending rows as failed and reports how
// many were flipped.
func (store *Store) ExpirePendingBefore(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("status = ? AND created_at < ?", dust.StatusPending.String(), cutoff).
		Updates(map[string]any{
			"status":     dust.StatusFailed.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

// RollupUsage aggregates completed consumption in the window into hourly
// per-app rows and reports how many apps were touched.
func (store *Store) RollupUsage(ctx context.Context, sinceUnixUTC int64, untilUnixUTC int64) (int64, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	until := time.Unix(untilUnixUTC, 0).UTC()

	type aggregate struct {
		AppID string
		Total int64
		Count int64
	}
	var aggregates []aggregate
	err := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Select("app_id, coalesce(sum(-amount),0) as total, count(*) as count").
		Where("type = ? AND status = ?", dust.TransactionConsume.String(), dust.StatusCompleted.String()).
		Where("app_id IS NOT NULL").
		Where("created_at >= ? AND created_at < ?", since, until).
		Group("app_id").
		Scan(&aggregates).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectRollup, errorCodeSum, err)
	}

	hourStart := since.Truncate(time.Hour)
	for _, entry := range aggregates {
		row := UsageRollup{
			AppID:            entry.AppID,
			HourStart:        hourStart,
			TotalConsumed:    entry.Total,
			TransactionCount: entry.Count,
			UpdatedAt:        time.Now().UTC(),
		}
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "app_id"}, {Name: "hour_start"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total_consumed":    entry.Total,
					"transaction_count": entry.Count,
					"updated_at":        time.Now().UTC(),
				}),
			}).
			Create(&row).Error
		if err != nil {
			return 0, wrapStoreError(errorSubjectRollup, errorCodeUpsert, err)
		}
	}
	return int64(len(aggregates)), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return dust.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row Transaction) (dust.Transaction, error) {
	transactionID, err := dust.NewTransactionID(row.TransactionID)
	if err != nil {
		return dust.Transaction{}, err
	}
	userID, err := dust.NewUserID(row.UserID)
	if err != nil {
		return dust.Transaction{}, err
	}
	transactionType, err := dust.ParseTransactionType(row.Type)
	if err != nil {
		return dust.Transaction{}, err
	}
	status, err := dust.ParseTransactionStatus(row.Status)
	if err != nil {
		return dust.Transaction{}, err
	}
	var appID dust.AppID
	if row.AppID != nil {
		appID, err = dust.NewAppID(*row.AppID)
		if err != nil {
			return dust.Transaction{}, err
		}
	}
	var idempotencyKey dust.IdempotencyKey
	if row.IdempotencyKey != nil {
		idempotencyKey, err = dust.NewIdempotencyKey(*row.IdempotencyKey)
		if err != nil {
			return dust.Transaction{}, err
		}
	}
	var refundOfID dust.TransactionID
	if row.RefundOfID != nil {
		refundOfID, err = dust.NewTransactionID(*row.RefundOfID)
		if err != nil {
			return dust.Transaction{}, err
		}
	}
	metadata, err := dust.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return dust.Transaction{}, err
	}
	return dust.Transaction{
		ID:             transactionID,
		UserID:         userID,
		Amount:         dust.Amount(row.Amount),
		Type:           transactionType,
		Status:         status,
		Description:    row.Description,
		AppID:          appID,
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		RefundOfID:     refundOfID,
		BalanceAfter:   dust.Amount(row.BalanceAfter),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapAppGrant(row AppGrant) (dust.AppGrant, error) {
	userID, err := dust.NewUserID(row.UserID)
	if err != nil {
		return dust.AppGrant{}, wrapStoreError(errorSubjectAppGrant, errorCodeInvalid, err)
	}
	appID, err := dust.NewAppID(row.AppID)
	if err != nil {
		return dust.AppGrant{}, wrapStoreError(errorSubjectAppGrant, errorCodeInvalid, err)
	}
	grantType, err := dust.ParseGrantType(row.GrantType)
	if err != nil {
		return dust.AppGrant{}, wrapStoreError(errorSubjectAppGrant, errorCodeInvalid, err)
	}
	transactionID, err := dust.NewTransactionID(row.TransactionID)
	if err != nil {
		return dust.AppGrant{}, wrapStoreError(errorSubjectAppGrant, errorCodeInvalid, err)
	}
	return dust.AppGrant{
		UserID:        userID,
		AppID:         appID,
		GrantType:     grantType,
		GrantedDate:   row.GrantedDate,
		TransactionID: transactionID,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// sqlite reports the failing columns rather than the index name.
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && sqliteMatchesConstraint(sqliteErr.Error(), constraint)
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func sqliteMatchesConstraint(message string, constraint string) bool {
	switch constraint {
	case constraintTransactionIdempotencyKey:
		return strings.Contains(message, "transactions.idempotency_key")
	case constraintTransactionRefundOf:
		return strings.Contains(message, "transactions.refund_of_id")
	case constraintAppGrantScope:
		return strings.Contains(message, "app_grants.")
	}
	return true
}

package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table: one row per user, amount is the
// only mutable field.
type Balance struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	Amount    int64     `gorm:"not null;check:amount >= 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// Transaction mirrors the transactions table, the append-only ledger.
type Transaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	UserID         string         `gorm:"type:uuid;not null;index:idx_transactions_user_created,priority:1"`
	Amount         int64          `gorm:"not null"`
	Type           string         `gorm:"not null"`
	Status         string         `gorm:"not null;index:idx_transactions_status"`
	Description    string         `gorm:""`
	AppID          *string        `gorm:"type:uuid;index:idx_transactions_app"`
	Metadata       datatypes.JSON `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_transactions_idempotency_key"`
	RefundOfID     *string        `gorm:"type:uuid;uniqueIndex:uniq_transactions_refund_of"`
	BalanceAfter   int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		// V7 ids sort by creation time, which keeps the id tie-break in
		// history listings aligned with insertion order.
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		transaction.TransactionID = id.String()
	}
	return nil
}

// AppGrant mirrors the app_grants table. The unique scope index is the
// authoritative guard against double-granting.
type AppGrant struct {
	GrantID       string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"type:uuid;not null;index:uniq_app_grants_scope,unique,priority:1"`
	AppID         string    `gorm:"type:uuid;not null;index:uniq_app_grants_scope,unique,priority:2"`
	GrantType     string    `gorm:"not null;index:uniq_app_grants_scope,unique,priority:3"`
	GrantedDate   string    `gorm:"not null;default:'';index:uniq_app_grants_scope,unique,priority:4"`
	TransactionID string    `gorm:"type:uuid;not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (AppGrant) TableName() string { return "app_grants" }

func (grant *AppGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// UserStreak mirrors the user_streaks table.
type UserStreak struct {
	UserID        string    `gorm:"type:uuid;primaryKey"`
	CurrentStreak int       `gorm:"not null"`
	LastLoginDate string    `gorm:"not null;default:''"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (UserStreak) TableName() string { return "user_streaks" }

// UsageRollup mirrors the usage_rollups table of hourly per-app
// consumption aggregates.
type UsageRollup struct {
	AppID            string    `gorm:"type:uuid;primaryKey"`
	HourStart        time.Time `gorm:"primaryKey"`
	TotalConsumed    int64     `gorm:"not null"`
	TransactionCount int64     `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (UsageRollup) TableName() string { return "usage_rollups" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Balance{}, &Transaction{}, &AppGrant{}, &UserStreak{}, &UsageRollup{}}
}

package dust

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Amount is a signed quantity of DUST. Ledger rows store negative amounts
// for consumption and positive amounts for grants, purchases, and refunds.
type Amount int64

// Int64 returns the raw signed value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// PositiveAmount is a validated, strictly positive quantity of DUST.
type PositiveAmount int64

// NewPositiveAmount validates an amount and ensures it is strictly positive.
func NewPositiveAmount(raw int64) (PositiveAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmount(raw), nil
}

// Amount returns the signed view of the value.
func (amount PositiveAmount) Amount() Amount {
	return Amount(amount)
}

// Negated returns the signed debit view of the value.
func (amount PositiveAmount) Negated() Amount {
	return -Amount(amount)
}

// UserID identifies a balance owner. The HTTP layer resolves whatever
// opaque identifier it authenticates into this UUID.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return UserID{}, fmt.Errorf("%w: not a uuid", ErrInvalidUserID)
	}
	return UserID{value: parsed.String()}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// MarshalJSON encodes the id as its string form.
func (id UserID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes and validates a string id.
func (id *UserID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewUserID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AppID identifies the application consuming or granting DUST.
type AppID struct {
	value string
}

// NewAppID validates and normalizes an app id.
func NewAppID(raw string) (AppID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AppID{}, fmt.Errorf("%w: empty value", ErrInvalidAppID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return AppID{}, fmt.Errorf("%w: not a uuid", ErrInvalidAppID)
	}
	return AppID{value: parsed.String()}, nil
}

// String returns the normalized identifier.
func (id AppID) String() string {
	return id.value
}

// IsZero reports whether no app id was supplied.
func (id AppID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON encodes the id as its string form; the zero value encodes
// as the empty string.
func (id AppID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a string id, accepting the empty string as the
// zero value.
func (id *AppID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*id = AppID{}
		return nil
	}
	parsed, err := NewAppID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TransactionID identifies a ledger row.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return TransactionID{}, fmt.Errorf("%w: not a uuid", ErrInvalidTransactionID)
	}
	return TransactionID{value: parsed.String()}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON encodes the id as its string form; the zero value encodes
// as the empty string.
func (id TransactionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON decodes a string id, accepting the empty string as the
// zero value.
func (id *TransactionID) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*id = TransactionID{}
		return nil
	}
	parsed, err := NewTransactionID(raw)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var idempotencyKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-:]+$`)

// IdempotencyKey scopes duplicate detection. The zero value means the
// caller supplied no key.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates a caller-supplied idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	if !idempotencyKeyPattern.MatchString(trimmed) {
		return IdempotencyKey{}, fmt.Errorf("%w: allowed characters are a-z, A-Z, 0-9, '_', '-', ':'", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// MarshalJSON encodes the key as its string form; an absent key encodes
// as the empty string.
func (key IdempotencyKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(key.value)
}

// UnmarshalJSON decodes a string key, accepting the empty string as
// absent.
func (key *IdempotencyKey) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*key = IdempotencyKey{}
		return nil
	}
	parsed, err := NewIdempotencyKey(raw)
	if err != nil {
		return err
	}
	*key = parsed
	return nil
}

// MetadataJSON stores arbitrary request metadata. It is validated for
// serializability only, never against a schema.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MergeMetadataJSON overlays the given keys onto an existing metadata blob.
func MergeMetadataJSON(base MetadataJSON, extra map[string]any) (MetadataJSON, error) {
	merged := map[string]any{}
	if base.value != "" {
		if err := json.Unmarshal([]byte(base.value), &merged); err != nil {
			return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
		}
	}
	for key, value := range extra {
		merged[key] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// MarshalJSON embeds the metadata as raw JSON rather than a quoted string.
func (metadata MetadataJSON) MarshalJSON() ([]byte, error) {
	return []byte(metadata.String()), nil
}

// UnmarshalJSON validates and stores the raw JSON blob.
func (metadata *MetadataJSON) UnmarshalJSON(data []byte) error {
	parsed, err := NewMetadataJSON(string(data))
	if err != nil {
		return err
	}
	*metadata = parsed
	return nil
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionGrant    TransactionType = "grant"
	TransactionConsume  TransactionType = "consume"
	TransactionPurchase TransactionType = "purchase"
	TransactionRefund   TransactionType = "refund"
	// TransactionTransfer exists in the data model but no operation
	// produces it.
	TransactionTransfer TransactionType = "transfer"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionGrant, TransactionConsume, TransactionPurchase, TransactionRefund, TransactionTransfer:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus enumerates the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusPending, StatusCompleted, StatusFailed, StatusReversed:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionState, raw)
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// GrantType enumerates per-app deduplicated grant kinds.
type GrantType string

const (
	GrantInitial GrantType = "initial"
	GrantStreak  GrantType = "streak"
)

// ParseGrantType validates a stored grant type.
func ParseGrantType(raw string) (GrantType, error) {
	switch GrantType(raw) {
	case GrantInitial, GrantStreak:
		return GrantType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGrantType, raw)
}

// String returns the stored representation.
func (grantType GrantType) String() string {
	return string(grantType)
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID             TransactionID     `json:"id"`
	UserID         UserID            `json:"user_id"`
	Amount         Amount            `json:"amount"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Description    string            `json:"description"`
	AppID          AppID             `json:"app_id"`
	Metadata       MetadataJSON      `json:"metadata"`
	IdempotencyKey IdempotencyKey    `json:"idempotency_key"`
	RefundOfID     TransactionID     `json:"refund_of_id"`
	BalanceAfter   Amount            `json:"balance_after"`
	CreatedUnixUTC int64             `json:"created_unix_utc"`
}

// TransactionInput describes a row to append.
type TransactionInput struct {
	UserID         UserID
	Amount         Amount
	Type           TransactionType
	Status         TransactionStatus
	Description    string
	AppID          AppID
	Metadata       MetadataJSON
	IdempotencyKey IdempotencyKey
	RefundOfID     TransactionID
	BalanceAfter   Amount
	CreatedUnixUTC int64
}

// TransactionResult is what every mutating operation returns: the committed
// row plus the balances it moved between. Idempotent replays return it
// verbatim.
type TransactionResult struct {
	Transaction   Transaction `json:"transaction"`
	BalanceBefore Amount      `json:"balance_before"`
	BalanceAfter  Amount      `json:"balance_after"`
}

// BalanceRow is the durable balance record for a user.
type BalanceRow struct {
	UserID         UserID
	Amount         Amount
	UpdatedUnixUTC int64
}

// BalanceSnapshot is the read view served to callers and held by the cache.
type BalanceSnapshot struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	PendingBalance int64  `json:"pending_balance"`
	LastUpdated    int64  `json:"last_updated"`
}

// AppGrant records a one-time or daily grant per (user, app, type[, day]).
type AppGrant struct {
	UserID        UserID
	AppID         AppID
	GrantType     GrantType
	GrantedDate   string
	TransactionID TransactionID
}

// UserStreak tracks consecutive daily logins.
type UserStreak struct {
	UserID        UserID
	CurrentStreak int
	LastLoginDate string
}

// ChangeEvent announces a committed balance mutation. Delivery is
// best-effort and never on the critical path.
type ChangeEvent struct {
	UserID          string `json:"user_id"`
	Balance         int64  `json:"balance"`
	Delta           int64  `json:"delta"`
	TransactionID   string `json:"transaction_id"`
	TransactionType string `json:"transaction_type"`
	OccurredUnixUTC int64  `json:"occurred_unix_utc"`
}

// AppStatus is the collaborator verdict on an app identifier.
type AppStatus struct {
	IsValid  bool
	IsActive bool
}

// TransactionFilter narrows a history listing.
type TransactionFilter struct {
	Type   *TransactionType
	AppID  *AppID
	Limit  int
	Offset int
}

// UTCDate formats a unix timestamp as the UTC calendar day used for streak
// bookkeeping.
func UTCDate(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().Format(streakDateLayout)
}

// PreviousUTCDate returns the calendar day before the given timestamp.
func PreviousUTCDate(unixUTC int64) string {
	return time.Unix(unixUTC, 0).UTC().AddDate(0, 0, -1).Format(streakDateLayout)
}

package dust

import (
	"context"
	"errors"
	"fmt"
)

// GrantInitial issues the one-time per-app welcome grant. It is idempotent
// by construction: an existing AppGrant short-circuits to the transaction
// it originally produced, regardless of the idempotency key supplied.
func (service *Service) GrantInitial(ctx context.Context, userID UserID, appID AppID, amount PositiveAmount, idempotencyKey IdempotencyKey) (TransactionResult, error) {
	var result TransactionResult
	err := func() error {
		if appID.IsZero() {
			return fmt.Errorf("%w: initial grant requires an app id", ErrInvalidAppID)
		}
		if amount.Amount().Int64() > MaxInitialGrantAmount {
			return fmt.Errorf("%w: initial grants are capped at %d", ErrGrantCeilingExceeded, MaxInitialGrantAmount)
		}
		if cached, hit := service.checkIdempotency(ctx, idempotencyKey); hit {
			result = cached
			return nil
		}
		if replayed, ok := service.existingAppGrantResult(ctx, userID, appID, GrantInitial, ""); ok {
			result = replayed
			return nil
		}
		metadata, err := MergeMetadataJSON(MetadataJSON{}, map[string]any{"grant_type": GrantInitial.String()})
		if err != nil {
			return err
		}
		result, err = service.applyMutation(ctx, userID, amount.Amount(), TransactionInput{
			UserID:         userID,
			Type:           TransactionGrant,
			Status:         StatusCompleted,
			Description:    "initial app grant",
			AppID:          appID,
			Metadata:       metadata,
			IdempotencyKey: idempotencyKey,
		}, nil, func(ctx context.Context, txStore Store, transaction Transaction) error {
			return txStore.InsertAppGrant(ctx, AppGrant{
				UserID:        userID,
				AppID:         appID,
				GrantType:     GrantInitial,
				TransactionID: transaction.ID,
			})
		})
		if errors.Is(err, ErrAppGrantExists) {
			// Lost the race: the whole transaction rolled back, so the
			// winner's grant is returned instead.
			if replayed, ok := service.existingAppGrantResult(ctx, userID, appID, GrantInitial, ""); ok {
				result = replayed
				return nil
			}
		}
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrantInitial,
		UserID:         userID,
		AppID:          appID,
		TransactionID:  result.Transaction.ID,
		Amount:         amount.Amount(),
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

// GrantStreak issues the daily login-streak bonus. The uniqueness
// constraint on (user, app, streak, day) converts a race between two
// concurrent claims into a single grant plus one conflict.
func (service *Service) GrantStreak(ctx context.Context, userID UserID, appID AppID, amount PositiveAmount, streakDays int, idempotencyKey IdempotencyKey) (TransactionResult, error) {
	var result TransactionResult
	err := func() error {
		if appID.IsZero() {
			return fmt.Errorf("%w: streak grant requires an app id", ErrInvalidAppID)
		}
		if amount.Amount().Int64() > MaxStreakGrantAmount {
			return fmt.Errorf("%w: streak grants are capped at %d", ErrGrantCeilingExceeded, MaxStreakGrantAmount)
		}
		if streakDays < MinStreakDays || streakDays > MaxStreakDays {
			return fmt.Errorf("%w: streak days must be within [%d,%d]", ErrInvalidStreakDays, MinStreakDays, MaxStreakDays)
		}
		if cached, hit := service.checkIdempotency(ctx, idempotencyKey); hit {
			result = cached
			return nil
		}
		today := UTCDate(service.nowFn())
		if _, lookupErr := service.store.GetAppGrant(ctx, userID, appID, GrantStreak, today); lookupErr == nil {
			return ErrStreakAlreadyClaimed
		}
		metadata, err := MergeMetadataJSON(MetadataJSON{}, map[string]any{
			"grant_type":  GrantStreak.String(),
			"streak_days": streakDays,
		})
		if err != nil {
			return err
		}
		result, err = service.applyMutation(ctx, userID, amount.Amount(), TransactionInput{
			UserID:         userID,
			Type:           TransactionGrant,
			Status:         StatusCompleted,
			Description:    fmt.Sprintf("streak bonus day %d", streakDays),
			AppID:          appID,
			Metadata:       metadata,
			IdempotencyKey: idempotencyKey,
		}, func(ctx context.Context, txStore Store, nowUnixUTC int64) error {
			return service.advanceStreak(ctx, txStore, userID, nowUnixUTC)
		}, func(ctx context.Context, txStore Store, transaction Transaction) error {
			return txStore.InsertAppGrant(ctx, AppGrant{
				UserID:        userID,
				AppID:         appID,
				GrantType:     GrantStreak,
				GrantedDate:   today,
				TransactionID: transaction.ID,
			})
		})
		if errors.Is(err, ErrAppGrantExists) {
			return ErrStreakAlreadyClaimed
		}
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrantStreak,
		UserID:         userID,
		AppID:          appID,
		TransactionID:  result.Transaction.ID,
		Amount:         amount.Amount(),
		IdempotencyKey: idempotencyKey,
		Error:          err,
	})
	if err != nil {
		return TransactionResult{}, err
	}
	return result, nil
}

// advanceStreak recomputes the consecutive-login counter inside the claim
// transaction: +1 when the last login was exactly the prior UTC day, reset
// to 1 otherwise, unchanged when already counted today. The counter itself
// is unbounded; only the reward day is bounded by the caller.
func (service *Service) advanceStreak(ctx context.Context, txStore Store, userID UserID, nowUnixUTC int64) error {
	streak, err := txStore.GetUserStreakForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	today := UTCDate(nowUnixUTC)
	yesterday := PreviousUTCDate(nowUnixUTC)
	switch streak.LastLoginDate {
	case today:
		// Already counted today.
	case yesterday:
		streak.CurrentStreak++
	default:
		streak.CurrentStreak = 1
	}
	streak.LastLoginDate = today
	return txStore.SaveUserStreak(ctx, streak)
}

func (service *Service) existingAppGrantResult(ctx context.Context, userID UserID, appID AppID, grantType GrantType, grantedDate string) (TransactionResult, bool) {
	grant, err := service.store.GetAppGrant(ctx, userID, appID, grantType, grantedDate)
	if err != nil {
		return TransactionResult{}, false
	}
	transaction, err := service.store.GetTransaction(ctx, grant.TransactionID)
	if err != nil {
		return TransactionResult{}, false
	}
	return resultFromTransaction(transaction), true
}

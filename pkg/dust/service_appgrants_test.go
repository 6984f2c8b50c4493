package dust

import (
	"context"
	"errors"
	"testing"
)

func TestGrantInitialCreditsOncePerApp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)
	amount := mustPositiveAmount(test, 100)

	first, err := service.GrantInitial(context.Background(), userID, appID, amount, IdempotencyKey{})
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	if first.BalanceAfter != 100 {
		test.Fatalf("expected balance 100, got %d", first.BalanceAfter)
	}

	// A retry without any idempotency key still replays the recorded grant.
	second, err := service.GrantInitial(context.Background(), userID, appID, amount, IdempotencyKey{})
	if err != nil {
		test.Fatalf("replayed grant: %v", err)
	}
	if second.Transaction.ID != first.Transaction.ID {
		test.Fatalf("expected the original grant transaction")
	}
	if store.state.balances[userIDValue] != 100 {
		test.Fatalf("balance must be credited exactly once, got %d", store.state.balances[userIDValue])
	}
	if len(store.state.transactions) != 1 {
		test.Fatalf("expected a single transaction, got %d", len(store.state.transactions))
	}
}

func TestGrantInitialIsPerApp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)

	if _, err := service.GrantInitial(context.Background(), userID, mustAppID(test, appIDValue), mustPositiveAmount(test, 60), IdempotencyKey{}); err != nil {
		test.Fatalf("first app: %v", err)
	}
	if _, err := service.GrantInitial(context.Background(), userID, mustAppID(test, otherAppIDValue), mustPositiveAmount(test, 60), IdempotencyKey{}); err != nil {
		test.Fatalf("second app: %v", err)
	}
	if store.state.balances[userIDValue] != 120 {
		test.Fatalf("expected one grant per app, got balance %d", store.state.balances[userIDValue])
	}
}

func TestGrantInitialEnforcesCeilingAndApp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)

	if _, err := service.GrantInitial(context.Background(), userID, appID, mustPositiveAmount(test, MaxInitialGrantAmount+1), IdempotencyKey{}); !errors.Is(err, ErrGrantCeilingExceeded) {
		test.Fatalf("expected ErrGrantCeilingExceeded, got %v", err)
	}
	if _, err := service.GrantInitial(context.Background(), userID, AppID{}, mustPositiveAmount(test, 10), IdempotencyKey{}); !errors.Is(err, ErrInvalidAppID) {
		test.Fatalf("expected ErrInvalidAppID, got %v", err)
	}
	if len(store.state.transactions) != 0 {
		test.Fatalf("expected no transactions, got %d", len(store.state.transactions))
	}
}

func TestGrantInitialReplaysWinnerAfterRace(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)

	winner, err := service.GrantInitial(context.Background(), userID, appID, mustPositiveAmount(test, 80), IdempotencyKey{})
	if err != nil {
		test.Fatalf("winner grant: %v", err)
	}

	// Simulate the loser of a concurrent race: its pre-check misses, the
	// insert then conflicts inside the transaction, and the recorded
	// winner must come back after the rollback.
	store.appGrantMisses = 1
	loser, err := service.GrantInitial(context.Background(), userID, appID, mustPositiveAmount(test, 80), mustIdempotencyKey(test, "initial-loser"))
	if err != nil {
		test.Fatalf("loser grant: %v", err)
	}
	if loser.Transaction.ID != winner.Transaction.ID {
		test.Fatalf("expected the winner's transaction to be replayed")
	}
	if store.state.balances[userIDValue] != 80 {
		test.Fatalf("balance must reflect a single grant, got %d", store.state.balances[userIDValue])
	}
}

func TestGrantStreakClaimsOncePerDay(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)
	amount := mustPositiveAmount(test, 25)

	first, err := service.GrantStreak(context.Background(), userID, appID, amount, 1, IdempotencyKey{})
	if err != nil {
		test.Fatalf("first claim: %v", err)
	}
	if first.BalanceAfter != 25 {
		test.Fatalf("expected balance 25, got %d", first.BalanceAfter)
	}
	streak := store.state.streaks[userIDValue]
	if streak.CurrentStreak != 1 || streak.LastLoginDate != UTCDate(fixedNowUnixUTC) {
		test.Fatalf("unexpected streak: %+v", streak)
	}

	if _, err := service.GrantStreak(context.Background(), userID, appID, amount, 2, IdempotencyKey{}); !errors.Is(err, ErrStreakAlreadyClaimed) {
		test.Fatalf("expected ErrStreakAlreadyClaimed, got %v", err)
	}
	if store.state.balances[userIDValue] != 25 {
		test.Fatalf("second claim must not credit, got %d", store.state.balances[userIDValue])
	}
}

func TestGrantStreakValidatesInput(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)

	if _, err := service.GrantStreak(context.Background(), userID, appID, mustPositiveAmount(test, MaxStreakGrantAmount+1), 1, IdempotencyKey{}); !errors.Is(err, ErrGrantCeilingExceeded) {
		test.Fatalf("expected ErrGrantCeilingExceeded, got %v", err)
	}
	for _, streakDays := range []int{0, 6, -1} {
		if _, err := service.GrantStreak(context.Background(), userID, appID, mustPositiveAmount(test, 5), streakDays, IdempotencyKey{}); !errors.Is(err, ErrInvalidStreakDays) {
			test.Fatalf("streak days %d: expected ErrInvalidStreakDays, got %v", streakDays, err)
		}
	}
	if _, err := service.GrantStreak(context.Background(), userID, AppID{}, mustPositiveAmount(test, 5), 1, IdempotencyKey{}); !errors.Is(err, ErrInvalidAppID) {
		test.Fatalf("expected ErrInvalidAppID, got %v", err)
	}
}

func TestGrantStreakConflictMapsToAlreadyClaimed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.insertAppGrantError = ErrAppGrantExists
	service := mustNewService(test, store)
	userID := mustUserID(test, userIDValue)
	appID := mustAppID(test, appIDValue)

	_, err := service.GrantStreak(context.Background(), userID, appID, mustPositiveAmount(test, 10), 1, IdempotencyKey{})
	if !errors.Is(err, ErrStreakAlreadyClaimed) {
		test.Fatalf("expected ErrStreakAlreadyClaimed, got %v", err)
	}
	if store.state.balances[userIDValue] != 0 {
		test.Fatalf("conflicting claim must roll back, got balance %d", store.state.balances[userIDValue])
	}
}

func TestAdvanceStreakCounting(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		lastLogin  string
		previous   int
		wantStreak int
	}{
		{name: "first login", lastLogin: "", previous: 0, wantStreak: 1},
		{name: "consecutive day", lastLogin: PreviousUTCDate(fixedNowUnixUTC), previous: 3, wantStreak: 4},
		{name: "gap resets", lastLogin: "2023-01-01", previous: 9, wantStreak: 1},
		{name: "same day unchanged", lastLogin: UTCDate(fixedNowUnixUTC), previous: 5, wantStreak: 5},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test, 0)
			userID := mustUserID(test, userIDValue)
			store.state.streaks[userIDValue] = UserStreak{
				UserID:        userID,
				CurrentStreak: testCase.previous,
				LastLoginDate: testCase.lastLogin,
			}
			service := mustNewService(test, store)

			if err := service.advanceStreak(context.Background(), store, userID, fixedNowUnixUTC); err != nil {
				test.Fatalf("advance streak: %v", err)
			}
			streak := store.state.streaks[userIDValue]
			if streak.CurrentStreak != testCase.wantStreak {
				test.Fatalf("expected streak %d, got %d", testCase.wantStreak, streak.CurrentStreak)
			}
			if streak.LastLoginDate != UTCDate(fixedNowUnixUTC) {
				test.Fatalf("last login must advance to today, got %q", streak.LastLoginDate)
			}
		})
	}
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/safepay/internal/amount"
	"github.com/nkiryanov/safepay/internal/apperrors"
)

func TestTransaction_Apply(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	later := created.Add(time.Minute)

	newTx := func(state State) Transaction {
		tx := NewTransaction("client-1", amount.FromCents(1050), "bob", "rent", created)
		tx.State = state
		return tx
	}

	t.Run("allowed transitions", func(t *testing.T) {
		tests := []struct {
			name     string
			from     State
			event    Event
			expected State
		}{
			{"submit", StateCreated, Submitted{}, StatePending},
			{"success", StatePending, Succeeded{ServerID: "srv-1"}, StateCompleted},
			{"gateway timeout", StatePending, TimedOut{Message: "gateway timeout"}, StateTimeout},
			{"challenge", StatePending, ChallengeRequired{Kind: ChallengeSMSOTP}, StateAwaitingChallenge},
			{"hard failure", StatePending, Failed{Message: "boom"}, StateFailed},
			{"retry", StateTimeout, RetryRequested{}, StatePending},
			{"verified", StateAwaitingChallenge, Verified{}, StatePending},
			{"cancel created", StateCreated, Cancelled{}, StateCancelled},
			{"cancel pending", StatePending, Cancelled{}, StateCancelled},
			{"cancel timeout", StateTimeout, Cancelled{}, StateCancelled},
			{"cancel awaiting challenge", StateAwaitingChallenge, Cancelled{}, StateCancelled},
			{"reconcile timeout", StateTimeout, Reconciled{ServerID: "srv-2"}, StateCompleted},
			{"reconcile pending", StatePending, Reconciled{ServerID: "srv-2"}, StateCompleted},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tx := newTx(tt.from)

				next, err := tx.Apply(tt.event, later)

				require.NoError(t, err)
				require.Equal(t, tt.expected, next.State)
				require.Equal(t, later, next.UpdatedAt, "transition must bump the update time")
				require.Equal(t, created, next.CreatedAt)
				require.Equal(t, tx.ClientID, next.ClientID, "client id never changes")
				require.Equal(t, tt.from, tx.State, "original record must stay untouched")
			})
		}
	})

	t.Run("rejected transitions", func(t *testing.T) {
		tests := []struct {
			name  string
			from  State
			event Event
		}{
			{"submit twice", StatePending, Submitted{}},
			{"success from created", StateCreated, Succeeded{}},
			{"retry from pending", StatePending, RetryRequested{}},
			{"retry from awaiting challenge", StateAwaitingChallenge, RetryRequested{}},
			{"verify from timeout", StateTimeout, Verified{}},
			{"timeout from timeout", StateTimeout, TimedOut{}},
			{"completed is terminal", StateCompleted, Cancelled{}},
			{"failed is terminal", StateFailed, RetryRequested{}},
			{"cancelled is terminal", StateCancelled, Submitted{}},
			{"no reconcile of failed", StateFailed, Reconciled{}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tx := newTx(tt.from)

				next, err := tx.Apply(tt.event, later)

				require.Error(t, err)
				require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
				require.Equal(t, tx, next, "rejected transition returns the record unchanged")
			})
		}
	})

	t.Run("attached data", func(t *testing.T) {
		pending := newTx(StatePending)

		completed, err := pending.Apply(Succeeded{ServerID: "srv-1"}, later)
		require.NoError(t, err)
		require.Equal(t, "srv-1", completed.ServerID)

		challenged, err := pending.Apply(ChallengeRequired{Kind: ChallengeEmailOTP, Message: "verify"}, later)
		require.NoError(t, err)
		require.Equal(t, ChallengeEmailOTP, challenged.Challenge)

		failed, err := pending.Apply(Failed{Message: "card declined"}, later)
		require.NoError(t, err)
		require.Equal(t, "card declined", failed.ErrorMessage)
	})

	t.Run("retry counter", func(t *testing.T) {
		timedOut := newTx(StateTimeout)
		timedOut.ErrorMessage = "gateway timeout"

		retried, err := timedOut.Apply(RetryRequested{}, later)
		require.NoError(t, err)
		require.Equal(t, 1, retried.RetryCount)
		require.Empty(t, retried.ErrorMessage)

		challenged := newTx(StateAwaitingChallenge)
		challenged.RetryCount = 2

		verified, err := challenged.Apply(Verified{}, later)
		require.NoError(t, err)
		require.Equal(t, 2, verified.RetryCount, "verification does not count as a retry")
	})
}

func TestTransaction_Predicates(t *testing.T) {
	tests := []struct {
		state           State
		terminal        bool
		canRetry        bool
		needsUserAction bool
	}{
		{StateCreated, false, false, false},
		{StatePending, false, false, false},
		{StateAwaitingChallenge, false, true, true},
		{StateTimeout, false, true, true},
		{StateCompleted, true, false, false},
		{StateFailed, true, false, false},
		{StateCancelled, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			tx := Transaction{State: tt.state}

			require.True(t, tt.state.Valid())
			require.Equal(t, tt.terminal, tx.IsTerminal())
			require.Equal(t, tt.canRetry, tx.CanRetry())
			require.Equal(t, tt.needsUserAction, tx.NeedsUserAction())
		})
	}

	require.False(t, State("unknown").Valid())
}

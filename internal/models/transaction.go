package models

import (
	"fmt"
	"time"

	"github.com/nkiryanov/safepay/internal/amount"
	"github.com/nkiryanov/safepay/internal/apperrors"
)

type State string

const (
	StateCreated           State = "created"
	StatePending           State = "pending"
	StateAwaitingChallenge State = "awaitingChallenge"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateTimeout           State = "timeout"
	StateCancelled         State = "cancelled"
)

// Terminal states accept no further transitions
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePending, StateAwaitingChallenge, StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// ChallengeKind is reported by the remote service; unknown kinds are kept as is
type ChallengeKind string

const (
	ChallengeSMSOTP   ChallengeKind = "SMS_OTP"
	ChallengeEmailOTP ChallengeKind = "EMAIL_OTP"
)

// Transaction is one transfer attempt and its lifecycle state.
// It is a value: transitions return a new record and never touch the receiver.
type Transaction struct {
	// Minted once at creation; the idempotency key for every remote call
	ClientID string `json:"clientTransactionId"`

	Amount       amount.Amount `json:"amount"`
	State        State         `json:"state"`
	ServerID     string        `json:"serverTransactionId,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	RetryCount   int           `json:"retryCount"`
	Challenge    ChallengeKind `json:"challengeType,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Recipient    string        `json:"recipient,omitempty"`
	Description  string        `json:"description,omitempty"`
}

func NewTransaction(clientID string, amt amount.Amount, recipient, description string, now time.Time) Transaction {
	return Transaction{
		ClientID:    clientID,
		Amount:      amt,
		State:       StateCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		Recipient:   recipient,
		Description: description,
	}
}

func (t Transaction) IsTerminal() bool {
	return t.State.IsTerminal()
}

func (t Transaction) CanRetry() bool {
	return t.State == StateTimeout || t.State == StateAwaitingChallenge
}

func (t Transaction) NeedsUserAction() bool {
	return t.State == StateAwaitingChallenge || t.State == StateTimeout
}

// Event drives a transition, see Transaction.Apply
type Event interface {
	event()
}

type (
	// Submitted: created -> pending (persist-before-send)
	Submitted struct{}

	// Succeeded: pending -> completed
	Succeeded struct {
		ServerID string
	}

	// TimedOut: pending -> timeout
	TimedOut struct {
		Message string
	}

	// ChallengeRequired: pending -> awaitingChallenge
	ChallengeRequired struct {
		Kind    ChallengeKind
		Message string
	}

	// Failed: pending -> failed
	Failed struct {
		Message string
	}

	// RetryRequested: timeout -> pending, retry counter incremented
	RetryRequested struct{}

	// Verified: awaitingChallenge -> pending, same identifier and retry counter
	Verified struct{}

	// Cancelled: any non-terminal -> cancelled
	Cancelled struct{}

	// Reconciled adopts the remote record found by a status query: any non-terminal -> completed
	Reconciled struct {
		ServerID string
	}
)

func (Submitted) event()         {}
func (Succeeded) event()         {}
func (TimedOut) event()          {}
func (ChallengeRequired) event() {}
func (Failed) event()            {}
func (RetryRequested) event()    {}
func (Verified) event()          {}
func (Cancelled) event()         {}
func (Reconciled) event()        {}

// Apply is the pure transition function (state, event) -> state'.
// The receiver is left untouched; the returned record has UpdatedAt set to now.
func (t Transaction) Apply(e Event, now time.Time) (Transaction, error) {
	if t.State.IsTerminal() {
		return t, fmt.Errorf("%w: transaction %s is %s", apperrors.ErrInvalidTransition, t.ClientID, t.State)
	}

	next := t

	switch e := e.(type) {
	case Submitted:
		if t.State != StateCreated {
			return t, t.invalid(e)
		}
		next.State = StatePending

	case Succeeded:
		if t.State != StatePending {
			return t, t.invalid(e)
		}
		next.State = StateCompleted
		next.ServerID = e.ServerID
		next.ErrorMessage = ""

	case TimedOut:
		if t.State != StatePending {
			return t, t.invalid(e)
		}
		next.State = StateTimeout
		next.ErrorMessage = e.Message

	case ChallengeRequired:
		if t.State != StatePending {
			return t, t.invalid(e)
		}
		next.State = StateAwaitingChallenge
		next.Challenge = e.Kind
		next.ErrorMessage = e.Message

	case Failed:
		if t.State != StatePending {
			return t, t.invalid(e)
		}
		next.State = StateFailed
		next.ErrorMessage = e.Message

	case RetryRequested:
		if t.State != StateTimeout {
			return t, t.invalid(e)
		}
		next.RetryCount = t.RetryCount + 1
		next.State = StatePending
		next.ErrorMessage = ""

	case Verified:
		if t.State != StateAwaitingChallenge {
			return t, t.invalid(e)
		}
		next.State = StatePending
		next.ErrorMessage = ""

	case Cancelled:
		next.State = StateCancelled

	case Reconciled:
		next.State = StateCompleted
		next.ServerID = e.ServerID
		next.ErrorMessage = ""

	default:
		return t, fmt.Errorf("%w: unknown event %T", apperrors.ErrInvalidTransition, e)
	}

	next.UpdatedAt = now
	return next, nil
}

func (t Transaction) invalid(e Event) error {
	return fmt.Errorf("%w: %T from %s for transaction %s", apperrors.ErrInvalidTransition, e, t.State, t.ClientID)
}

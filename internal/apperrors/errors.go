package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("transition is not allowed")

	ErrValidation   = errors.New("validation failed")
	ErrNetwork      = errors.New("network failure")
	ErrTimeout      = errors.New("remote gateway timeout")
	ErrChallenge    = errors.New("verification challenge required")
	ErrVerification = errors.New("verification rejected")
	ErrStorage      = errors.New("storage failure")

	ErrLedgerRecordNotFound = errors.New("ledger record not found")
)

// ValidationError means bad caller input: never retried automatically
// Err, when set, is the lookup failure behind the refusal (ErrTransactionNotFound)
type ValidationError struct {
	ClientID string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed for transaction %s: %s", e.ClientID, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
func (e *ValidationError) Unwrap() error          { return e.Err }

// NetworkFailure covers transport errors and non-success responses.
// Unresolved is set when the call was interrupted or its answer unreadable, so the outcome is unknown:
// the record stays pending and has to be reconciled with a status query.
type NetworkFailure struct {
	ClientID   string
	StatusCode int
	Message    string
	Unresolved bool
	Err        error
}

func (e *NetworkFailure) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("transaction %s failed (status %d): %s", e.ClientID, e.StatusCode, msg)
	}
	return fmt.Sprintf("transaction %s failed: %s", e.ClientID, msg)
}

func (e *NetworkFailure) Is(target error) bool { return target == ErrNetwork }
func (e *NetworkFailure) Unwrap() error        { return e.Err }

// TimeoutFailure is a gateway timeout: the debit may or may not have been applied
type TimeoutFailure struct {
	ClientID string
	Message  string
}

func (e *TimeoutFailure) Error() string {
	return fmt.Sprintf("transaction %s timed out: %s", e.ClientID, e.Message)
}

func (e *TimeoutFailure) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutFailure) CanRetry() bool       { return true }

// ChallengeFailure is the signal to run verification, not a terminal error
type ChallengeFailure struct {
	ClientID string
	Kind     string
	Message  string
}

func (e *ChallengeFailure) Error() string {
	return fmt.Sprintf("transaction %s requires %s verification", e.ClientID, e.Kind)
}

func (e *ChallengeFailure) Is(target error) bool { return target == ErrChallenge }

type VerificationError struct {
	ClientID string
	Message  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification rejected for transaction %s: %s", e.ClientID, e.Message)
}

func (e *VerificationError) Is(target error) bool { return target == ErrVerification }

type StorageError struct {
	ClientID string
	Op       string
	Err      error
}

func (e *StorageError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed for transaction %s: %v", e.Op, e.ClientID, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
func (e *StorageError) Unwrap() error        { return e.Err }

package repository

import (
	"context"

	"github.com/nkiryanov/safepay/internal/models"
)

// TransactionStore is the client-side durable store, keyed by client transaction id
type TransactionStore interface {
	// Upsert by client id. Must complete before any remote call for the transaction
	// Failures are *apperrors.StorageError
	Save(ctx context.Context, tx models.Transaction) error

	// Latest snapshot, apperrors.ErrTransactionNotFound if absent
	Get(ctx context.Context, clientID string) (models.Transaction, error)

	// Atomic read-modify-write of one record
	// fn is never called for an absent record: apperrors.ErrTransactionNotFound is returned
	Update(ctx context.Context, clientID string, fn func(models.Transaction) (models.Transaction, error)) (models.Transaction, error)

	// Non-terminal records, used for crash recovery
	ListPending(ctx context.Context) ([]models.Transaction, error)
	ListAwaitingChallenge(ctx context.Context) ([]models.Transaction, error)

	// Terminal records, last update first
	ListHistory(ctx context.Context) ([]models.Transaction, error)

	// Move terminal records into the bounded history log; returns how many were moved
	ArchiveCompleted(ctx context.Context) (int, error)
}

// LedgerRepo is the remote service's record of applied debits
type LedgerRepo interface {
	// Insert the record unless one with the same client id exists
	// Returns the stored record and whether this call created it
	Apply(ctx context.Context, rec models.LedgerRecord) (models.LedgerRecord, bool, error)

	// Must return apperrors.ErrLedgerRecordNotFound if absent
	Get(ctx context.Context, clientID string) (models.LedgerRecord, error)

	// Remember a passed verification challenge for the client id
	MarkVerified(ctx context.Context, clientID string) error
	IsVerified(ctx context.Context, clientID string) (bool, error)

	// Number of applied debits
	Count(ctx context.Context) (int, error)
}

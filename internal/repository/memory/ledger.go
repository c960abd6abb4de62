// Package memory is an in-process ledger for the mock bank when no database is configured
package memory

import (
	"context"
	"sync"

	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository"
)

var _ repository.LedgerRepo = (*Ledger)(nil)

type Ledger struct {
	mu       sync.RWMutex
	records  map[string]models.LedgerRecord
	verified map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		records:  make(map[string]models.LedgerRecord),
		verified: make(map[string]struct{}),
	}
}

func (l *Ledger) Apply(_ context.Context, rec models.LedgerRecord) (models.LedgerRecord, bool, error) {
	if rec.AmountCents <= 0 {
		return models.LedgerRecord{}, false, &apperrors.ValidationError{ClientID: rec.ClientID, Reason: "amount must be positive"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[rec.ClientID]; ok {
		return existing, false, nil
	}

	l.records[rec.ClientID] = rec
	return rec, true, nil
}

func (l *Ledger) Get(_ context.Context, clientID string) (models.LedgerRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[clientID]
	if !ok {
		return rec, apperrors.ErrLedgerRecordNotFound
	}
	return rec, nil
}

func (l *Ledger) MarkVerified(_ context.Context, clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.verified[clientID] = struct{}{}
	return nil
}

func (l *Ledger) IsVerified(_ context.Context, clientID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.verified[clientID]
	return ok, nil
}

func (l *Ledger) Count(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.records), nil
}

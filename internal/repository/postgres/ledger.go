package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/models"
)

// Apply inserts the debit unless the client id is already in the ledger.
// Insert and read back run in one transaction so a concurrent duplicate sees the winner's row.
func (s *Storage) Apply(ctx context.Context, rec models.LedgerRecord) (models.LedgerRecord, bool, error) {
	const insertRecord = `
	INSERT INTO ledger (client_id, server_id, amount_cents, recipient, message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (client_id) DO NOTHING
	`

	var (
		stored  models.LedgerRecord
		created bool
	)

	err := s.InTx(ctx, func(tx *Storage) error {
		tag, err := tx.db.Exec(ctx, insertRecord, rec.ClientID, rec.ServerID, rec.AmountCents, rec.Recipient, rec.Message, rec.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgerrcode.CheckViolation:
					return &apperrors.ValidationError{ClientID: rec.ClientID, Reason: "amount must be positive"}
				case pgerrcode.UniqueViolation:
					return fmt.Errorf("server id %s already used: %w", rec.ServerID, err)
				}
			}
			return fmt.Errorf("db error: %w", err)
		}
		created = tag.RowsAffected() == 1

		stored, err = tx.Get(ctx, rec.ClientID)
		return err
	})

	return stored, created, err
}

func (s *Storage) Get(ctx context.Context, clientID string) (models.LedgerRecord, error) {
	const getRecord = `
	SELECT client_id, server_id, amount_cents, recipient, message, created_at FROM ledger
	WHERE client_id = $1
	`

	rows, _ := s.db.Query(ctx, getRecord, clientID)
	rec, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (models.LedgerRecord, error) {
		var r models.LedgerRecord
		err := row.Scan(&r.ClientID, &r.ServerID, &r.AmountCents, &r.Recipient, &r.Message, &r.CreatedAt)
		return r, err
	})

	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		return rec, apperrors.ErrLedgerRecordNotFound
	default:
		return rec, fmt.Errorf("db error: %w", err)
	}
}

func (s *Storage) MarkVerified(ctx context.Context, clientID string) error {
	const markVerified = `
	INSERT INTO verifications (client_id) VALUES ($1)
	ON CONFLICT (client_id) DO NOTHING
	`

	if _, err := s.db.Exec(ctx, markVerified, clientID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	return nil
}

func (s *Storage) IsVerified(ctx context.Context, clientID string) (bool, error) {
	const isVerified = `SELECT EXISTS (SELECT 1 FROM verifications WHERE client_id = $1)`

	var ok bool
	if err := s.db.QueryRow(ctx, isVerified, clientID).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	return ok, nil
}

func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return n, nil
}

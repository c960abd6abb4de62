package models

import "time"

// LedgerRecord is the mock bank's proof that a debit was applied for a client transaction id
type LedgerRecord struct {
	ClientID    string
	ServerID    string
	AmountCents int64
	Recipient   string
	Message     string
	CreatedAt   time.Time
}

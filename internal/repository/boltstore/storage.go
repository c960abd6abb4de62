// Package boltstore keeps transaction snapshots in a single bolt file.
//
// Two record sets live in one bucket: "active" (non-terminal and recently
// terminal records) and "history" (archived terminal records, capped).
// Each set is stored as one ordered JSON list and replaced as a whole inside
// a bolt write transaction, so concurrent writers never interleave partial
// writes and read-modify-write of a record is atomic.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository"
)

const (
	bucketName = "transactions"
	activeKey  = "active"
	historyKey = "history"

	// Archived terminal records kept, most recent first
	HistoryCap = 100
)

var _ repository.TransactionStore = (*Storage)(nil)

type Storage struct {
	db     *bolt.DB
	logger logger.Logger
}

// Open opens (or creates) the store file and makes sure the bucket exists.
// A file bolt cannot read is moved aside to <path>.corrupt-<unix> and an empty store takes its place.
func Open(path string, l logger.Logger) (*Storage, error) {
	db, err := openFile(path)
	if isCorrupted(err) {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		l.Warn("Corrupted store file moved aside", "path", path, "moved_to", aside, "error", err)

		if renameErr := os.Rename(path, aside); renameErr != nil {
			return nil, &apperrors.StorageError{Op: "open", Err: errors.Join(err, renameErr)}
		}
		db, err = openFile(path)
	}
	if err != nil {
		return nil, &apperrors.StorageError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, &apperrors.StorageError{Op: "open", Err: err}
	}

	return &Storage{db: db, logger: l}, nil
}

func openFile(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
}

func isCorrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, bolt.ErrInvalid) || errors.Is(err, bolt.ErrChecksum) || errors.Is(err, bolt.ErrVersionMismatch) {
		return true
	}
	// bolt reports a truncated file only by message
	return strings.Contains(err.Error(), "file size too small")
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Save(ctx context.Context, t models.Transaction) error {
	if err := ctx.Err(); err != nil {
		return &apperrors.StorageError{ClientID: t.ClientID, Op: "save", Err: err}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		active := upsert(s.load(b, activeKey), t)
		if err := put(b, activeKey, active); err != nil {
			return err
		}

		return s.dropFromHistory(b, t.ClientID)
	})
	if err != nil {
		return &apperrors.StorageError{ClientID: t.ClientID, Op: "save", Err: err}
	}

	return nil
}

func (s *Storage) Get(ctx context.Context, clientID string) (models.Transaction, error) {
	var found models.Transaction

	if err := ctx.Err(); err != nil {
		return found, &apperrors.StorageError{ClientID: clientID, Op: "get", Err: err}
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		for _, key := range []string{activeKey, historyKey} {
			set := s.load(b, key)
			if i := indexOf(set, clientID); i >= 0 {
				found = set[i]
				return nil
			}
		}

		return apperrors.ErrTransactionNotFound
	})

	return found, err
}

func (s *Storage) Update(ctx context.Context, clientID string, fn func(models.Transaction) (models.Transaction, error)) (models.Transaction, error) {
	var updated models.Transaction

	if err := ctx.Err(); err != nil {
		return updated, &apperrors.StorageError{ClientID: clientID, Op: "update", Err: err}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		active := s.load(b, activeKey)

		var current models.Transaction
		if i := indexOf(active, clientID); i >= 0 {
			current = active[i]
		} else {
			history := s.load(b, historyKey)
			j := indexOf(history, clientID)
			if j < 0 {
				return apperrors.ErrTransactionNotFound
			}
			current = history[j]
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next.ClientID != clientID {
			return fmt.Errorf("update must keep client id %s, got %s", clientID, next.ClientID)
		}

		if err := put(b, activeKey, upsert(active, next)); err != nil {
			return &apperrors.StorageError{ClientID: clientID, Op: "update", Err: err}
		}
		if err := s.dropFromHistory(b, clientID); err != nil {
			return &apperrors.StorageError{ClientID: clientID, Op: "update", Err: err}
		}

		updated = next
		return nil
	})

	return updated, err
}

func (s *Storage) ListPending(ctx context.Context) ([]models.Transaction, error) {
	return s.listActive(ctx, func(t models.Transaction) bool { return !t.IsTerminal() })
}

func (s *Storage) ListAwaitingChallenge(ctx context.Context) ([]models.Transaction, error) {
	return s.listActive(ctx, func(t models.Transaction) bool { return t.State == models.StateAwaitingChallenge })
}

func (s *Storage) ListHistory(ctx context.Context) ([]models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.StorageError{Op: "list", Err: err}
	}

	items := []models.Transaction{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		seen := make(map[string]struct{})
		for _, key := range []string{activeKey, historyKey} {
			for _, t := range s.load(b, key) {
				if _, ok := seen[t.ClientID]; ok || !t.IsTerminal() {
					continue
				}
				seen[t.ClientID] = struct{}{}
				items = append(items, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &apperrors.StorageError{Op: "list", Err: err}
	}

	sortByUpdateDesc(items)
	return items, nil
}

func (s *Storage) ArchiveCompleted(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &apperrors.StorageError{Op: "archive", Err: err}
	}

	moved := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		var keep, terminal []models.Transaction
		for _, t := range s.load(b, activeKey) {
			if t.IsTerminal() {
				terminal = append(terminal, t)
			} else {
				keep = append(keep, t)
			}
		}
		if len(terminal) == 0 {
			return nil
		}

		history := s.load(b, historyKey)
		for _, t := range terminal {
			history = upsert(history, t)
		}
		sortByUpdateDesc(history)
		if len(history) > HistoryCap {
			history = history[:HistoryCap]
		}

		if err := put(b, activeKey, keep); err != nil {
			return err
		}
		if err := put(b, historyKey, history); err != nil {
			return err
		}

		moved = len(terminal)
		return nil
	})
	if err != nil {
		return 0, &apperrors.StorageError{Op: "archive", Err: err}
	}

	if moved > 0 {
		s.logger.Debug("Terminal transactions archived", "count", moved)
	}
	return moved, nil
}

func (s *Storage) listActive(ctx context.Context, match func(models.Transaction) bool) ([]models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, &apperrors.StorageError{Op: "list", Err: err}
	}

	items := []models.Transaction{}

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, t := range s.load(tx.Bucket([]byte(bucketName)), activeKey) {
			if match(t) {
				items = append(items, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &apperrors.StorageError{Op: "list", Err: err}
	}

	return items, nil
}

// load decodes one record set
// Undecodable data is dropped: the set reads as empty and is replaced on the next write.
// Records with no id or an unknown state are skipped the same way.
func (s *Storage) load(b *bolt.Bucket, key string) []models.Transaction {
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil
	}

	var set []models.Transaction
	if err := json.Unmarshal(raw, &set); err != nil {
		s.logger.Warn("Corrupted record set dropped", "set", key, "error", err)
		return nil
	}

	valid := set[:0]
	for _, t := range set {
		if !t.State.Valid() || t.ClientID == "" {
			s.logger.Warn("Corrupted record dropped", "set", key, "client_id", t.ClientID, "state", t.State)
			continue
		}
		valid = append(valid, t)
	}

	return valid
}

func (s *Storage) dropFromHistory(b *bolt.Bucket, clientID string) error {
	history := s.load(b, historyKey)
	i := indexOf(history, clientID)
	if i < 0 {
		return nil
	}

	return put(b, historyKey, append(history[:i:i], history[i+1:]...))
}

func put(b *bolt.Bucket, key string, set []models.Transaction) error {
	if set == nil {
		set = []models.Transaction{}
	}

	data, err := json.Marshal(set)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

// upsert replaces the record in place or appends it, keeping insertion order
func upsert(set []models.Transaction, t models.Transaction) []models.Transaction {
	if i := indexOf(set, t.ClientID); i >= 0 {
		set[i] = t
		return set
	}
	return append(set, t)
}

func indexOf(set []models.Transaction, clientID string) int {
	for i, t := range set {
		if t.ClientID == clientID {
			return i
		}
	}
	return -1
}

func sortByUpdateDesc(set []models.Transaction) {
	sort.SliceStable(set, func(i, j int) bool {
		return set[i].UpdatedAt.After(set[j].UpdatedAt)
	})
}

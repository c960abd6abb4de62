package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/safepay/internal/amount"
	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/handlers"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository/boltstore"
	"github.com/nkiryanov/safepay/internal/repository/memory"
	"github.com/nkiryanov/safepay/internal/service/bank"
)

type harness struct {
	url    string
	store  string
	policy *bank.ScriptedPolicy
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	policy := bank.NewScriptedPolicy(bank.OutcomeSuccess)
	var seq atomic.Int64
	svc, err := bank.NewService(bank.Config{
		NewID: func() string { return fmt.Sprintf("srv-%d", seq.Add(1)) },
	}, memory.NewLedger(), policy, logger.NewNoOpLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(handlers.NewRouter(svc, logger.NewNoOpLogger()))
	t.Cleanup(srv.Close)

	return &harness{
		url:    srv.URL,
		store:  filepath.Join(t.TempDir(), "pay.db"),
		policy: policy,
	}
}

func noEnv(string) string { return "" }

// exec runs one paycli invocation and returns stdout lines and the error
func (h *harness) exec(t *testing.T, stdin string, args ...string) ([]string, error) {
	t.Helper()
	return h.execFor(t, 5*time.Second, stdin, args...)
}

func (h *harness) execFor(t *testing.T, limit time.Duration, stdin string, args ...string) ([]string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	full := append([]string{"-r", h.url, "-s", h.store, "-l", "error"}, args...)

	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	err := run(ctx, noEnv, os.Getwd, full, strings.NewReader(stdin), &stdout, &stderr)

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), err
}

func decodeResult(t *testing.T, line string) resultLine {
	t.Helper()
	var r resultLine
	require.NoError(t, json.Unmarshal([]byte(line), &r))
	return r
}

func decodeTx(t *testing.T, line string) models.Transaction {
	t.Helper()
	var tx models.Transaction
	require.NoError(t, json.Unmarshal([]byte(line), &tx))
	return tx
}

func Test_run(t *testing.T) {
	t.Run("submit and history", func(t *testing.T) {
		h := newHarness(t)

		lines, err := h.exec(t, "", "submit", "10.50", "--recipient", "bob", "--description", "rent")
		require.NoError(t, err)
		require.Len(t, lines, 1)

		res := decodeResult(t, lines[0])
		require.Equal(t, models.StateCompleted, res.Transaction.State)
		require.Equal(t, int64(1050), res.Transaction.Amount.Cents())
		require.Equal(t, "bob", res.Transaction.Recipient)
		require.Equal(t, "srv-1", res.Transaction.ServerID)

		lines, err = h.exec(t, "", "history")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		require.Equal(t, res.Transaction.ClientID, decodeTx(t, lines[0]).ClientID)

		lines, err = h.exec(t, "", "archive")
		require.NoError(t, err)
		require.JSONEq(t, `{"archived": 1}`, lines[0])
	})

	t.Run("timeout then retry", func(t *testing.T) {
		h := newHarness(t)
		h.policy.Push(bank.OutcomeTimeout)

		lines, err := h.exec(t, "", "submit", "5")
		require.ErrorIs(t, err, apperrors.ErrTimeout)
		res := decodeResult(t, lines[0])
		require.Equal(t, models.StateTimeout, res.Transaction.State)
		require.Contains(t, res.Error, res.Transaction.ClientID, "failure names the transaction")

		lines, err = h.exec(t, "", "pending")
		require.NoError(t, err)
		require.Len(t, lines, 1)

		lines, err = h.exec(t, "", "retry", res.Transaction.ClientID)
		require.NoError(t, err)
		retried := decodeResult(t, lines[0])
		require.Equal(t, models.StateCompleted, retried.Transaction.State)
		require.Equal(t, 1, retried.Transaction.RetryCount)
	})

	t.Run("challenge answered on stdin", func(t *testing.T) {
		h := newHarness(t)
		h.policy.Push(bank.OutcomeChallenge)

		lines, err := h.exec(t, bank.DefaultOTP+"\n", "-i", "submit", "1.00")

		require.NoError(t, err)
		require.Equal(t, models.StateCompleted, decodeResult(t, lines[0]).Transaction.State)
	})

	t.Run("challenge declined on stdin then verified", func(t *testing.T) {
		h := newHarness(t)
		h.policy.Push(bank.OutcomeChallenge)

		lines, err := h.exec(t, "\n", "-i", "submit", "1.00")
		require.ErrorIs(t, err, apperrors.ErrChallenge)
		res := decodeResult(t, lines[0])
		require.Equal(t, models.StateAwaitingChallenge, res.Transaction.State)
		id := res.Transaction.ClientID

		lines, err = h.exec(t, "", "challenges")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		require.Equal(t, id, decodeTx(t, lines[0]).ClientID)

		lines, err = h.exec(t, "", "verify", id, "000000")
		require.ErrorIs(t, err, apperrors.ErrVerification)
		require.Equal(t, models.StateAwaitingChallenge, decodeResult(t, lines[0]).Transaction.State)

		lines, err = h.exec(t, "", "verify", id, bank.DefaultOTP)
		require.NoError(t, err)
		require.Equal(t, models.StateCompleted, decodeResult(t, lines[0]).Transaction.State)
	})

	t.Run("cancel and status", func(t *testing.T) {
		h := newHarness(t)
		h.policy.Push(bank.OutcomeTimeout)

		lines, err := h.exec(t, "", "submit", "2")
		require.Error(t, err)
		id := decodeResult(t, lines[0]).Transaction.ClientID

		lines, err = h.exec(t, "", "status", id)
		require.NoError(t, err)
		var status statusLine
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &status))
		require.False(t, status.Found)
		require.True(t, status.SafeToRetry)

		lines, err = h.exec(t, "", "cancel", id)
		require.NoError(t, err)
		require.Equal(t, models.StateCancelled, decodeResult(t, lines[0]).Transaction.State)
	})

	t.Run("cancel unknown id prints nothing", func(t *testing.T) {
		h := newHarness(t)

		lines, err := h.exec(t, "", "cancel", "never-existed")
		require.NoError(t, err)
		require.Empty(t, lines)
	})

	t.Run("pending record recovered at start", func(t *testing.T) {
		h := newHarness(t)

		// Left behind by a run that died mid-call
		store, err := boltstore.Open(h.store, logger.NewNoOpLogger())
		require.NoError(t, err)
		tx := models.NewTransaction("crashed-1", amount.FromCents(700), "", "", time.Now())
		tx.State = models.StatePending
		require.NoError(t, store.Save(context.Background(), tx))
		require.NoError(t, store.Close())

		lines, err := h.exec(t, "", "pending")
		require.NoError(t, err)
		require.Len(t, lines, 1)
		recovered := decodeTx(t, lines[0])
		require.Equal(t, "crashed-1", recovered.ClientID)
		require.Equal(t, models.StateTimeout, recovered.State, "never applied remotely, so safe to retry")
	})

	t.Run("watch reconciles and prints changes", func(t *testing.T) {
		h := newHarness(t)

		store, err := boltstore.Open(h.store, logger.NewNoOpLogger())
		require.NoError(t, err)
		tx := models.NewTransaction("crashed-2", amount.FromCents(700), "", "", time.Now())
		tx.State = models.StatePending
		require.NoError(t, store.Save(context.Background(), tx))
		require.NoError(t, store.Close())

		lines, err := h.execFor(t, time.Second, "", "watch", "--interval", "20ms", "--min-age", "0s", "--workers", "1")

		require.NoError(t, err, "watch stops quietly when its context ends")
		require.NotEmpty(t, lines)
		changed := decodeTx(t, lines[0])
		require.Equal(t, "crashed-2", changed.ClientID)
		require.Equal(t, models.StateTimeout, changed.State)
	})

	t.Run("usage errors", func(t *testing.T) {
		h := newHarness(t)

		tests := []struct {
			name string
			args []string
		}{
			{"no command", nil},
			{"unknown command", []string{"refund", "x"}},
			{"retry without id", []string{"retry"}},
			{"verify without code", []string{"verify", "x"}},
			{"submit without amount", []string{"submit"}},
			{"submit bad amount", []string{"submit", "ten"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				lines, err := h.exec(t, "", tt.args...)
				require.Error(t, err)
				require.Empty(t, lines)
			})
		}
	})

	t.Run("non positive amount", func(t *testing.T) {
		h := newHarness(t)

		lines, err := h.exec(t, "", "submit", "0")

		require.ErrorIs(t, err, apperrors.ErrValidation)
		require.Empty(t, lines)
	})
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository/memory"
	"github.com/nkiryanov/safepay/internal/service/bank"
)

func startBank(t *testing.T, script ...bank.Outcome) (string, *memory.Ledger) {
	t.Helper()

	ledger := memory.NewLedger()
	var seq atomic.Int64
	s, err := bank.NewService(bank.Config{
		NewID: func() string { return fmt.Sprintf("srv-%d", seq.Add(1)) },
	}, ledger, bank.NewScriptedPolicy(bank.OutcomeSuccess, script...), logger.NewNoOpLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(s, logger.NewNoOpLogger()))
	t.Cleanup(srv.Close)

	return srv.URL, ledger
}

func post(t *testing.T, url, body string, headers map[string]string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(data)
}

func debitCount(t *testing.T, l *memory.Ledger) int {
	t.Helper()
	n, err := l.Count(context.Background())
	require.NoError(t, err)
	return n
}

func Test_SubmitHandler(t *testing.T) {
	const submit = `{"clientTransactionId": "tx-1", "amountCents": 1050, "recipient": "bob"}`

	t.Run("success is applied once", func(t *testing.T) {
		url, ledger := startBank(t, bank.OutcomeSuccess)

		code, body := post(t, url+"/api/v1/transactions", submit, map[string]string{models.HeaderIdempotencyKey: "tx-1"})
		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		assert.JSONEq(t, `{"success": true, "serverTransactionId": "srv-1", "message": "Transfer successful"}`, body)

		code, again := post(t, url+"/api/v1/transactions", submit, map[string]string{models.HeaderIdempotencyKey: "tx-1"})
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, body, again, "repeated id gets the recorded answer")

		require.Equal(t, 1, debitCount(t, ledger))
	})

	t.Run("timeout", func(t *testing.T) {
		url, ledger := startBank(t, bank.OutcomeTimeout)

		code, body := post(t, url+"/api/v1/transactions", submit, nil)

		require.Equal(t, http.StatusGatewayTimeout, code)
		assert.JSONEq(t, `{"success": false, "message": "Gateway timeout"}`, body)
		require.Zero(t, debitCount(t, ledger))
	})

	t.Run("lost response is applied", func(t *testing.T) {
		url, ledger := startBank(t, bank.OutcomeLostResponse)

		code, _ := post(t, url+"/api/v1/transactions", submit, nil)
		require.Equal(t, http.StatusGatewayTimeout, code)
		require.Equal(t, 1, debitCount(t, ledger))

		code, body := post(t, url+"/api/v1/transactions/status", `{"clientTransactionId": "tx-1"}`, nil)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"success": true, "serverTransactionId": "srv-1", "message": "Transfer successful"}`, body)
	})

	t.Run("failure", func(t *testing.T) {
		url, ledger := startBank(t, bank.OutcomeFailure)

		code, body := post(t, url+"/api/v1/transactions", submit, nil)

		require.Equal(t, http.StatusInternalServerError, code)
		assert.JSONEq(t, `{"success": false, "message": "Transfer declined"}`, body)
		require.Zero(t, debitCount(t, ledger))
	})

	t.Run("challenge and replay with code", func(t *testing.T) {
		url, ledger := startBank(t, bank.OutcomeChallenge, bank.OutcomeChallenge)

		code, body := post(t, url+"/api/v1/transactions", submit, nil)
		require.Equal(t, http.StatusForbidden, code)
		assert.JSONEq(t, `{
			"success": false,
			"riskChallengeRequired": true,
			"challengeType": "SMS_OTP",
			"message": "Additional verification required"
		}`, body)

		code, _ = post(t, url+"/api/v1/transactions", submit, map[string]string{
			models.HeaderOTPToken:     "000000",
			models.HeaderRiskVerified: "true",
		})
		require.Equal(t, http.StatusForbidden, code, "wrong code is challenged again")

		code, body = post(t, url+"/api/v1/transactions", submit, map[string]string{
			models.HeaderOTPToken:     bank.DefaultOTP,
			models.HeaderRiskVerified: "true",
		})
		require.Equalf(t, http.StatusOK, code, "body: %s", body)
		require.Equal(t, 1, debitCount(t, ledger))
	})

	t.Run("bad requests", func(t *testing.T) {
		url, ledger := startBank(t)

		tests := []struct {
			name     string
			body     string
			headers  map[string]string
			expected int
		}{
			{"malformed json", `{"clientTransactionId":`, nil, http.StatusBadRequest},
			{"zero amount", `{"clientTransactionId": "tx-1", "amountCents": 0}`, nil, http.StatusUnprocessableEntity},
			{"negative amount", `{"clientTransactionId": "tx-1", "amountCents": -5}`, nil, http.StatusUnprocessableEntity},
			{"missing id", `{"amountCents": 100}`, nil, http.StatusUnprocessableEntity},
			{"id with spaces", `{"clientTransactionId": "tx 1", "amountCents": 100}`, nil, http.StatusUnprocessableEntity},
			{"key mismatch", submit, map[string]string{models.HeaderIdempotencyKey: "other"}, http.StatusBadRequest},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				code, body := post(t, url+"/api/v1/transactions", tt.body, tt.headers)
				require.Equalf(t, tt.expected, code, "body: %s", body)
			})
		}

		require.Zero(t, debitCount(t, ledger), "rejected requests never debit")
	})
}

func Test_VerifyHandler(t *testing.T) {
	url, ledger := startBank(t, bank.OutcomeChallenge)

	code, body := post(t, url+"/api/v1/transactions/verify", `{"clientTransactionId": "tx-1", "otp": "999999"}`, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	assert.JSONEq(t, `{"success": false, "message": "Invalid verification code"}`, body)

	code, body = post(t, url+"/api/v1/transactions/verify", `{"clientTransactionId": "tx-1", "otp": "123456"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success": true, "message": "Verification successful"}`, body)

	code, _ = post(t, url+"/api/v1/transactions/verify", `{"clientTransactionId": "tx-1"}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, code, "otp is required")

	// The verified id skips the scripted challenge
	code, _ = post(t, url+"/api/v1/transactions", `{"clientTransactionId": "tx-1", "amountCents": 100}`, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, debitCount(t, ledger))

	verified, err := ledger.IsVerified(context.Background(), "tx-1")
	require.NoError(t, err)
	require.True(t, verified)
}

func Test_StatusHandler(t *testing.T) {
	url, _ := startBank(t)

	code, body := post(t, url+"/api/v1/transactions/status", `{"clientTransactionId": "tx-1"}`, nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"success": false, "message": "Transaction not found"}`, body)

	code, _ = post(t, url+"/api/v1/transactions", `{"clientTransactionId": "tx-1", "amountCents": 100}`, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = post(t, url+"/api/v1/transactions/status", `{"clientTransactionId": "tx-1"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"success": true, "serverTransactionId": "srv-1", "message": "Transfer successful"}`, body)
}

func Test_ServiceEndpoints(t *testing.T) {
	url, _ := startBank(t)

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok", "debits": 0}`, string(body))

	// One served request so the request counter has a series
	code, _ := post(t, url+"/api/v1/transactions/status", `{"clientTransactionId": "tx-1"}`, nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = post(t, url+"/api/v1/transactions", `{"clientTransactionId": "tx-1", "amountCents": 100}`, nil)
	require.Equal(t, http.StatusOK, code)

	resp, err = http.Get(url + "/health")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.JSONEq(t, `{"status": "ok", "debits": 1}`, string(body), "health reads the ledger")

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "mockbank_http_requests_total")

	resp, err = http.Get(url + "/api/v1/transactions")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

var _ bankService = (*bank.Service)(nil)

// brokenLedger fails every read, like a database that went away
type brokenLedger struct {
	*memory.Ledger
}

func (brokenLedger) Count(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func Test_HealthWithBrokenLedger(t *testing.T) {
	s, err := bank.NewService(bank.Config{}, brokenLedger{memory.NewLedger()}, bank.FixedPolicy{Outcome: bank.OutcomeSuccess}, logger.NewNoOpLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(s, logger.NewNoOpLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"status": "unavailable", "debits": 0}`, string(body))
}

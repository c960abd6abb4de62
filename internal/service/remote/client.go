// Package remote talks to the payment service over HTTP.
// It reports what the service answered; turning answers into transitions is the coordinator's job.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/metrics"
	"github.com/nkiryanov/safepay/internal/models"
)

const (
	EndpointSubmit = "submit"
	EndpointVerify = "verify"
	EndpointStatus = "status"

	submitPath = "/api/v1/transactions"
	verifyPath = "/api/v1/transactions/verify"
	statusPath = "/api/v1/transactions/status"

	// Consecutive transport failures before the breaker opens
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second

	maxBodySize = 1 << 20
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeChallenge Outcome = "challenge"
	OutcomeFailure   Outcome = "failure"
	// The service answered 200 but the body could not be read: the debit may
	// be applied, only a status query can tell
	OutcomeUnknown Outcome = "unknown"
)

type SubmitResult struct {
	Outcome    Outcome
	StatusCode int
	ServerID   string
	Message    string
	Challenge  models.ChallengeKind
}

type VerifyResult struct {
	Success    bool
	StatusCode int
	Message    string
}

type StatusResult struct {
	Found    bool
	ServerID string
	Message  string
}

// StatusError is any answer that is neither success nor a recognised outcome
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// CodeProvider supplies verification codes to the challenge interceptor
type CodeProvider interface {
	ProvideCode(ctx context.Context, ch models.Challenge) (string, error)
}

// Client holds no per-transaction state and is safe for concurrent use
type Client struct {
	addr    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

// NewClient builds a client for the service at addr.
// timeout bounds each HTTP attempt up to the response headers; waiting for a verification code is not bounded.
// With a nil codes the challenge interceptor is off and 403 challenges are returned as is.
func NewClient(addr string, timeout time.Duration, codes CodeProvider, l logger.Logger) *Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
	}

	var transport http.RoundTripper = base
	if codes != nil {
		transport = &ChallengeInterceptor{Base: base, Codes: codes, Logger: l}
	}

	c := &Client{
		addr:   strings.TrimRight(addr, "/"),
		client: &http.Client{Transport: transport},
		logger: l,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		// Only transport errors count, answers of any status mean the service is up
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

func (c *Client) Submit(ctx context.Context, tx models.Transaction) (SubmitResult, error) {
	req := models.SubmitRequest{
		ClientID:    tx.ClientID,
		AmountCents: tx.Amount.Cents(),
		Recipient:   tx.Recipient,
	}

	status, body, err := c.post(ctx, EndpointSubmit, submitPath, tx.ClientID, req)
	if err != nil {
		c.observe(EndpointSubmit, "transport")
		return SubmitResult{}, err
	}

	var payload models.SubmitResponse
	if err := json.Unmarshal(body, &payload); err != nil && status == http.StatusOK {
		c.logger.Warn("Failed to decode response", "client_id", tx.ClientID, "error", err)
		c.observe(EndpointSubmit, string(OutcomeUnknown))
		return SubmitResult{Outcome: OutcomeUnknown, StatusCode: status, Message: "malformed success response"}, nil
	}

	result := SubmitResult{StatusCode: status, Message: payload.Message}

	switch {
	case status == http.StatusOK && payload.Success:
		result.Outcome = OutcomeSuccess
		result.ServerID = payload.ServerID
	case status == http.StatusGatewayTimeout:
		result.Outcome = OutcomeTimeout
	case status == http.StatusForbidden && payload.RiskChallengeRequired:
		result.Outcome = OutcomeChallenge
		result.Challenge = models.ChallengeKind(payload.ChallengeType)
	default:
		result.Outcome = OutcomeFailure
		if result.Message == "" {
			result.Message = http.StatusText(status)
		}
	}

	c.observe(EndpointSubmit, string(result.Outcome))
	c.logger.Debug("Submit answered", "client_id", tx.ClientID, "status", status, "outcome", result.Outcome)

	return result, nil
}

func (c *Client) Verify(ctx context.Context, clientID, code string) (VerifyResult, error) {
	status, body, err := c.post(ctx, EndpointVerify, verifyPath, clientID, models.VerifyRequest{ClientID: clientID, OTP: code})
	if err != nil {
		c.observe(EndpointVerify, "transport")
		return VerifyResult{}, err
	}

	var payload models.VerifyResponse
	_ = json.Unmarshal(body, &payload)

	result := VerifyResult{
		Success:    status == http.StatusOK && payload.Success,
		StatusCode: status,
		Message:    payload.Message,
	}

	outcome := "rejected"
	if result.Success {
		outcome = "verified"
	}
	c.observe(EndpointVerify, outcome)

	return result, nil
}

func (c *Client) Status(ctx context.Context, clientID string) (StatusResult, error) {
	status, body, err := c.post(ctx, EndpointStatus, statusPath, clientID, models.StatusRequest{ClientID: clientID})
	if err != nil {
		c.observe(EndpointStatus, "transport")
		return StatusResult{}, err
	}

	var payload models.SubmitResponse
	_ = json.Unmarshal(body, &payload)

	switch {
	case status == http.StatusOK && payload.Success:
		c.observe(EndpointStatus, "found")
		return StatusResult{Found: true, ServerID: payload.ServerID, Message: payload.Message}, nil
	case status == http.StatusNotFound:
		c.observe(EndpointStatus, "not_found")
		return StatusResult{Found: false, Message: payload.Message}, nil
	default:
		c.observe(EndpointStatus, "error")
		c.logger.Warn("Status query failed", "client_id", clientID, "status", status)
		return StatusResult{}, &StatusError{StatusCode: status, Message: payload.Message}
	}
}

// post sends one JSON request through the breaker and reads the whole answer.
// A non-nil error is always a transport problem.
func (c *Client) post(ctx context.Context, endpoint, path, clientID string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	timer := prometheus.NewTimer(metrics.RemoteLatency.WithLabelValues(endpoint))
	defer timer.ObserveDuration()

	type answer struct {
		status int
		body   []byte
	}

	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(models.HeaderIdempotencyKey, clientID)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close() // nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		return answer{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("Remote call rejected by circuit breaker", "endpoint", endpoint, "client_id", clientID)
			return 0, nil, fmt.Errorf("remote service unavailable: %w", err)
		}
		return 0, nil, err
	}

	a := res.(answer)
	return a.status, a.body, nil
}

func (c *Client) observe(endpoint, outcome string) {
	metrics.RemoteCalls.WithLabelValues(endpoint, outcome).Inc()
}

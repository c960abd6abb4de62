// Package bank is the mock payment service: it applies each debit at most once per client id
// and answers new submissions according to a pluggable outcome policy.
package bank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/metrics"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository"
)

const (
	DefaultOTP = "123456"

	msgSuccess   = "Transfer successful"
	msgTimeout   = "Gateway timeout"
	msgChallenge = "Additional verification required"
	msgDeclined  = "Transfer declined"
	msgNotFound  = "Transaction not found"
)

type Config struct {
	// Accepted verification code, DefaultOTP when empty
	OTP string

	// Challenge kind reported on 403, SMS_OTP when empty
	ChallengeKind models.ChallengeKind

	Clock func() time.Time
	NewID func() string
}

// Answer is an HTTP status with its JSON body
type Answer[T any] struct {
	Status int
	Body   T
}

type Service struct {
	ledger repository.LedgerRepo
	policy OutcomePolicy

	otp           string
	challengeKind models.ChallengeKind
	now           func() time.Time
	newID         func() string

	logger logger.Logger
}

func NewService(cfg Config, ledger repository.LedgerRepo, policy OutcomePolicy, l logger.Logger) (*Service, error) {
	if ledger == nil || policy == nil {
		return nil, errors.New("ledger and policy must not be nil")
	}

	s := &Service{
		ledger:        ledger,
		policy:        policy,
		otp:           cfg.OTP,
		challengeKind: cfg.ChallengeKind,
		now:           cfg.Clock,
		newID:         cfg.NewID,
		logger:        l,
	}

	if s.otp == "" {
		s.otp = DefaultOTP
	}
	if s.challengeKind == "" {
		s.challengeKind = models.ChallengeSMSOTP
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	return s, nil
}

// Submit answers a transfer request.
// A client id already in the ledger gets the recorded answer back and nothing is applied again.
// otp and riskVerified come from the X-OTP-Token and X-Risk-Verified headers.
func (s *Service) Submit(ctx context.Context, req models.SubmitRequest, otp string, riskVerified bool) (Answer[models.SubmitResponse], error) {
	rec, err := s.ledger.Get(ctx, req.ClientID)
	switch {
	case err == nil:
		s.logger.Info("Repeated client id, returning recorded outcome", "client_id", req.ClientID)
		return success(rec), nil
	case !errors.Is(err, apperrors.ErrLedgerRecordNotFound):
		return Answer[models.SubmitResponse]{}, fmt.Errorf("ledger lookup failed: %w", err)
	}

	verified, err := s.verified(ctx, req.ClientID, otp, riskVerified)
	if err != nil {
		return Answer[models.SubmitResponse]{}, err
	}

	var outcome Outcome
	switch {
	case verified:
		outcome = OutcomeSuccess
	case riskVerified:
		// A replay with a wrong code is challenged again
		outcome = OutcomeChallenge
	default:
		outcome = s.policy.Next(req)
	}

	s.logger.Debug("Submission outcome picked", "client_id", req.ClientID, "outcome", outcome, "verified", verified)

	switch outcome {
	case OutcomeSuccess:
		rec, err := s.apply(ctx, req)
		if err != nil {
			return Answer[models.SubmitResponse]{}, err
		}
		return success(rec), nil

	case OutcomeLostResponse:
		if _, err := s.apply(ctx, req); err != nil {
			return Answer[models.SubmitResponse]{}, err
		}
		return Answer[models.SubmitResponse]{Status: http.StatusGatewayTimeout, Body: models.SubmitResponse{Message: msgTimeout}}, nil

	case OutcomeTimeout:
		return Answer[models.SubmitResponse]{Status: http.StatusGatewayTimeout, Body: models.SubmitResponse{Message: msgTimeout}}, nil

	case OutcomeChallenge:
		return Answer[models.SubmitResponse]{Status: http.StatusForbidden, Body: models.SubmitResponse{
			RiskChallengeRequired: true,
			ChallengeType:         string(s.challengeKind),
			Message:               msgChallenge,
		}}, nil

	default:
		return Answer[models.SubmitResponse]{Status: http.StatusInternalServerError, Body: models.SubmitResponse{Message: msgDeclined}}, nil
	}
}

// Verify checks the code and remembers a passed challenge for the client id
func (s *Service) Verify(ctx context.Context, req models.VerifyRequest) (Answer[models.VerifyResponse], error) {
	if req.OTP != s.otp {
		s.logger.Info("Verification code rejected", "client_id", req.ClientID)
		return Answer[models.VerifyResponse]{Status: http.StatusUnauthorized, Body: models.VerifyResponse{Message: "Invalid verification code"}}, nil
	}

	if err := s.ledger.MarkVerified(ctx, req.ClientID); err != nil {
		return Answer[models.VerifyResponse]{}, fmt.Errorf("failed to mark verified: %w", err)
	}

	return Answer[models.VerifyResponse]{Status: http.StatusOK, Body: models.VerifyResponse{Success: true, Message: "Verification successful"}}, nil
}

// Status tells whether the debit for the client id was applied
func (s *Service) Status(ctx context.Context, req models.StatusRequest) (Answer[models.SubmitResponse], error) {
	rec, err := s.ledger.Get(ctx, req.ClientID)
	switch {
	case err == nil:
		return success(rec), nil
	case errors.Is(err, apperrors.ErrLedgerRecordNotFound):
		return Answer[models.SubmitResponse]{Status: http.StatusNotFound, Body: models.SubmitResponse{Message: msgNotFound}}, nil
	default:
		return Answer[models.SubmitResponse]{}, fmt.Errorf("ledger lookup failed: %w", err)
	}
}

// Debits counts the debits applied so far; health checks use it to reach the ledger
func (s *Service) Debits(ctx context.Context) (int, error) {
	n, err := s.ledger.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger count failed: %w", err)
	}
	return n, nil
}

// verified is true when the id passed verification before or the request carries a valid code
func (s *Service) verified(ctx context.Context, clientID, otp string, riskVerified bool) (bool, error) {
	if riskVerified && otp == s.otp {
		if err := s.ledger.MarkVerified(ctx, clientID); err != nil {
			return false, fmt.Errorf("failed to mark verified: %w", err)
		}
		return true, nil
	}

	ok, err := s.ledger.IsVerified(ctx, clientID)
	if err != nil {
		return false, fmt.Errorf("verification lookup failed: %w", err)
	}
	return ok, nil
}

// apply writes the debit; a racing duplicate gets the winner's record
func (s *Service) apply(ctx context.Context, req models.SubmitRequest) (models.LedgerRecord, error) {
	rec, created, err := s.ledger.Apply(ctx, models.LedgerRecord{
		ClientID:    req.ClientID,
		ServerID:    s.newID(),
		AmountCents: req.AmountCents,
		Recipient:   req.Recipient,
		Message:     msgSuccess,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return rec, err
	}

	if created {
		metrics.BankDebits.Inc()
		s.logger.Info("Debit applied", "client_id", rec.ClientID, "server_id", rec.ServerID, "amount_cents", rec.AmountCents)
	}
	return rec, nil
}

func success(rec models.LedgerRecord) Answer[models.SubmitResponse] {
	return Answer[models.SubmitResponse]{Status: http.StatusOK, Body: models.SubmitResponse{
		Success:  true,
		ServerID: rec.ServerID,
		Message:  rec.Message,
	}}
}

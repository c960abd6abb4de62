package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nkiryanov/safepay/internal/handlers/middleware"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/service/bank"
)

// NewRouter serves the mock payment service API
func NewRouter(bankService bankService, logger logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.MetricsMiddleware)

	r.Post("/api/v1/transactions", handleSubmit(bankService, logger))
	r.Post("/api/v1/transactions/verify", handleVerify(bankService, logger))
	r.Post("/api/v1/transactions/status", handleStatus(bankService, logger))

	r.Get("/health", handleHealth(bankService, logger))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type bankService interface {
	// Submit applies a debit at most once per client id.
	// otp and riskVerified are taken from the challenge replay headers.
	Submit(ctx context.Context, req models.SubmitRequest, otp string, riskVerified bool) (bank.Answer[models.SubmitResponse], error)

	// Verify checks the verification code for a challenged client id
	Verify(ctx context.Context, req models.VerifyRequest) (bank.Answer[models.VerifyResponse], error)

	// Status reports whether the debit for a client id was applied
	Status(ctx context.Context, req models.StatusRequest) (bank.Answer[models.SubmitResponse], error)

	// Debits counts applied debits
	Debits(ctx context.Context) (int, error)
}

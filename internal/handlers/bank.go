package handlers

import (
	"net/http"
	"strings"

	"github.com/nkiryanov/safepay/internal/handlers/render"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
)

const maxBodySize = 64 << 10

func handleSubmit(bankService bankService, logger logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		data, err := render.BindAndValidate[models.SubmitRequest](w, r)
		if err != nil {
			return
		}

		if key := r.Header.Get(models.HeaderIdempotencyKey); key != "" && key != data.ClientID {
			render.ServiceError(w, "Idempotency-Key does not match clientTransactionId", http.StatusBadRequest)
			return
		}

		otp := r.Header.Get(models.HeaderOTPToken)
		riskVerified := strings.EqualFold(r.Header.Get(models.HeaderRiskVerified), "true")

		answer, err := bankService.Submit(r.Context(), data, otp, riskVerified)
		if err != nil {
			logger.Error("Submission failed", "client_id", data.ClientID, "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSONStatus(w, answer.Body, answer.Status)
	}
}

func handleVerify(bankService bankService, logger logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		data, err := render.BindAndValidate[models.VerifyRequest](w, r)
		if err != nil {
			return
		}

		answer, err := bankService.Verify(r.Context(), data)
		if err != nil {
			logger.Error("Verification failed", "client_id", data.ClientID, "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSONStatus(w, answer.Body, answer.Status)
	}
}

func handleStatus(bankService bankService, logger logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		data, err := render.BindAndValidate[models.StatusRequest](w, r)
		if err != nil {
			return
		}

		answer, err := bankService.Status(r.Context(), data)
		if err != nil {
			logger.Error("Status lookup failed", "client_id", data.ClientID, "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		render.JSONStatus(w, answer.Body, answer.Status)
	}
}

// handleHealth answers 503 while the ledger cannot be read
func handleHealth(bankService bankService, logger logger.Logger) http.HandlerFunc {
	type HealthResponse struct {
		Status string `json:"status"`
		Debits int    `json:"debits"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		n, err := bankService.Debits(r.Context())
		if err != nil {
			logger.Error("Health check failed", "error", err)
			render.JSONStatus(w, HealthResponse{Status: "unavailable"}, http.StatusServiceUnavailable)
			return
		}

		render.JSON(w, HealthResponse{Status: "ok", Debits: n})
	}
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
)

// ChallengeInterceptor replays a request once after a risk challenge.
// On a 403 marked riskChallengeRequired it asks Codes for a code and re-issues the same request
// with X-OTP-Token and X-Risk-Verified set. Without a code the original 403 is returned.
type ChallengeInterceptor struct {
	Base   http.RoundTripper
	Codes  CodeProvider
	Logger logger.Logger
}

func (i *ChallengeInterceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := i.base().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusForbidden {
		return resp, err
	}

	// Already a verified replay: hand the answer back, never loop
	if req.Header.Get(models.HeaderRiskVerified) == "true" {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var payload models.SubmitResponse
	if err := json.Unmarshal(body, &payload); err != nil || !payload.RiskChallengeRequired {
		return resp, nil
	}

	if req.Body != nil && req.GetBody == nil {
		i.Logger.Warn("Request body cannot be replayed, returning challenge", "url", req.URL.String())
		return resp, nil
	}

	clientID := req.Header.Get(models.HeaderIdempotencyKey)
	code, err := i.Codes.ProvideCode(req.Context(), models.Challenge{
		ClientID: clientID,
		Kind:     models.ChallengeKind(payload.ChallengeType),
		Message:  payload.Message,
	})
	if err != nil || code == "" {
		i.Logger.Info("No verification code, returning challenge", "client_id", clientID, "error", err)
		return resp, nil
	}

	replay := req.Clone(req.Context())
	if req.GetBody != nil {
		replay.Body, err = req.GetBody()
		if err != nil {
			return resp, nil
		}
	}
	replay.Header.Set(models.HeaderOTPToken, code)
	replay.Header.Set(models.HeaderRiskVerified, "true")

	i.Logger.Debug("Replaying request with verification code", "client_id", clientID)

	return i.base().RoundTrip(replay)
}

func (i *ChallengeInterceptor) base() http.RoundTripper {
	if i.Base == nil {
		return http.DefaultTransport
	}
	return i.Base
}

// CodeFunc adapts a function to CodeProvider
type CodeFunc func(ctx context.Context, ch models.Challenge) (string, error)

func (f CodeFunc) ProvideCode(ctx context.Context, ch models.Challenge) (string, error) {
	return f(ctx, ch)
}

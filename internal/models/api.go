package models

// Wire shapes shared by the remote client and the mock bank

type SubmitRequest struct {
	ClientID    string `json:"clientTransactionId" validate:"required,max=128,txid"`
	AmountCents int64  `json:"amountCents" validate:"gt=0"`
	Recipient   string `json:"recipient,omitempty" validate:"max=256"`
}

type SubmitResponse struct {
	Success               bool   `json:"success"`
	ServerID              string `json:"serverTransactionId,omitempty"`
	Message               string `json:"message,omitempty"`
	RiskChallengeRequired bool   `json:"riskChallengeRequired,omitempty"`
	ChallengeType         string `json:"challengeType,omitempty"`
}

type VerifyRequest struct {
	ClientID string `json:"clientTransactionId" validate:"required,max=128,txid"`
	OTP      string `json:"otp" validate:"required"`
}

type VerifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type StatusRequest struct {
	ClientID string `json:"clientTransactionId" validate:"required,max=128,txid"`
}

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOTPToken       = "X-OTP-Token"
	HeaderRiskVerified   = "X-Risk-Verified"
)

// Challenge is a step-up verification request raised by the remote service for one transaction
type Challenge struct {
	ClientID string
	Kind     ChallengeKind
	Message  string
}

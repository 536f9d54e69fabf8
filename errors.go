package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any PaymentError carrying the same code, so sentinel values like
// ErrMalformedPayload work with errors.Is
func (e *PaymentError) Is(target error) bool {
	var other *PaymentError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Structural error codes, surfaced to callers as 4xx responses
const (
	ErrCodeMalformedChallenge = "malformed_challenge"
	ErrCodeMalformedPayload   = "malformed_payload"
	ErrCodeInvalidChallenge   = "invalid_challenge"
	ErrCodeRateLimited        = "rate_limited"
)

// Rejection reasons carried by rejected SettlementDecisions
const (
	ReasonChallengeMismatch  = "challenge_mismatch"
	ReasonChallengeExpired   = "challenge_expired"
	ReasonContextMismatch    = "context_mismatch"
	ReasonAmountInsufficient = "amount_insufficient"
	ReasonReplayDetected     = "replay_detected"
	ReasonInvalidProof       = "invalid_proof"
	ReasonMissingTxHash      = "missing_tx_hash"
	ReasonSettlementMismatch = "settlement_mismatch"
	ReasonUnknownChallenge   = "unknown_challenge"
)

// Annotations carried by pending SettlementDecisions
const (
	ReasonRPCUnavailable        = "rpc_unavailable"
	ReasonSettlementNotFound    = "settlement_not_found"
	ReasonSettlementUnconfirmed = "settlement_unconfirmed"
	ReasonSettlementInProgress  = "settlement_in_progress"
	ReasonStoreUnavailable      = "store_unavailable"
)

// Sentinels for errors.Is matching
var (
	ErrMalformedChallenge = &PaymentError{Code: ErrCodeMalformedChallenge, Message: "malformed challenge"}
	ErrMalformedPayload   = &PaymentError{Code: ErrCodeMalformedPayload, Message: "malformed payment payload"}
	ErrInvalidChallenge   = &PaymentError{Code: ErrCodeInvalidChallenge, Message: "invalid challenge input"}
)

// ErrTxHashConsumed is returned by ReplayStore.Commit when the settlement
// transaction already backs a different replay key
var ErrTxHashConsumed = errors.New("x402: settlement transaction already consumed")

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func malformedChallenge(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeMalformedChallenge, fmt.Sprintf(format, args...), nil)
}

func malformedPayload(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrCodeMalformedPayload, fmt.Sprintf(format, args...), nil)
}

func rejected(reason string) SettlementDecision {
	return SettlementDecision{Status: StatusRejected, Reason: reason}
}

func pending(reason, txHash string) SettlementDecision {
	return SettlementDecision{Status: StatusPending, Reason: reason, TxHash: txHash}
}

package http

import (
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/shieldpay/x402"
)

// Default header names. Both sides must agree on them out of band.
const (
	DefaultChallengeHeader    = "x-x402-challenge"
	DefaultPaymentHeader      = "x-x402-payment"
	DefaultSettlementTxHeader = "x-x402-settlement-tx"
	SettlementHeader          = "x-x402-settlement"
)

// HeaderNames are the protocol headers used by clients and services
type HeaderNames struct {
	Challenge    string
	Payment      string
	SettlementTx string
}

// DefaultHeaderNames returns the default protocol header names
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Challenge:    DefaultChallengeHeader,
		Payment:      DefaultPaymentHeader,
		SettlementTx: DefaultSettlementTxHeader,
	}
}

// withDefaults fills empty names with the defaults
func (h HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	if strings.TrimSpace(h.Challenge) == "" {
		h.Challenge = d.Challenge
	}
	if strings.TrimSpace(h.Payment) == "" {
		h.Payment = d.Payment
	}
	if strings.TrimSpace(h.SettlementTx) == "" {
		h.SettlementTx = d.SettlementTx
	}
	return h
}

// ============================================================================
// Settlement header encoding
// ============================================================================

// EncodeSettlementHeader encodes a decision for the settlement response header
func EncodeSettlementHeader(d x402.SettlementDecision) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement decision: %w", err)
	}
	return string(data), nil
}

// DecodeSettlementHeader decodes the settlement response header
func DecodeSettlementHeader(header string) (x402.SettlementDecision, error) {
	var d x402.SettlementDecision
	if err := json.Unmarshal([]byte(header), &d); err != nil {
		return x402.SettlementDecision{}, fmt.Errorf("invalid settlement header JSON: %w", err)
	}
	switch d.Status {
	case x402.StatusSettled, x402.StatusPending, x402.StatusRejected:
	default:
		return x402.SettlementDecision{}, fmt.Errorf("invalid settlement status: %q", d.Status)
	}
	return d, nil
}

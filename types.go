package x402

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifiers every Challenge and PaymentPayload must carry.
const (
	X402Version    = 1
	SchemeShielded = "shielded"
)

// Network identifies the settlement network of an asset (e.g. "starknet:mainnet", "eip155:8453")
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Challenge describes what payment is required before a resource request proceeds.
// It is issued once per paywalled request attempt.
type Challenge struct {
	Version     int       `json:"version"`
	Scheme      string    `json:"scheme"`
	ChallengeID string    `json:"challengeId"`
	Network     Network   `json:"network"`
	Token       string    `json:"token"`
	MinAmount   string    `json:"minAmount"`
	Recipient   string    `json:"recipient"`
	ContextHash string    `json:"contextHash"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Facilitator string    `json:"facilitator"`
}

// Expired reports whether the challenge is no longer redeemable at now
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RequestContext is the part of a resource request a challenge is bound to
type RequestContext struct {
	Resource string                 `json:"resource"`
	Route    string                 `json:"route"`
	Method   string                 `json:"method"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// PaymentPayload asserts a payment satisfying one specific Challenge
type PaymentPayload struct {
	Version      int       `json:"version"`
	Scheme       string    `json:"scheme"`
	ChallengeID  string    `json:"challengeId"`
	PayerAddress string    `json:"payerAddress"`
	Token        string    `json:"token"`
	Amount       string    `json:"amount"`
	Proof        string    `json:"proof"`
	ReplayKey    string    `json:"replayKey"`
	ContextHash  string    `json:"contextHash"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SettlementStatus is the outcome class of one verification attempt
type SettlementStatus string

const (
	StatusSettled  SettlementStatus = "settled"
	StatusPending  SettlementStatus = "pending"
	StatusRejected SettlementStatus = "rejected"
)

// SettlementDecision is the result of one Settle call. It is never mutated after return.
//
// Reason carries the rejection code for rejected decisions and the retry
// annotation (e.g. "rpc_unavailable") for pending ones. Replayed marks a
// settled decision answered from the replay store for a payment that was
// already consumed by an earlier call.
type SettlementDecision struct {
	Status   SettlementStatus `json:"status"`
	TxHash   string           `json:"txHash,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Replayed bool             `json:"replayed,omitempty"`
}

// Settled reports whether the payment is settled on the ledger
func (d SettlementDecision) Settled() bool {
	return d.Status == StatusSettled
}

// GrantsAccess reports whether this decision unlocks the resource. Only the
// call that consumed the replay key does; re-checks answer status only.
func (d SettlementDecision) GrantsAccess() bool {
	return d.Status == StatusSettled && !d.Replayed
}

// Retryable reports whether the caller can retry the same verification later
// without a new challenge
func (d SettlementDecision) Retryable() bool {
	return d.Status == StatusPending
}

// SettleRequest bundles everything one settlement attempt is evaluated against
type SettleRequest struct {
	Challenge        Challenge      `json:"challenge"`
	Payment          PaymentPayload `json:"payment"`
	SettlementTxHash string         `json:"settlementTxHash,omitempty"`
}

// SettlementFacts are the on-chain facts a LedgerLookup resolves for a tx hash.
// Found=false means the ledger has no record of the transaction yet.
type SettlementFacts struct {
	Found     bool   `json:"found"`
	Confirmed bool   `json:"confirmed"`
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ProofRequest is handed to a ProofProvider when a challenge must be paid
type ProofRequest struct {
	Challenge    Challenge `json:"challenge"`
	PayerAddress string    `json:"payerAddress"`
	Amount       string    `json:"amount"`
	ContextHash  string    `json:"contextHash"`
}

// ProofResult is the artifact a ProofProvider returns.
// ReplayKey and Nonce are generated by the codec when empty; SettlementTxHash
// is forwarded to the server when the provider already broadcast the transfer.
type ProofResult struct {
	Proof            string `json:"proof"`
	ReplayKey        string `json:"replayKey,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
	SettlementTxHash string `json:"settlementTxHash,omitempty"`
}

// Equal reports whether two challenges carry identical terms
func (c Challenge) Equal(o Challenge) bool {
	return c.Version == o.Version &&
		c.Scheme == o.Scheme &&
		c.ChallengeID == o.ChallengeID &&
		c.Network == o.Network &&
		c.Token == o.Token &&
		c.MinAmount == o.MinAmount &&
		c.Recipient == o.Recipient &&
		c.ContextHash == o.ContextHash &&
		c.ExpiresAt.Equal(o.ExpiresAt) &&
		c.Facilitator == o.Facilitator
}

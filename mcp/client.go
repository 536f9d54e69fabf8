package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/shieldpay/x402"
)

// Session is the part of *mcpsdk.ClientSession the payment client needs
type Session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithPaymentAmount pays amount instead of each challenge's minimum
func WithPaymentAmount(amount string) ClientOption {
	return func(c *Client) {
		c.amount = amount
	}
}

// WithBeforePayment registers a hook consulted before any challenge is paid.
// Returning false leaves the payment-required result to the caller.
func WithBeforePayment(hook func(ctx context.Context, tool string, challenge x402.Challenge) bool) ClientOption {
	return func(c *Client) {
		c.beforePayment = hook
	}
}

// Client calls tools on a session, paying x402 challenges on the way
type Client struct {
	session       Session
	provider      x402.ProofProvider
	payerAddress  string
	amount        string
	beforePayment func(ctx context.Context, tool string, challenge x402.Challenge) bool
}

// NewClient wraps session so paid tools are paid with provider
func NewClient(session Session, provider x402.ProofProvider, payerAddress string, opts ...ClientOption) *Client {
	c := &Client{
		session:      session,
		provider:     provider,
		payerAddress: payerAddress,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallTool calls a tool, answering at most one challenge.
// A second payment-required result is returned to the caller as-is.
func (c *Client) CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	result, err := c.session.CallTool(ctx, params)
	if err != nil {
		return nil, err
	}

	challenge, ok, err := ChallengeFromResult(result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return result, nil
	}
	if c.beforePayment != nil && !c.beforePayment(ctx, params.Name, challenge) {
		return result, nil
	}

	payload, proof, err := x402.PayChallenge(ctx, c.provider, challenge, c.payerAddress, c.amount)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := mcpsdk.Meta{}
	for k, v := range params.Meta {
		meta[k] = v
	}
	meta[ChallengeMetaKey] = challenge
	meta[PaymentMetaKey] = payload
	if proof.SettlementTxHash != "" {
		meta[SettlementTxMetaKey] = proof.SettlementTxHash
	}

	retry := *params
	retry.Meta = meta
	return c.session.CallTool(ctx, &retry)
}

// ChallengeFromResult extracts the challenge an unpaid or rejected call returned
func ChallengeFromResult(result *mcpsdk.CallToolResult) (x402.Challenge, bool, error) {
	if result == nil || !result.IsError || result.StructuredContent == nil {
		return x402.Challenge{}, false, nil
	}
	structured, err := asMap(result.StructuredContent)
	if err != nil {
		return x402.Challenge{}, false, err
	}
	return decodeChallenge(structured[ChallengeMetaKey])
}

// SettlementFromResult returns the decision attached to a paid or pending call
func SettlementFromResult(result *mcpsdk.CallToolResult) (x402.SettlementDecision, bool, error) {
	if result == nil {
		return x402.SettlementDecision{}, false, nil
	}
	v, ok := result.Meta[SettlementMetaKey]
	if !ok && result.StructuredContent != nil {
		structured, err := asMap(result.StructuredContent)
		if err != nil {
			return x402.SettlementDecision{}, false, err
		}
		v, ok = structured[SettlementMetaKey]
	}
	if !ok || v == nil {
		return x402.SettlementDecision{}, false, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return x402.SettlementDecision{}, true, err
	}
	var d x402.SettlementDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return x402.SettlementDecision{}, true, fmt.Errorf("decode settlement: %w", err)
	}
	return d, true, nil
}

// asMap normalizes structured content, which is a decoded map on the client
// side and a typed value when read in-process
func asMap(v interface{}) (map[string]interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("structured content is not an object: %w", err)
	}
	return m, nil
}

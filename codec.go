package x402

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// MaxHeaderValueLength bounds a challenge or payment header value
const MaxHeaderValueLength = 64 * 1024

// ============================================================================
// Wire schemas
// ============================================================================

const challengeSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["version", "scheme", "challengeId", "network", "token", "minAmount", "recipient", "contextHash", "expiresAt", "facilitator"],
	"properties": {
		"version":     {"type": "integer"},
		"scheme":      {"type": "string"},
		"challengeId": {"type": "string", "minLength": 1},
		"network":     {"type": "string"},
		"token":       {"type": "string", "minLength": 1},
		"minAmount":   {"type": "string", "pattern": "^[0-9]+$"},
		"recipient":   {"type": "string", "minLength": 1},
		"contextHash": {"type": "string", "minLength": 1},
		"expiresAt":   {"type": "string", "format": "date-time"},
		"facilitator": {"type": "string"}
	}
}`

const paymentSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["version", "scheme", "challengeId", "payerAddress", "token", "amount", "proof", "replayKey", "contextHash", "expiresAt", "nonce", "createdAt"],
	"properties": {
		"version":      {"type": "integer"},
		"scheme":       {"type": "string"},
		"challengeId":  {"type": "string", "minLength": 1},
		"payerAddress": {"type": "string", "minLength": 1},
		"token":        {"type": "string", "minLength": 1},
		"amount":       {"type": "string", "pattern": "^[0-9]+$"},
		"proof":        {"type": "string"},
		"replayKey":    {"type": "string", "minLength": 1},
		"contextHash":  {"type": "string", "minLength": 1},
		"expiresAt":    {"type": "string", "format": "date-time"},
		"nonce":        {"type": "string"},
		"createdAt":    {"type": "string", "format": "date-time"}
	}
}`

var (
	challengeSchema = mustSchema(challengeSchemaJSON)
	paymentSchema   = mustSchema(paymentSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("x402: invalid embedded schema: " + err.Error())
	}
	return schema
}

// schemaErrors validates raw against schema and returns the violations, if any
func schemaErrors(schema *gojsonschema.Schema, raw []byte) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}

// ============================================================================
// Challenge encoding
// ============================================================================

// EncodeChallenge serializes a challenge for the challenge header
func EncodeChallenge(c Challenge) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", malformedChallenge("failed to marshal challenge: %v", err)
	}
	return string(data), nil
}

// ParseChallenge decodes a challenge header value.
// Fails with ErrMalformedChallenge when the value is absent, not a JSON object
// with exactly the challenge fields, or carries an unrecognized version/scheme.
func ParseChallenge(raw string) (Challenge, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Challenge{}, malformedChallenge("challenge header is empty")
	}
	if len(raw) > MaxHeaderValueLength {
		return Challenge{}, malformedChallenge("challenge header exceeds %d bytes", MaxHeaderValueLength)
	}
	if !json.Valid([]byte(raw)) {
		return Challenge{}, malformedChallenge("challenge header is not valid JSON")
	}

	violations, err := schemaErrors(challengeSchema, []byte(raw))
	if err != nil {
		return Challenge{}, malformedChallenge("challenge header is not valid JSON: %v", err)
	}
	if len(violations) > 0 {
		return Challenge{}, NewPaymentError(ErrCodeMalformedChallenge, "challenge does not match schema", map[string]interface{}{
			"errors": violations,
		})
	}

	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Challenge{}, malformedChallenge("failed to decode challenge: %v", err)
	}
	if err := ValidateChallenge(c); err != nil {
		return Challenge{}, malformedChallenge("%v", err)
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	return c, nil
}

// ============================================================================
// Payment payload encoding
// ============================================================================

// PayloadOption fills optional payment payload fields
type PayloadOption func(*payloadConfig)

type payloadConfig struct {
	amount    string
	replayKey string
	nonce     string
	now       Clock
}

// WithAmount pays amount instead of the challenge's minimum
func WithAmount(amount string) PayloadOption {
	return func(c *payloadConfig) {
		c.amount = amount
	}
}

// WithReplayKey uses a caller-chosen replay key
func WithReplayKey(key string) PayloadOption {
	return func(c *payloadConfig) {
		c.replayKey = key
	}
}

// WithNonce uses a caller-chosen nonce
func WithNonce(nonce string) PayloadOption {
	return func(c *payloadConfig) {
		c.nonce = nonce
	}
}

// WithPayloadClock replaces time.Now for CreatedAt
func WithPayloadClock(now Clock) PayloadOption {
	return func(c *payloadConfig) {
		c.now = now
	}
}

// BuildPayload builds the payment payload answering challenge.
// Amount defaults to challenge.MinAmount; replay key and nonce are generated
// when not supplied. ChallengeID, Token, ContextHash and ExpiresAt always
// come from the challenge.
func BuildPayload(challenge Challenge, payerAddress, proof string, opts ...PayloadOption) (PaymentPayload, error) {
	cfg := payloadConfig{now: systemClock}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.amount == "" {
		cfg.amount = challenge.MinAmount
	}
	if cfg.replayKey == "" {
		cfg.replayKey = uuid.NewString()
	}
	if cfg.nonce == "" {
		cfg.nonce = uuid.NewString()
	}

	payload := PaymentPayload{
		Version:      X402Version,
		Scheme:       SchemeShielded,
		ChallengeID:  challenge.ChallengeID,
		PayerAddress: payerAddress,
		Token:        challenge.Token,
		Amount:       cfg.amount,
		Proof:        proof,
		ReplayKey:    cfg.replayKey,
		ContextHash:  challenge.ContextHash,
		ExpiresAt:    challenge.ExpiresAt,
		Nonce:        cfg.nonce,
		CreatedAt:    stamp(cfg.now()),
	}

	if err := ValidatePaymentPayload(payload); err != nil {
		return PaymentPayload{}, malformedPayload("invalid payment payload created: %v", err)
	}
	return payload, nil
}

// EncodePayload serializes a payment payload for the payment header
func EncodePayload(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", malformedPayload("failed to marshal payment payload: %v", err)
	}
	return string(data), nil
}

// ParsePayload decodes a payment header value, failing with ErrMalformedPayload
func ParsePayload(raw string) (PaymentPayload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PaymentPayload{}, malformedPayload("payment header is empty")
	}
	if len(raw) > MaxHeaderValueLength {
		return PaymentPayload{}, malformedPayload("payment header exceeds %d bytes", MaxHeaderValueLength)
	}
	if !json.Valid([]byte(raw)) {
		return PaymentPayload{}, malformedPayload("payment header is not valid JSON")
	}

	violations, err := schemaErrors(paymentSchema, []byte(raw))
	if err != nil {
		return PaymentPayload{}, malformedPayload("payment header is not valid JSON: %v", err)
	}
	if len(violations) > 0 {
		return PaymentPayload{}, NewPaymentError(ErrCodeMalformedPayload, "payment payload does not match schema", map[string]interface{}{
			"errors": violations,
		})
	}

	var p PaymentPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return PaymentPayload{}, malformedPayload("failed to decode payment payload: %v", err)
	}
	if err := ValidatePaymentPayload(p); err != nil {
		return PaymentPayload{}, malformedPayload("%v", err)
	}
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// ChallengeDigestInput is the canonical message a signing proof provider
// commits to. Verifiers rebuild it from the challenge and payload.
func ChallengeDigestInput(c Challenge, payerAddress, amount string) []byte {
	return []byte(strings.Join([]string{
		"x402",
		c.Scheme,
		c.ChallengeID,
		string(c.Network),
		c.Token,
		c.Recipient,
		amount,
		payerAddress,
		c.ContextHash,
		c.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, "|"))
}

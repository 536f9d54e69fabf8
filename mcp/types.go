package mcp

import (
	"encoding/json"
	"fmt"

	x402 "github.com/shieldpay/x402"
)

// Keys used in request and result _meta, and in structured content
const (
	ChallengeMetaKey    = "x402/challenge"
	PaymentMetaKey      = "x402/payment"
	SettlementTxMetaKey = "x402/settlementTx"
	SettlementMetaKey   = "x402/settlement"
	ErrorMetaKey        = "x402/error"
)

// ResourceScheme prefixes the resource a tool challenge is bound to
const ResourceScheme = "mcp://tool/"

// toolMethod is the request method recorded in tool challenge contexts
const toolMethod = "tools/call"

// Price is what one call of a paid tool costs
type Price struct {
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	MinAmount string `json:"minAmount"`
}

// PaymentRequired is the structured content of an unpaid or rejected call
type PaymentRequired struct {
	Error     string                   `json:"x402/error"`
	Challenge x402.Challenge           `json:"x402/challenge"`
	Decision  *x402.SettlementDecision `json:"x402/settlement,omitempty"`
}

// requestContext is what a challenge for one tool call is bound to
func requestContext(toolName string, args map[string]interface{}) x402.RequestContext {
	return x402.RequestContext{
		Resource: ResourceScheme + toolName,
		Route:    toolName,
		Method:   toolMethod,
		Params:   args,
	}
}

// metaString renders a _meta value as the JSON header form the codec parses.
// Values may arrive as a raw JSON string or as an already-decoded object.
func metaString(v interface{}) (string, bool, error) {
	switch value := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return value, true, nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return "", true, fmt.Errorf("encode meta value: %w", err)
		}
		return string(raw), true, nil
	}
}

// decodeChallenge reads a challenge out of structured content or _meta
func decodeChallenge(v interface{}) (x402.Challenge, bool, error) {
	raw, ok, err := metaString(v)
	if !ok || err != nil {
		return x402.Challenge{}, ok, err
	}
	c, err := x402.ParseChallenge(raw)
	return c, true, err
}

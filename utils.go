package x402

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"
)

// MaxProofLength bounds the opaque proof artifact accepted in a payload
const MaxProofLength = 16 * 1024

// Clock returns the current time. Swappable in tests.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now()
}

// stamp normalizes a timestamp to the precision carried on the wire
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ParseAmount parses a base-unit decimal integer string
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount is required")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q: must be a base-10 integer", s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// AmountAtLeast reports whether amount >= minimum. Unparseable input is never enough.
func AmountAtLeast(amount, minimum string) bool {
	a, err := ParseAmount(amount)
	if err != nil {
		return false
	}
	m, err := ParseAmount(minimum)
	if err != nil {
		return false
	}
	return a.Cmp(m) >= 0
}

// ComputeContextHash derives the digest binding a challenge to one request.
// encoding/json sorts map keys at every depth, so Params key order never
// changes the hash.
func ComputeContextHash(rc RequestContext) (string, error) {
	canonical := struct {
		Method   string                 `json:"method"`
		Route    string                 `json:"route"`
		Resource string                 `json:"resource"`
		Params   map[string]interface{} `json:"params"`
	}{
		Method:   strings.ToUpper(rc.Method),
		Route:    rc.Route,
		Resource: rc.Resource,
		Params:   rc.Params,
	}
	if canonical.Params == nil {
		canonical.Params = map[string]interface{}{}
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request context: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ValidProofSyntax reports whether proof is a non-blank printable string of bounded size
func ValidProofSyntax(proof string) bool {
	if strings.TrimSpace(proof) == "" || len(proof) > MaxProofLength {
		return false
	}
	for _, r := range proof {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// ValidateChallenge performs structural validation on a challenge
func ValidateChallenge(c Challenge) error {
	if c.Version != X402Version {
		return fmt.Errorf("unsupported version: %d", c.Version)
	}
	if c.Scheme != SchemeShielded {
		return fmt.Errorf("unsupported scheme: %s", c.Scheme)
	}
	if c.ChallengeID == "" {
		return fmt.Errorf("challengeId is required")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if c.ContextHash == "" {
		return fmt.Errorf("contextHash is required")
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("expiresAt is required")
	}
	minimum, err := ParseAmount(c.MinAmount)
	if err != nil {
		return fmt.Errorf("minAmount: %w", err)
	}
	if minimum.Sign() <= 0 {
		return fmt.Errorf("minAmount must be positive")
	}
	return nil
}

// ValidatePaymentPayload performs structural validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.Version != X402Version {
		return fmt.Errorf("unsupported version: %d", p.Version)
	}
	if p.Scheme != SchemeShielded {
		return fmt.Errorf("unsupported scheme: %s", p.Scheme)
	}
	if p.ChallengeID == "" {
		return fmt.Errorf("challengeId is required")
	}
	if p.PayerAddress == "" {
		return fmt.Errorf("payerAddress is required")
	}
	if p.Token == "" {
		return fmt.Errorf("token is required")
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if p.ReplayKey == "" {
		return fmt.Errorf("replayKey is required")
	}
	if p.ContextHash == "" {
		return fmt.Errorf("contextHash is required")
	}
	if p.ExpiresAt.IsZero() {
		return fmt.Errorf("expiresAt is required")
	}
	return nil
}

package x402

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shieldpay/x402/metrics"
)

// DefaultChallengeTTL is how long an issued challenge stays redeemable
const DefaultChallengeTTL = 5 * time.Minute

// IDGenerator returns a fresh globally unique identifier
type IDGenerator func() string

func uuidGenerator() string {
	return uuid.NewString()
}

// ChallengeIssuer builds Challenge records. It never performs I/O.
type ChallengeIssuer struct {
	network     Network
	facilitator string
	ttl         time.Duration
	now         Clock
	newID       IDGenerator
	metrics     *metrics.Recorder
}

// IssuerOption configures the issuer
type IssuerOption func(*ChallengeIssuer)

// WithChallengeTTL sets the validity window of issued challenges
func WithChallengeTTL(ttl time.Duration) IssuerOption {
	return func(i *ChallengeIssuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock replaces time.Now
func WithIssuerClock(now Clock) IssuerOption {
	return func(i *ChallengeIssuer) {
		i.now = now
	}
}

// WithIDGenerator replaces the UUID challenge id generator
func WithIDGenerator(gen IDGenerator) IssuerOption {
	return func(i *ChallengeIssuer) {
		i.newID = gen
	}
}

// WithIssuerMetrics sets the recorder that counts challenge_issued
func WithIssuerMetrics(r *metrics.Recorder) IssuerOption {
	return func(i *ChallengeIssuer) {
		i.metrics = r
	}
}

// NewChallengeIssuer creates an issuer for one settlement network and facilitator
func NewChallengeIssuer(network Network, facilitator string, opts ...IssuerOption) *ChallengeIssuer {
	i := &ChallengeIssuer{
		network:     network,
		facilitator: facilitator,
		ttl:         DefaultChallengeTTL,
		now:         systemClock,
		newID:       uuidGenerator,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTL returns the configured challenge lifetime
func (i *ChallengeIssuer) TTL() time.Duration {
	return i.ttl
}

// BuildChallenge issues a challenge binding recipient/token/minAmount to rc.
// Fails only on invalid input.
func (i *ChallengeIssuer) BuildChallenge(recipient, token, minAmount string, rc RequestContext) (Challenge, error) {
	if recipient == "" {
		return Challenge{}, NewPaymentError(ErrCodeInvalidChallenge, "recipient is required", nil)
	}
	if token == "" {
		return Challenge{}, NewPaymentError(ErrCodeInvalidChallenge, "token is required", nil)
	}
	minimum, err := ParseAmount(minAmount)
	if err != nil {
		return Challenge{}, NewPaymentError(ErrCodeInvalidChallenge, err.Error(), nil)
	}
	if minimum.Sign() <= 0 {
		return Challenge{}, NewPaymentError(ErrCodeInvalidChallenge, fmt.Sprintf("minAmount must be positive, got %s", minAmount), nil)
	}

	contextHash, err := ComputeContextHash(rc)
	if err != nil {
		return Challenge{}, NewPaymentError(ErrCodeInvalidChallenge, err.Error(), nil)
	}

	issuedAt := stamp(i.now())
	challenge := Challenge{
		Version:     X402Version,
		Scheme:      SchemeShielded,
		ChallengeID: i.newID(),
		Network:     i.network,
		Token:       token,
		MinAmount:   minimum.String(),
		Recipient:   recipient,
		ContextHash: contextHash,
		ExpiresAt:   issuedAt.Add(i.ttl),
		Facilitator: i.facilitator,
	}

	i.metrics.MustIncrement(metrics.ChallengeIssued)
	return challenge, nil
}

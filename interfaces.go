package x402

import (
	"context"
	"time"
)

// ============================================================================
// Collaborator capabilities
// ============================================================================

// ProofProvider produces the opaque payment proof for a challenge.
// Implementations wrap whatever wallet or prover actually moves the funds.
type ProofProvider interface {
	CreateProof(ctx context.Context, req ProofRequest) (ProofResult, error)
}

// ProofProviderFunc adapts a function to ProofProvider
type ProofProviderFunc func(ctx context.Context, req ProofRequest) (ProofResult, error)

func (f ProofProviderFunc) CreateProof(ctx context.Context, req ProofRequest) (ProofResult, error) {
	return f(ctx, req)
}

// LedgerLookup resolves a settlement transaction hash to on-chain facts.
//
// A transaction the ledger does not know yet is reported as
// SettlementFacts{Found: false} with a nil error. A non-nil error means the
// ledger could not be asked (transport failure, timeout).
type LedgerLookup interface {
	ResolveSettlement(ctx context.Context, txHash string) (SettlementFacts, error)
}

// ProofVerifier optionally checks a proof beyond its syntax.
// A non-nil error rejects the payment with ReasonInvalidProof.
type ProofVerifier interface {
	VerifyProof(ctx context.Context, challenge Challenge, payment PaymentPayload) error
}

// ============================================================================
// Replay store
// ============================================================================

// ReplayStatus is the result of reserving a replay key.
type ReplayStatus int

const (
	// ReplayReserved means the key was free and is now held by the caller.
	ReplayReserved ReplayStatus = iota
	// ReplayConsumed means an earlier settlement already used the key.
	ReplayConsumed
	// ReplayInFlight means another attempt currently holds the key.
	ReplayInFlight
)

// ReplayRecord is what the store remembers about a consumed replay key.
type ReplayRecord struct {
	ReplayKey   string    `json:"replayKey"`
	ChallengeID string    `json:"challengeId"`
	TxHash      string    `json:"txHash"`
	SettledAt   time.Time `json:"settledAt"`
}

// ReplayStore tracks which replay keys backed a settled payment.
// Implementations must be safe for concurrent use.
//
// Reserve is the atomic check-then-mark: two concurrent reservations of the
// same key never both return ReplayReserved. A reserved key must be finished
// with exactly one of Commit (settled) or Release (pending/rejected).
type ReplayStore interface {
	// Reserve claims replayKey for one in-progress attempt.
	// For ReplayConsumed the stored record is returned.
	Reserve(ctx context.Context, replayKey string) (ReplayStatus, *ReplayRecord, error)

	// Commit marks a reserved key consumed. Returns ErrTxHashConsumed if
	// record.TxHash already backs a different replay key; the reservation is
	// left in place for the caller to Release.
	Commit(ctx context.Context, record ReplayRecord) error

	// Release drops a reservation without consuming the key.
	Release(ctx context.Context, replayKey string) error
}

// ============================================================================
// Challenge store
// ============================================================================

// ChallengeStore remembers issued challenges until they expire so the
// surrounding layer can reject echoed challenges it never issued.
type ChallengeStore interface {
	Save(ctx context.Context, challenge Challenge) error
	// Load returns false when the challenge is unknown or already expired.
	Load(ctx context.Context, challengeID string) (Challenge, bool, error)
}

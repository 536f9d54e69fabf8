package x402

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shieldpay/x402/metrics"
)

// DefaultRPCTimeout bounds one ledger lookup
const DefaultRPCTimeout = 10 * time.Second

// ErrLedgerRequired is returned when on-chain verification is enabled without a LedgerLookup
var ErrLedgerRequired = errors.New("x402: on-chain verification requires a ledger lookup")

// SettlementExecutor decides whether a payment payload settles its challenge.
//
// Checks run in a fixed, fail-fast order: challenge binding, expiry, context
// binding, amount, replay, proof, and finally (when enabled) the on-chain
// lookup. Uncertainty from the ledger always resolves to pending, never to
// rejected.
type SettlementExecutor struct {
	onChain    bool
	ledger     LedgerLookup
	store      ReplayStore
	verifier   ProofVerifier
	rpcTimeout time.Duration
	now        Clock
	metrics    *metrics.Recorder
	logger     *slog.Logger

	beforeSettleHooks []BeforeSettleHook
	afterSettleHooks  []AfterSettleHook
}

// ExecutorOption configures the executor
type ExecutorOption func(*SettlementExecutor)

// WithOnChainVerification toggles ledger confirmation of settlement transactions
func WithOnChainVerification(enabled bool) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.onChain = enabled
	}
}

// WithLedgerLookup sets the capability used to resolve settlement transactions
func WithLedgerLookup(ledger LedgerLookup) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.ledger = ledger
	}
}

// WithReplayStore replaces the in-memory replay store
func WithReplayStore(store ReplayStore) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.store = store
	}
}

// WithProofVerifier adds a cryptographic check of the proof
func WithProofVerifier(verifier ProofVerifier) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.verifier = verifier
	}
}

// WithRPCTimeout bounds each ledger lookup
func WithRPCTimeout(timeout time.Duration) ExecutorOption {
	return func(e *SettlementExecutor) {
		if timeout > 0 {
			e.rpcTimeout = timeout
		}
	}
}

// WithExecutorClock replaces time.Now
func WithExecutorClock(now Clock) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.now = now
	}
}

// WithExecutorMetrics sets the recorder terminal decisions are counted in
func WithExecutorMetrics(r *metrics.Recorder) ExecutorOption {
	return func(e *SettlementExecutor) {
		e.metrics = r
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *SettlementExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewSettlementExecutor creates an executor. Offline (no ledger) by default.
func NewSettlementExecutor(opts ...ExecutorOption) (*SettlementExecutor, error) {
	e := &SettlementExecutor{
		rpcTimeout: DefaultRPCTimeout,
		now:        systemClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onChain && e.ledger == nil {
		return nil, ErrLedgerRequired
	}
	if e.store == nil {
		e.store = NewMemoryReplayStore()
	}
	return e, nil
}

// OnChainVerification reports whether settlement transactions are confirmed on the ledger
func (e *SettlementExecutor) OnChainVerification() bool {
	return e.onChain
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

// OnBeforeSettle registers a hook to execute before each settlement attempt
func (e *SettlementExecutor) OnBeforeSettle(hook BeforeSettleHook) *SettlementExecutor {
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

// OnAfterSettle registers a hook to execute with every decision
func (e *SettlementExecutor) OnAfterSettle(hook AfterSettleHook) *SettlementExecutor {
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

// ============================================================================
// Settlement
// ============================================================================

// Settle evaluates one settlement attempt.
//
// The returned error is non-nil only when the challenge or payload is
// structurally malformed, or a before-hook fails; every semantic outcome is
// reported as a decision. Settle may be called repeatedly for the same
// payload to poll a pending decision.
func (e *SettlementExecutor) Settle(ctx context.Context, req SettleRequest) (SettlementDecision, error) {
	if err := ValidateChallenge(req.Challenge); err != nil {
		return SettlementDecision{}, malformedChallenge("%v", err)
	}
	if err := ValidatePaymentPayload(req.Payment); err != nil {
		return SettlementDecision{}, malformedPayload("%v", err)
	}

	start := e.now()
	hookCtx := SettleContext{Ctx: ctx, Request: req, Timestamp: start}

	var decision SettlementDecision
	aborted := false
	for _, hook := range e.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return SettlementDecision{}, err
		}
		if result != nil && result.Abort {
			decision = rejected(result.Reason)
			aborted = true
			break
		}
	}
	if !aborted {
		decision = e.decide(ctx, req)
	}

	e.record(req, decision)

	resultCtx := SettleResultContext{SettleContext: hookCtx, Decision: decision, Duration: e.now().Sub(start)}
	for _, hook := range e.afterSettleHooks {
		if err := hook(resultCtx); err != nil {
			e.logger.Warn("after-settle hook failed", "challengeId", req.Challenge.ChallengeID, "error", err)
		}
	}
	return decision, nil
}

func (e *SettlementExecutor) decide(ctx context.Context, req SettleRequest) SettlementDecision {
	c, p := req.Challenge, req.Payment
	now := e.now()
	txHash := strings.TrimSpace(req.SettlementTxHash)

	if p.ChallengeID != c.ChallengeID {
		return rejected(ReasonChallengeMismatch)
	}
	if c.Expired(now) || !now.Before(p.ExpiresAt) {
		return rejected(ReasonChallengeExpired)
	}
	if p.ContextHash != c.ContextHash {
		return rejected(ReasonContextMismatch)
	}
	if p.Token != c.Token || !AmountAtLeast(p.Amount, c.MinAmount) {
		return rejected(ReasonAmountInsufficient)
	}

	status, record, err := e.store.Reserve(ctx, p.ReplayKey)
	if err != nil {
		e.logger.Error("replay store reserve failed", "replayKey", p.ReplayKey, "error", err)
		return pending(ReasonStoreUnavailable, txHash)
	}
	switch status {
	case ReplayConsumed:
		// Re-checking the exact settlement that consumed the key returns it again
		if record != nil && record.ChallengeID == c.ChallengeID && txHash != "" && record.TxHash == txHash {
			return SettlementDecision{Status: StatusSettled, TxHash: record.TxHash, Replayed: true}
		}
		return rejected(ReasonReplayDetected)
	case ReplayInFlight:
		return pending(ReasonSettlementInProgress, txHash)
	}

	decision := e.verify(ctx, c, p, txHash)
	if !decision.Settled() {
		e.release(ctx, p.ReplayKey)
		return decision
	}

	err = e.store.Commit(ctx, ReplayRecord{
		ReplayKey:   p.ReplayKey,
		ChallengeID: c.ChallengeID,
		TxHash:      decision.TxHash,
		SettledAt:   stamp(e.now()),
	})
	if err != nil {
		e.release(ctx, p.ReplayKey)
		if errors.Is(err, ErrTxHashConsumed) {
			return rejected(ReasonReplayDetected)
		}
		e.logger.Error("replay store commit failed", "replayKey", p.ReplayKey, "error", err)
		return pending(ReasonStoreUnavailable, txHash)
	}
	return decision
}

// verify runs the proof and settlement checks for a reserved replay key
func (e *SettlementExecutor) verify(ctx context.Context, c Challenge, p PaymentPayload, txHash string) SettlementDecision {
	if !ValidProofSyntax(p.Proof) {
		return rejected(ReasonInvalidProof)
	}
	if e.verifier != nil {
		if err := e.verifier.VerifyProof(ctx, c, p); err != nil {
			e.logger.Debug("proof verification failed", "challengeId", c.ChallengeID, "error", err)
			return rejected(ReasonInvalidProof)
		}
	}
	if txHash == "" {
		return rejected(ReasonMissingTxHash)
	}
	if !e.onChain {
		return SettlementDecision{Status: StatusSettled, TxHash: txHash}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	facts, err := e.ledger.ResolveSettlement(lookupCtx, txHash)
	if err != nil {
		e.logger.Warn("ledger lookup failed", "txHash", txHash, "error", err)
		return pending(ReasonRPCUnavailable, txHash)
	}
	if !facts.Found {
		return pending(ReasonSettlementNotFound, txHash)
	}
	if !facts.Confirmed {
		return pending(ReasonSettlementUnconfirmed, txHash)
	}
	if !SameAddress(facts.Recipient, c.Recipient) || !AmountAtLeast(facts.Amount, c.MinAmount) {
		return SettlementDecision{Status: StatusRejected, TxHash: txHash, Reason: ReasonSettlementMismatch}
	}
	return SettlementDecision{Status: StatusSettled, TxHash: txHash}
}

// release frees a reservation even when the request context is already done
func (e *SettlementExecutor) release(ctx context.Context, replayKey string) {
	if err := e.store.Release(context.WithoutCancel(ctx), replayKey); err != nil {
		e.logger.Error("replay store release failed", "replayKey", replayKey, "error", err)
	}
}

// record emits one log line per decision and one counter per new outcome
func (e *SettlementExecutor) record(req SettleRequest, d SettlementDecision) {
	attrs := []any{
		"challengeId", req.Challenge.ChallengeID,
		"status", string(d.Status),
		"reason", d.Reason,
		"txHash", d.TxHash,
	}
	switch {
	case d.Replayed:
		// Re-checks are not new settlements
		e.logger.Info("settlement re-checked", attrs...)
	case d.Status == StatusSettled:
		e.metrics.MustIncrement(metrics.SettlementConfirmed)
		e.logger.Info("payment settled", attrs...)
	case d.Status == StatusPending:
		e.metrics.MustIncrement(metrics.SettlementPending)
		e.logger.Info("settlement pending", attrs...)
	default:
		e.metrics.MustIncrement(metrics.PaymentRejected)
		e.logger.Warn("payment rejected", attrs...)
	}
}

// SameAddress compares two ledger addresses. Hex addresses compare
// case-insensitively; anything else (e.g. base58) must match exactly.
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

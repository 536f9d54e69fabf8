package x402

import (
	"context"
	"time"
)

// ============================================================================
// Settle Hook Context Types
// ============================================================================

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Request   SettleRequest
	Timestamp time.Time
}

// SettleResultContext contains the settlement decision and its context
type SettleResultContext struct {
	SettleContext
	Decision SettlementDecision
	Duration time.Duration
}

// ============================================================================
// Settle Hook Result Types
// ============================================================================

// BeforeSettleHookResult represents the result of a "before" hook.
// If Abort is true, the attempt is rejected with the given Reason.
type BeforeSettleHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Settle Hook Function Types
// ============================================================================

// BeforeSettleHook is called after structural validation, before any check.
// If it returns a result with Abort=true, the attempt is rejected with the
// provided reason without consulting the replay store or the ledger.
type BeforeSettleHook func(SettleContext) (*BeforeSettleHookResult, error)

// AfterSettleHook is called with every decision the executor returns.
// Any error returned is logged but does not affect the decision.
type AfterSettleHook func(SettleResultContext) error

// Package memory is an in-process ledger for demos, tests and offline
// rehearsal of on-chain verification.
package memory

import (
	"context"
	"sync"

	x402 "github.com/shieldpay/x402"
)

// Ledger maps transaction hashes to settlement facts
type Ledger struct {
	mu    sync.RWMutex
	facts map[string]x402.SettlementFacts
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{facts: make(map[string]x402.SettlementFacts)}
}

// Record stores facts for txHash, replacing earlier ones. Found is implied.
func (l *Ledger) Record(txHash string, facts x402.SettlementFacts) {
	facts.Found = true
	l.mu.Lock()
	defer l.mu.Unlock()
	l.facts[txHash] = facts
}

// Confirm records a confirmed transfer of amount to recipient
func (l *Ledger) Confirm(txHash, recipient, amount string) {
	l.Record(txHash, x402.SettlementFacts{Confirmed: true, Recipient: recipient, Amount: amount})
}

// ResolveSettlement implements x402.LedgerLookup
func (l *Ledger) ResolveSettlement(ctx context.Context, txHash string) (x402.SettlementFacts, error) {
	if err := ctx.Err(); err != nil {
		return x402.SettlementFacts{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	facts, ok := l.facts[txHash]
	if !ok {
		return x402.SettlementFacts{Found: false}, nil
	}
	return facts, nil
}

var _ x402.LedgerLookup = (*Ledger)(nil)

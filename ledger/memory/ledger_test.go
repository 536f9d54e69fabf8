package memory

import (
	"context"
	"testing"

	x402 "github.com/shieldpay/x402"
)

func TestLedger(t *testing.T) {
	l := New()
	ctx := context.Background()

	facts, err := l.ResolveSettlement(ctx, "0x1")
	if err != nil || facts.Found {
		t.Fatalf("Expected unknown tx, got %+v %v", facts, err)
	}

	l.Record("0x1", x402.SettlementFacts{Confirmed: false})
	facts, _ = l.ResolveSettlement(ctx, "0x1")
	if !facts.Found || facts.Confirmed {
		t.Errorf("Expected found unconfirmed, got %+v", facts)
	}

	l.Confirm("0x1", "0xabc", "100")
	facts, _ = l.ResolveSettlement(ctx, "0x1")
	if !facts.Confirmed || facts.Recipient != "0xabc" || facts.Amount != "100" {
		t.Errorf("Expected confirmed transfer, got %+v", facts)
	}
}

func TestLedgerCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := New().ResolveSettlement(ctx, "0x1"); err == nil {
		t.Error("Expected error for canceled context")
	}
}

func TestLedgerWithExecutor(t *testing.T) {
	l := New()
	executor, err := x402.NewSettlementExecutor(x402.WithOnChainVerification(true), x402.WithLedgerLookup(l))
	if err != nil {
		t.Fatalf("executor: %v", err)
	}

	issuer := x402.NewChallengeIssuer("eip155:8453", "f")
	c, _ := issuer.BuildChallenge("0xAbC", "USDC", "100", x402.RequestContext{Resource: "/r", Method: "GET"})
	p, _ := x402.BuildPayload(c, "0xpayer", "sig", x402.WithReplayKey("rk"))
	req := x402.SettleRequest{Challenge: c, Payment: p, SettlementTxHash: "0xtx"}

	d, _ := executor.Settle(context.Background(), req)
	if d.Status != x402.StatusPending || d.Reason != x402.ReasonSettlementNotFound {
		t.Fatalf("Expected pending not found, got %+v", d)
	}

	l.Confirm("0xtx", "0xabc", "150")
	d, _ = executor.Settle(context.Background(), req)
	if d.Status != x402.StatusSettled {
		t.Errorf("Expected settled after confirmation, got %+v", d)
	}
}

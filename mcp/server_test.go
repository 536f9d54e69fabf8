package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/shieldpay/x402"
	"github.com/shieldpay/x402/metrics"
	"github.com/shieldpay/x402/ratelimit"
)

var testPrice = Price{Recipient: "0xabc", Token: "STRK", MinAmount: "100"}

type gateFixture struct {
	gate     *Gate
	recorder *metrics.Recorder
	calls    int
}

func newGateFixture(t *testing.T, opts ...GateOption) *gateFixture {
	t.Helper()
	f := &gateFixture{recorder: metrics.NewRecorder()}

	issuer := x402.NewChallengeIssuer("starknet:sepolia", "facilitator.example")
	executor, err := x402.NewSettlementExecutor()
	require.NoError(t, err)

	gate, err := NewGate(issuer, executor, testPrice, append([]GateOption{WithMetrics(f.recorder)}, opts...)...)
	require.NoError(t, err)
	f.gate = gate
	return f
}

func (f *gateFixture) handler() mcpsdk.ToolHandler {
	return f.gate.Wrap("get_weather", func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		f.calls++
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny"}}}, nil
	})
}

// makeCallToolRequest builds a *mcpsdk.CallToolRequest for testing.
func makeCallToolRequest(args map[string]interface{}, meta mcpsdk.Meta) *mcpsdk.CallToolRequest {
	argsBytes, _ := json.Marshal(args)
	return &mcpsdk.CallToolRequest{Params: &mcpsdk.CallToolParamsRaw{
		Name:      "get_weather",
		Arguments: argsBytes,
		Meta:      meta,
	}}
}

func paidMeta(t *testing.T, c x402.Challenge, replayKey, txHash string) mcpsdk.Meta {
	t.Helper()
	payload, err := x402.BuildPayload(c, "0xpayer", "sig", x402.WithReplayKey(replayKey))
	require.NoError(t, err)
	meta := mcpsdk.Meta{ChallengeMetaKey: c, PaymentMetaKey: payload}
	if txHash != "" {
		meta[SettlementTxMetaKey] = txHash
	}
	return meta
}

func requireChallenge(t *testing.T, result *mcpsdk.CallToolResult) x402.Challenge {
	t.Helper()
	c, ok, err := ChallengeFromResult(result)
	require.NoError(t, err)
	require.True(t, ok, "expected a challenge in the result")
	return c
}

func TestNewGateValidatesPrice(t *testing.T) {
	issuer := x402.NewChallengeIssuer("starknet:sepolia", "facilitator.example")
	executor, _ := x402.NewSettlementExecutor()

	_, err := NewGate(issuer, executor, Price{Token: "STRK", MinAmount: "1"})
	assert.ErrorIs(t, err, x402.ErrInvalidChallenge)

	_, err = NewGate(issuer, executor, Price{Recipient: "0xabc", Token: "STRK", MinAmount: "0.5"})
	assert.ErrorIs(t, err, x402.ErrInvalidChallenge)

	_, err = NewGate(issuer, executor, Price{Recipient: "0xabc", Token: "STRK", MinAmount: "0"})
	assert.ErrorIs(t, err, x402.ErrInvalidChallenge)

	_, err = NewGate(nil, executor, testPrice)
	assert.Error(t, err)
}

func TestGateIssuesChallenge(t *testing.T) {
	f := newGateFixture(t)
	args := map[string]interface{}{"city": "Lisbon"}

	result, err := f.handler()(context.Background(), makeCallToolRequest(args, nil))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Equal(t, 0, f.calls)

	c := requireChallenge(t, result)
	assert.Equal(t, "100", c.MinAmount)
	assert.Equal(t, "0xabc", c.Recipient)

	expected, err := x402.ComputeContextHash(requestContext("get_weather", args))
	require.NoError(t, err)
	assert.Equal(t, expected, c.ContextHash, "challenge must bind tool name and arguments")
	assert.Equal(t, uint64(1), f.recorder.Snapshot()[string(metrics.PaywallRequired)])
}

func TestGateSettledRunsHandler(t *testing.T) {
	f := newGateFixture(t)
	args := map[string]interface{}{"city": "Lisbon"}
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(args, nil))
	c := requireChallenge(t, first)

	result, err := handler(context.Background(), makeCallToolRequest(args, paidMeta(t, c, "rk1", "0xfeed")))
	require.NoError(t, err)

	assert.False(t, result.IsError)
	assert.Equal(t, 1, f.calls)

	d, ok, err := SettlementFromResult(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x402.StatusSettled, d.Status)
	assert.Equal(t, "0xfeed", d.TxHash)
	assert.Equal(t, uint64(1), f.recorder.Snapshot()[string(metrics.PaymentVerified)])
}

func TestGateRejectsOtherArguments(t *testing.T) {
	f := newGateFixture(t)
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(map[string]interface{}{"city": "Lisbon"}, nil))
	c := requireChallenge(t, first)

	meta := paidMeta(t, c, "rk1", "0xfeed")
	result, err := handler(context.Background(), makeCallToolRequest(map[string]interface{}{"city": "Oslo"}, meta))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Equal(t, 0, f.calls)

	fresh := requireChallenge(t, result)
	assert.NotEqual(t, c.ChallengeID, fresh.ChallengeID)
	d, ok, _ := SettlementFromResult(result)
	require.True(t, ok)
	assert.Equal(t, x402.ReasonContextMismatch, d.Reason)
}

func TestGateRejectsUnknownAndTamperedChallenges(t *testing.T) {
	now := time.Now()
	f := newGateFixture(t, WithClock(func() time.Time { return now }))
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(nil, nil))
	c := requireChallenge(t, first)

	tests := []struct {
		name   string
		mutate func(c x402.Challenge) x402.Challenge
		reason string
	}{
		{"unknown", func(c x402.Challenge) x402.Challenge {
			c.ChallengeID = "never-issued"
			return c
		}, x402.ReasonUnknownChallenge},
		{"tampered", func(c x402.Challenge) x402.Challenge {
			c.MinAmount = "1"
			return c
		}, x402.ReasonChallengeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echoed := tt.mutate(c)
			result, err := handler(context.Background(), makeCallToolRequest(nil, paidMeta(t, echoed, tt.name, "0xfeed")))
			require.NoError(t, err)

			d, ok, _ := SettlementFromResult(result)
			require.True(t, ok)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
	assert.Equal(t, 0, f.calls)
}

func TestGateReplayDetected(t *testing.T) {
	f := newGateFixture(t)
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(nil, nil))
	c := requireChallenge(t, first)
	meta := paidMeta(t, c, "rk1", "0xfeed")

	ok, _ := handler(context.Background(), makeCallToolRequest(nil, meta))
	require.False(t, ok.IsError)

	// Same replay key against a different tx hash
	meta[SettlementTxMetaKey] = "0xother"
	result, err := handler(context.Background(), makeCallToolRequest(nil, meta))
	require.NoError(t, err)

	d, _, _ := SettlementFromResult(result)
	assert.Equal(t, x402.ReasonReplayDetected, d.Reason)
	assert.Equal(t, 1, f.calls)
}

func TestGateResentPaymentRunsHandlerOnce(t *testing.T) {
	f := newGateFixture(t)
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(nil, nil))
	c := requireChallenge(t, first)
	meta := paidMeta(t, c, "rk1", "0xfeed")

	ok, err := handler(context.Background(), makeCallToolRequest(nil, meta))
	require.NoError(t, err)
	require.False(t, ok.IsError)

	for i := 0; i < 2; i++ {
		again, err := handler(context.Background(), makeCallToolRequest(nil, meta))
		require.NoError(t, err)
		assert.True(t, again.IsError, "resend %d must not run the tool", i+1)

		d, found, err := SettlementFromResult(again)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, x402.StatusRejected, d.Status)
		assert.Equal(t, x402.ReasonReplayDetected, d.Reason)
		requireChallenge(t, again)
	}

	assert.Equal(t, 1, f.calls)
	assert.EqualValues(t, 1, f.recorder.Snapshot()[string(metrics.PaymentVerified)])
	assert.EqualValues(t, 2, f.recorder.Snapshot()[string(metrics.PaymentRejected)])
}

func TestGateRateLimited(t *testing.T) {
	limiter := ratelimit.New()
	rule := ratelimit.Rule{Limit: 1, Window: time.Minute}
	f := newGateFixture(t, WithRateLimiter(limiter, rule, rule))
	handler := f.handler()

	first, _ := handler(context.Background(), makeCallToolRequest(nil, nil))
	c := requireChallenge(t, first)

	limited, err := handler(context.Background(), makeCallToolRequest(nil, nil))
	require.NoError(t, err)
	require.True(t, limited.IsError)
	structured, err := asMap(limited.StructuredContent)
	require.NoError(t, err)
	assert.Equal(t, x402.ErrCodeRateLimited, structured[ErrorMetaKey])
	assert.EqualValues(t, 60, structured["retryAfterSeconds"])
	_, found, _ := ChallengeFromResult(limited)
	assert.False(t, found, "a throttled call must not mint a challenge")

	// Settlement attempts have their own budget
	meta := paidMeta(t, c, "rk1", "0xfeed")
	ok, err := handler(context.Background(), makeCallToolRequest(nil, meta))
	require.NoError(t, err)
	require.False(t, ok.IsError)

	limited, err = handler(context.Background(), makeCallToolRequest(nil, meta))
	require.NoError(t, err)
	structured, err = asMap(limited.StructuredContent)
	require.NoError(t, err)
	assert.Equal(t, x402.ErrCodeRateLimited, structured[ErrorMetaKey])

	assert.Equal(t, 1, f.calls)
	assert.EqualValues(t, 2, f.recorder.Snapshot()[string(metrics.RateLimited)])
}

func TestGateRateLimitPerIdentity(t *testing.T) {
	rule := ratelimit.Rule{Limit: 1, Window: time.Minute}
	caller := "alice"
	f := newGateFixture(t,
		WithRateLimiter(ratelimit.New(), rule, rule),
		WithIdentity(func(*mcpsdk.CallToolRequest) string { return caller }),
	)
	handler := f.handler()

	requireChallenge(t, mustCall(t, handler, nil))
	caller = "bob"
	requireChallenge(t, mustCall(t, handler, nil))
}

func mustCall(t *testing.T, handler mcpsdk.ToolHandler, meta mcpsdk.Meta) *mcpsdk.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeCallToolRequest(nil, meta))
	require.NoError(t, err)
	return result
}

func TestSessionIdentityWithoutSession(t *testing.T) {
	assert.Equal(t, "mcp:anonymous", SessionIdentity(makeCallToolRequest(nil, nil)))
	assert.Equal(t, "mcp:anonymous", SessionIdentity(nil))
}

func TestGatePendingKeepsChallenge(t *testing.T) {
	issuer := x402.NewChallengeIssuer("starknet:sepolia", "facilitator.example")
	executor, err := x402.NewSettlementExecutor(
		x402.WithOnChainVerification(true),
		x402.WithLedgerLookup(ledgerFunc(func(context.Context, string) (x402.SettlementFacts, error) {
			return x402.SettlementFacts{}, errors.New("connection refused")
		})),
	)
	require.NoError(t, err)
	gate, err := NewGate(issuer, executor, testPrice)
	require.NoError(t, err)

	handler := gate.Wrap("get_weather", func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		t.Fatal("handler must not run while settlement is pending")
		return nil, nil
	})

	first, _ := handler(context.Background(), makeCallToolRequest(nil, nil))
	c := requireChallenge(t, first)

	result, err := handler(context.Background(), makeCallToolRequest(nil, paidMeta(t, c, "rk1", "0xfeed")))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	_, hasChallenge, _ := ChallengeFromResult(result)
	assert.False(t, hasChallenge, "pending results must not issue a new challenge")

	d, ok, _ := SettlementFromResult(result)
	require.True(t, ok)
	assert.Equal(t, x402.StatusPending, d.Status)
	assert.Equal(t, x402.ReasonRPCUnavailable, d.Reason)
}

func TestGateMalformedMeta(t *testing.T) {
	f := newGateFixture(t)
	handler := f.handler()

	tests := []struct {
		name string
		meta mcpsdk.Meta
	}{
		{"payment without challenge", mcpsdk.Meta{PaymentMetaKey: `{"version":1}`}},
		{"garbage payment", mcpsdk.Meta{PaymentMetaKey: "not-json", ChallengeMetaKey: "{}"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest(nil, tt.meta))
			require.NoError(t, err)
			assert.True(t, result.IsError)

			structured, err := asMap(result.StructuredContent)
			require.NoError(t, err)
			assert.Contains(t, structured, ErrorMetaKey)
		})
	}
	assert.Equal(t, uint64(2), f.recorder.Snapshot()[string(metrics.PaymentMalformed)])
}

type ledgerFunc func(ctx context.Context, txHash string) (x402.SettlementFacts, error)

func (f ledgerFunc) ResolveSettlement(ctx context.Context, txHash string) (x402.SettlementFacts, error) {
	return f(ctx, txHash)
}

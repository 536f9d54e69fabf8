package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/shieldpay/x402"
)

func staticProvider(txHash string) x402.ProofProvider {
	return x402.ProofProviderFunc(func(_ context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
		return x402.ProofResult{Proof: "sig", SettlementTxHash: txHash}, nil
	})
}

// connect serves a paid weather tool and a free ping tool over in-memory transports
func connect(t *testing.T, gate *Gate) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "x402-test", Version: "1.0.0"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "ping",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
	})
	PaidTool(server, &mcpsdk.Tool{Name: "get_weather", Description: "Weather for a city"}, gate,
		func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			var args struct {
				City string `json:"city"`
			}
			json.Unmarshal(req.Params.Arguments, &args)
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "sunny in " + args.City}}}, nil
		})

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "x402-agent", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		session.Close()
		serverSession.Close()
	})
	return session
}

func text(t *testing.T, result *mcpsdk.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestClientPaysChallenge(t *testing.T) {
	session := connect(t, newGateFixture(t).gate)
	client := NewClient(session, staticProvider("0xfeed"), "0xpayer")

	result, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "get_weather",
		Arguments: map[string]interface{}{"city": "Lisbon"},
	})
	require.NoError(t, err)

	assert.False(t, result.IsError)
	assert.Equal(t, "sunny in Lisbon", text(t, result))

	d, ok, err := SettlementFromResult(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x402.StatusSettled, d.Status)
	assert.Equal(t, "0xfeed", d.TxHash)
}

func TestClientFreeTool(t *testing.T) {
	session := connect(t, newGateFixture(t).gate)
	client := NewClient(session, x402.ProofProviderFunc(func(context.Context, x402.ProofRequest) (x402.ProofResult, error) {
		t.Fatal("free tools must not be paid")
		return x402.ProofResult{}, nil
	}), "0xpayer")

	result, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", text(t, result))
}

func TestClientSecondChallengeReturned(t *testing.T) {
	session := connect(t, newGateFixture(t).gate)
	// No settlement tx hash: the retry is rejected with missing_tx_hash
	client := NewClient(session, staticProvider(""), "0xpayer")

	result, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "get_weather"})
	require.NoError(t, err)

	assert.True(t, result.IsError)
	d, ok, err := SettlementFromResult(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x402.ReasonMissingTxHash, d.Reason)

	_, hasChallenge, _ := ChallengeFromResult(result)
	assert.True(t, hasChallenge, "rejections carry a fresh challenge")
}

func TestClientBeforePaymentDeclines(t *testing.T) {
	session := connect(t, newGateFixture(t).gate)

	var seen x402.Challenge
	client := NewClient(session, staticProvider("0xfeed"), "0xpayer",
		WithBeforePayment(func(_ context.Context, tool string, c x402.Challenge) bool {
			assert.Equal(t, "get_weather", tool)
			seen = c
			return false
		}))

	result, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "get_weather"})
	require.NoError(t, err)

	assert.True(t, result.IsError)
	c, ok, err := ChallengeFromResult(result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, seen.ChallengeID, c.ChallengeID)
}

func TestClientPaymentAmount(t *testing.T) {
	var requested string
	provider := x402.ProofProviderFunc(func(_ context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
		requested = req.Amount
		return x402.ProofResult{Proof: "sig", SettlementTxHash: "0xfeed"}, nil
	})

	session := connect(t, newGateFixture(t).gate)
	client := NewClient(session, provider, "0xpayer", WithPaymentAmount("250"))

	result, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "get_weather"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "250", requested)
}

func TestClientProviderError(t *testing.T) {
	session := connect(t, newGateFixture(t).gate)
	boom := errors.New("wallet locked")
	client := NewClient(session, x402.ProofProviderFunc(func(context.Context, x402.ProofRequest) (x402.ProofResult, error) {
		return x402.ProofResult{}, boom
	}), "0xpayer")

	_, err := client.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: "get_weather"})
	assert.ErrorIs(t, err, boom)
}

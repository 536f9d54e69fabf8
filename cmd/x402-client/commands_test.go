package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/shieldpay/x402"
)

func testChallenge(t *testing.T) x402.Challenge {
	t.Helper()
	c, err := x402.NewChallengeIssuer("eip155:8453", "facilitator.example").
		BuildChallenge("0xabc", "STRK", "100", x402.RequestContext{Resource: "https://api.example/data", Route: "/data", Method: "GET"})
	require.NoError(t, err)
	return c
}

func TestDecodeChallenge(t *testing.T) {
	c := testChallenge(t)
	raw, err := x402.EncodeChallenge(c)
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := decodeCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{raw})
	require.NoError(t, cmd.Execute())

	var decoded struct {
		Challenge x402.Challenge `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, c.ChallengeID, decoded.Challenge.ChallengeID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cmd := decodeCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"not-a-header"})
	assert.Error(t, cmd.Execute())
}

func TestWithTxHash(t *testing.T) {
	base := x402.ProofProviderFunc(func(context.Context, x402.ProofRequest) (x402.ProofResult, error) {
		return x402.ProofResult{Proof: "sig"}, nil
	})

	result, err := withTxHash(base, "0xfeed").CreateProof(context.Background(), x402.ProofRequest{})
	require.NoError(t, err)
	assert.Equal(t, "sig", result.Proof)
	assert.Equal(t, "0xfeed", result.SettlementTxHash)

	assert.NotNil(t, withTxHash(base, ""))
}

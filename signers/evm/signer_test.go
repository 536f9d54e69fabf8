package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/shieldpay/x402"
)

// Well-known test key (hardhat account #0)
const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	tokenAddr   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	payToAddr   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func testChallenge(t *testing.T) x402.Challenge {
	t.Helper()
	issuer := x402.NewChallengeIssuer("eip155:84532", "facilitator.example")
	c, err := issuer.BuildChallenge(payToAddr, tokenAddr, "1000", x402.RequestContext{Resource: "https://api.example.com/data", Method: "GET"})
	require.NoError(t, err)
	return c
}

func TestNewSignerFromPrivateKey(t *testing.T) {
	s, err := NewSignerFromPrivateKey(testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())

	_, err = NewSignerFromPrivateKey("zz")
	assert.Error(t, err)

	_, err = NewSignerFromPrivateKey(testKey, WithTransfer(&fakeBackend{}, nil))
	assert.Error(t, err, "transfer without chain id")
}

func TestSignAndVerify(t *testing.T) {
	s, _ := NewSignerFromPrivateKey(testKey)
	c := testChallenge(t)

	proof, err := s.CreateProof(context.Background(), x402.ProofRequest{Challenge: c, PayerAddress: testAddress, Amount: "1000"})
	require.NoError(t, err)
	assert.Len(t, proof.Proof, 2+65*2)
	assert.Empty(t, proof.SettlementTxHash)

	payload, err := x402.BuildPayload(c, testAddress, proof.Proof)
	require.NoError(t, err)
	require.NoError(t, NewVerifier().VerifyProof(context.Background(), c, payload))

	// Any bound field changing invalidates the proof
	tampered := payload
	tampered.Amount = "999"
	assert.ErrorIs(t, NewVerifier().VerifyProof(context.Background(), c, tampered), ErrSignerMismatch)

	otherPayer := payload
	otherPayer.PayerAddress = payToAddr
	assert.Error(t, NewVerifier().VerifyProof(context.Background(), c, otherPayer))

	garbage := payload
	garbage.Proof = "0x1234"
	assert.Error(t, NewVerifier().VerifyProof(context.Background(), c, garbage))
}

func TestCreateProofRejectsForeignPayer(t *testing.T) {
	s, _ := NewSignerFromPrivateKey(testKey)
	_, err := s.CreateProof(context.Background(), x402.ProofRequest{Challenge: testChallenge(t), PayerAddress: payToAddr, Amount: "1"})
	assert.Error(t, err)
}

func TestVerifierWithExecutor(t *testing.T) {
	s, _ := NewSignerFromPrivateKey(testKey)
	executor, err := x402.NewSettlementExecutor(x402.WithProofVerifier(NewVerifier()))
	require.NoError(t, err)
	c := testChallenge(t)

	proof, _ := s.CreateProof(context.Background(), x402.ProofRequest{Challenge: c, PayerAddress: testAddress, Amount: c.MinAmount})
	good, _ := x402.BuildPayload(c, testAddress, proof.Proof, x402.WithReplayKey("rk-good"))
	d, err := executor.Settle(context.Background(), x402.SettleRequest{Challenge: c, Payment: good, SettlementTxHash: "0xtx"})
	require.NoError(t, err)
	assert.Equal(t, x402.StatusSettled, d.Status)

	forged, _ := x402.BuildPayload(c, testAddress, "0x"+common.Bytes2Hex(make([]byte, 65)), x402.WithReplayKey("rk-forged"))
	d, err = executor.Settle(context.Background(), x402.SettleRequest{Challenge: c, Payment: forged, SettlementTxHash: "0xtx2"})
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidProof, d.Reason)
}

type fakeBackend struct {
	sent    *types.Transaction
	sendErr error
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(1e9), nil }
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 60000, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = tx
	return f.sendErr
}

func TestCreateProofWithTransfer(t *testing.T) {
	backend := &fakeBackend{}
	chainID := big.NewInt(84532)
	s, err := NewSignerFromPrivateKey(testKey, WithTransfer(backend, chainID))
	require.NoError(t, err)

	proof, err := s.CreateProof(context.Background(), x402.ProofRequest{Challenge: testChallenge(t), PayerAddress: testAddress, Amount: "1500"})
	require.NoError(t, err)
	require.NotNil(t, backend.sent)

	tx := backend.sent
	assert.Equal(t, tx.Hash().Hex(), proof.SettlementTxHash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, common.HexToAddress(tokenAddr), *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), sender)

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(payToAddr), args[0])
	assert.Equal(t, "1500", args[1].(*big.Int).String())
}

func TestCreateProofTransferFailure(t *testing.T) {
	s, _ := NewSignerFromPrivateKey(testKey, WithTransfer(&fakeBackend{sendErr: errors.New("insufficient funds")}, big.NewInt(1)))

	_, err := s.CreateProof(context.Background(), x402.ProofRequest{Challenge: testChallenge(t), PayerAddress: testAddress, Amount: "1"})
	assert.ErrorContains(t, err, "insufficient funds")
}

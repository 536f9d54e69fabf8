// Package evm signs and verifies x402 payment proofs with secp256k1 keys,
// and optionally pays the challenge with an ERC-20 transfer.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/shieldpay/x402"
)

const erc20TransferABI = `[{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = mustParseABI(erc20TransferABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// TransferBackend is the subset of *ethclient.Client needed to send a transfer
type TransferBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Signer implements x402.ProofProvider using an ECDSA private key.
//
// The proof is an Ethereum signature over Keccak256 of the challenge digest
// input, so a verifier can recover the payer address from it.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address

	backend TransferBackend
	chainID *big.Int
}

// SignerOption configures a Signer
type SignerOption func(*Signer)

// WithTransfer makes the signer pay each challenge with an ERC-20 transfer
// through backend before producing the proof. The challenge token must be the
// token contract address.
func WithTransfer(backend TransferBackend, chainID *big.Int) SignerOption {
	return func(s *Signer) {
		s.backend = backend
		s.chainID = chainID
	}
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key.
//
// Args:
//
//	privateKeyHex: Hex-encoded private key (with or without "0x" prefix)
//
// Example:
//
//	signer, err := evm.NewSignerFromPrivateKey("0x1234...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := x402http.WrapClient(http.DefaultClient, signer, signer.Address())
func NewSignerFromPrivateKey(privateKeyHex string, opts ...SignerOption) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend != nil && s.chainID == nil {
		return nil, errors.New("transfer requires a chain id")
	}
	return s, nil
}

// Address returns the Ethereum address of the signer.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// CreateProof implements x402.ProofProvider
func (s *Signer) CreateProof(ctx context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
	payer := req.PayerAddress
	if payer == "" {
		payer = s.Address()
	}
	if !x402.SameAddress(payer, s.Address()) {
		return x402.ProofResult{}, fmt.Errorf("payer %s is not the signer %s", payer, s.Address())
	}

	signature, err := s.Sign(req.Challenge, payer, req.Amount)
	if err != nil {
		return x402.ProofResult{}, err
	}
	result := x402.ProofResult{Proof: hexutil.Encode(signature)}

	if s.backend != nil {
		txHash, err := s.transfer(ctx, req.Challenge, req.Amount)
		if err != nil {
			return x402.ProofResult{}, err
		}
		result.SettlementTxHash = txHash
	}
	return result, nil
}

// Sign returns the 65-byte signature (r, s, v) binding payer and amount to c
func (s *Signer) Sign(c x402.Challenge, payer, amount string) ([]byte, error) {
	digest := crypto.Keccak256(x402.ChallengeDigestInput(c, payer, amount))

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27
	return signature, nil
}

func (s *Signer) transfer(ctx context.Context, c x402.Challenge, amount string) (string, error) {
	if !common.IsHexAddress(c.Token) || !common.IsHexAddress(c.Recipient) {
		return "", fmt.Errorf("challenge token %q and recipient %q must be EVM addresses", c.Token, c.Recipient)
	}
	value, err := x402.ParseAmount(amount)
	if err != nil {
		return "", err
	}

	data, err := erc20ABI.Pack("transfer", common.HexToAddress(c.Recipient), value)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}
	token := common.HexToAddress(c.Token)

	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &token, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx, err := types.SignTx(
		types.NewTx(&types.LegacyTx{Nonce: nonce, To: &token, Gas: gas, GasPrice: gasPrice, Data: data}),
		types.LatestSignerForChainID(s.chainID),
		s.privateKey,
	)
	if err != nil {
		return "", fmt.Errorf("failed to sign transfer: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to send transfer: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// ============================================================================
// Verification
// ============================================================================

// ErrSignerMismatch is returned when a proof was not signed by the payer
var ErrSignerMismatch = errors.New("proof not signed by payer")

// Verifier implements x402.ProofVerifier for proofs produced by Signer
type Verifier struct{}

// NewVerifier creates a proof verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyProof recovers the signer of the proof and compares it with the payer
func (v *Verifier) VerifyProof(_ context.Context, c x402.Challenge, p x402.PaymentPayload) error {
	signer, err := RecoverSigner(c, p.PayerAddress, p.Amount, p.Proof)
	if err != nil {
		return err
	}
	if !x402.SameAddress(signer.Hex(), p.PayerAddress) {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, signer.Hex())
	}
	return nil
}

// RecoverSigner returns the address that produced proof for c, payer and amount
func RecoverSigner(c x402.Challenge, payer, amount, proof string) (common.Address, error) {
	signature, err := hexutil.Decode(proof)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid proof encoding: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := crypto.Keccak256(x402.ChallengeDigestInput(c, payer, amount))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

var (
	_ x402.ProofProvider = (*Signer)(nil)
	_ x402.ProofVerifier = (*Verifier)(nil)
)

// Package svm signs and verifies x402 payment proofs with Solana ed25519 keys.
package svm

import (
	"context"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/shieldpay/x402"
)

// SignMessageFunc defines the callback used to sign the challenge digest input.
type SignMessageFunc func(ctx context.Context, message []byte) (solana.Signature, error)

// TransferFunc pays a challenge and returns the transaction signature
type TransferFunc func(ctx context.Context, c x402.Challenge, amount string) (solana.Signature, error)

// Signer implements x402.ProofProvider. The proof is the base58 ed25519
// signature of the challenge digest input.
type Signer struct {
	publicKey solana.PublicKey
	sign      SignMessageFunc
	transfer  TransferFunc
}

// NewSigner creates a signer from a public key and signing callback.
// transfer may be nil when settlements are broadcast out of band.
func NewSigner(publicKey solana.PublicKey, signFunc SignMessageFunc, transfer TransferFunc) (*Signer, error) {
	if publicKey == (solana.PublicKey{}) {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}
	return &Signer{publicKey: publicKey, sign: signFunc, transfer: transfer}, nil
}

// NewSignerFromPrivateKey creates a signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewSignerFromPrivateKey("5J7W...", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := x402http.WrapClient(http.DefaultClient, signer, signer.Address())
func NewSignerFromPrivateKey(privateKeyBase58 string, transfer TransferFunc) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	signFunc := func(_ context.Context, message []byte) (solana.Signature, error) {
		return privateKey.Sign(message)
	}
	return NewSigner(privateKey.PublicKey(), signFunc, transfer)
}

// Address returns the base58 public key of the signer.
func (s *Signer) Address() string {
	return s.publicKey.String()
}

// CreateProof implements x402.ProofProvider
func (s *Signer) CreateProof(ctx context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
	payer := req.PayerAddress
	if payer == "" {
		payer = s.Address()
	}
	if payer != s.Address() {
		return x402.ProofResult{}, fmt.Errorf("payer %s is not the signer %s", payer, s.Address())
	}

	sig, err := s.sign(ctx, x402.ChallengeDigestInput(req.Challenge, payer, req.Amount))
	if err != nil {
		return x402.ProofResult{}, fmt.Errorf("failed to sign: %w", err)
	}
	result := x402.ProofResult{Proof: sig.String()}

	if s.transfer != nil {
		txSig, err := s.transfer(ctx, req.Challenge, req.Amount)
		if err != nil {
			return x402.ProofResult{}, fmt.Errorf("failed to transfer: %w", err)
		}
		result.SettlementTxHash = txSig.String()
	}
	return result, nil
}

// ErrInvalidSignature is returned when a proof does not verify against the payer key
var ErrInvalidSignature = errors.New("invalid ed25519 proof")

// Verifier implements x402.ProofVerifier for proofs produced by Signer
type Verifier struct{}

// NewVerifier creates a proof verifier
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifyProof checks the proof signature with the payer's public key
func (v *Verifier) VerifyProof(_ context.Context, c x402.Challenge, p x402.PaymentPayload) error {
	payer, err := solana.PublicKeyFromBase58(p.PayerAddress)
	if err != nil {
		return fmt.Errorf("invalid payer address: %w", err)
	}
	sig, err := solana.SignatureFromBase58(p.Proof)
	if err != nil {
		return fmt.Errorf("invalid proof encoding: %w", err)
	}
	if !sig.Verify(payer, x402.ChallengeDigestInput(c, p.PayerAddress, p.Amount)) {
		return ErrInvalidSignature
	}
	return nil
}

var (
	_ x402.ProofProvider = (*Signer)(nil)
	_ x402.ProofVerifier = (*Verifier)(nil)
)

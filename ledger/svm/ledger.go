// Package svm resolves SPL token settlement transactions on Solana.
package svm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/shieldpay/x402"
)

// RPC is the subset of *rpc.Client the ledger reads from
type RPC interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Ledger implements x402.LedgerLookup over token balance changes of one mint
type Ledger struct {
	client     RPC
	mint       solana.PublicKey
	commitment rpc.CommitmentType
}

// Option configures a Ledger
type Option func(*Ledger)

// WithCommitment sets the commitment a transaction must reach to count as confirmed
func WithCommitment(c rpc.CommitmentType) Option {
	return func(l *Ledger) {
		l.commitment = c
	}
}

// New creates a ledger reading transfers of mint through client
func New(client RPC, mint string, opts ...Option) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("svm ledger: rpc client is required")
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("svm ledger: invalid mint %q: %w", mint, err)
	}
	l := &Ledger{client: client, mint: mintKey, commitment: rpc.CommitmentConfirmed}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dial creates a ledger over the RPC endpoint at rpcURL
func Dial(rpcURL, mint string, opts ...Option) (*Ledger, error) {
	return New(rpc.New(rpcURL), mint, opts...)
}

// ResolveSettlement implements x402.LedgerLookup
func (l *Ledger) ResolveSettlement(ctx context.Context, txHash string) (x402.SettlementFacts, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return x402.SettlementFacts{Found: false}, nil
	}

	maxVersion := uint64(0)
	result, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     l.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result == nil) {
		return x402.SettlementFacts{Found: false}, nil
	}
	if err != nil {
		return x402.SettlementFacts{}, fmt.Errorf("failed to get transaction: %w", err)
	}

	facts := x402.SettlementFacts{Found: true, Token: l.mint.String()}
	if result.Meta == nil {
		return facts, nil
	}
	facts.Confirmed = true
	if result.Meta.Err != nil {
		return facts, nil
	}

	if owner, amount, ok := LargestCredit(result.Meta.PreTokenBalances, result.Meta.PostTokenBalances, l.mint); ok {
		facts.Recipient = owner.String()
		facts.Amount = amount.String()
	}
	return facts, nil
}

// LargestCredit returns the owner whose balance of mint grew the most between
// pre and post
func LargestCredit(pre, post []rpc.TokenBalance, mint solana.PublicKey) (solana.PublicKey, *big.Int, bool) {
	before := make(map[uint16]*big.Int)
	for _, b := range pre {
		if b.Mint.Equals(mint) {
			before[b.AccountIndex] = balanceOf(b)
		}
	}

	credits := make(map[solana.PublicKey]*big.Int)
	var order []solana.PublicKey
	for _, b := range post {
		if !b.Mint.Equals(mint) || b.Owner == nil {
			continue
		}
		delta := balanceOf(b)
		if prev, ok := before[b.AccountIndex]; ok {
			delta.Sub(delta, prev)
		}
		if delta.Sign() <= 0 {
			continue
		}
		if _, ok := credits[*b.Owner]; !ok {
			credits[*b.Owner] = new(big.Int)
			order = append(order, *b.Owner)
		}
		credits[*b.Owner].Add(credits[*b.Owner], delta)
	}

	var best solana.PublicKey
	var bestAmount *big.Int
	for _, owner := range order {
		if bestAmount == nil || credits[owner].Cmp(bestAmount) > 0 {
			best, bestAmount = owner, credits[owner]
		}
	}
	if bestAmount == nil {
		return solana.PublicKey{}, nil, false
	}
	return best, bestAmount, true
}

func balanceOf(b rpc.TokenBalance) *big.Int {
	n := new(big.Int)
	if b.UiTokenAmount == nil {
		return n
	}
	if _, ok := n.SetString(b.UiTokenAmount.Amount, 10); !ok {
		return n.SetInt64(0)
	}
	return n
}

var _ x402.LedgerLookup = (*Ledger)(nil)

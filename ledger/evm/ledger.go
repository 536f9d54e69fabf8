// Package evm resolves ERC-20 settlement transactions on EVM chains.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/shieldpay/x402"
)

// DefaultMinConfirmations is the depth a receipt needs before it counts as confirmed
const DefaultMinConfirmations = 1

// TransferTopic is topic0 of the ERC-20 Transfer event
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of *ethclient.Client the ledger reads from
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Ledger implements x402.LedgerLookup over ERC-20 Transfer logs of one token contract
type Ledger struct {
	backend          Backend
	token            common.Address
	minConfirmations uint64
	logger           *slog.Logger
}

// Option configures a Ledger
type Option func(*Ledger)

// WithMinConfirmations sets the required confirmation depth
func WithMinConfirmations(n uint64) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.minConfirmations = n
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a ledger reading transfers of token through backend
func New(backend Backend, token string, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("evm ledger: backend is required")
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("evm ledger: invalid token address %q", token)
	}
	l := &Ledger{
		backend:          backend,
		token:            common.HexToAddress(token),
		minConfirmations: DefaultMinConfirmations,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dial connects to an RPC endpoint and creates a ledger over it
func Dial(ctx context.Context, rpcURL, token string, opts ...Option) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return New(client, token, opts...)
}

// ResolveSettlement implements x402.LedgerLookup
func (l *Ledger) ResolveSettlement(ctx context.Context, txHash string) (x402.SettlementFacts, error) {
	if !isTxHash(txHash) {
		// Not a hash this chain can hold; it will never be found
		return x402.SettlementFacts{Found: false}, nil
	}
	hash := common.HexToHash(txHash)

	receipt, err := l.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return l.resolveUnmined(ctx, hash)
	}
	if err != nil {
		return x402.SettlementFacts{}, fmt.Errorf("failed to get receipt: %w", err)
	}

	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return x402.SettlementFacts{}, fmt.Errorf("failed to get block number: %w", err)
	}

	facts := x402.SettlementFacts{
		Found:     true,
		Confirmed: confirmations(receipt, head) >= l.minConfirmations,
		Token:     l.token.Hex(),
	}
	if !facts.Confirmed {
		return facts, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		l.logger.Debug("settlement transaction reverted", "txHash", txHash)
		return facts, nil
	}

	if to, amount, ok := LargestTransfer(receipt.Logs, l.token); ok {
		facts.Recipient = to.Hex()
		facts.Amount = amount.String()
	}
	return facts, nil
}

// resolveUnmined distinguishes a known transaction without a receipt from an
// unknown one. Without a receipt nothing can be confirmed: the transaction is
// either in the mempool or mined on a node that has not indexed it yet.
func (l *Ledger) resolveUnmined(ctx context.Context, hash common.Hash) (x402.SettlementFacts, error) {
	_, isPending, err := l.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return x402.SettlementFacts{Found: false}, nil
	}
	if err != nil {
		return x402.SettlementFacts{}, fmt.Errorf("failed to get transaction: %w", err)
	}
	if !isPending {
		l.logger.Debug("transaction mined but receipt not available yet", "txHash", hash.Hex())
	}
	return x402.SettlementFacts{Found: true, Confirmed: false, Token: l.token.Hex()}, nil
}

func confirmations(receipt *types.Receipt, head uint64) uint64 {
	if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() {
		return 0
	}
	block := receipt.BlockNumber.Uint64()
	if head < block {
		return 0
	}
	return head - block + 1
}

// LargestTransfer sums Transfer logs of token per recipient and returns the
// recipient credited the most
func LargestTransfer(logs []*types.Log, token common.Address) (common.Address, *big.Int, bool) {
	totals := make(map[common.Address]*big.Int)
	var order []common.Address

	for _, lg := range logs {
		if lg == nil || lg.Removed || lg.Address != token {
			continue
		}
		if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic || len(lg.Data) != 32 {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(lg.Data)
		if _, ok := totals[to]; !ok {
			totals[to] = new(big.Int)
			order = append(order, to)
		}
		totals[to].Add(totals[to], amount)
	}

	var best common.Address
	var bestAmount *big.Int
	for _, to := range order {
		if bestAmount == nil || totals[to].Cmp(bestAmount) > 0 {
			best, bestAmount = to, totals[to]
		}
	}
	if bestAmount == nil {
		return common.Address{}, nil, false
	}
	return best, bestAmount, true
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

var _ x402.LedgerLookup = (*Ledger)(nil)

// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	x402 "github.com/shieldpay/x402"
)

// Ledger backends for on-chain verification
const (
	LedgerEVM = "evm"
	LedgerSVM = "svm"
)

var (
	ErrRPCURLRequired  = errors.New("x402: X402_RPC_URL is required when on-chain verification is enabled")
	ErrUnknownLedger   = errors.New("x402: X402_LEDGER must be evm or svm")
	ErrTokenAddress    = errors.New("x402: X402_TOKEN_ADDRESS is required when on-chain verification is enabled")
	ErrPriceIncomplete = errors.New("x402: X402_RECIPIENT, X402_TOKEN and X402_MIN_AMOUNT are required")
	ErrUnknownVerifier = errors.New("x402: X402_PROOF_VERIFIER must be empty, evm or svm")
	ErrMinAmount       = errors.New("x402: X402_MIN_AMOUNT must be positive")
)

// RateRule is one fixed-window limit; zero values disable it
type RateRule struct {
	Limit  int
	Window time.Duration
}

// Config is everything the server needs at startup
type Config struct {
	Port     string
	LogLevel string

	OnChainVerify    bool
	Ledger           string
	RPCURL           string
	RPCTimeout       time.Duration
	TokenAddress     string
	MinConfirmations uint64
	// ProofVerifier names the signature check run on proofs; empty checks syntax only
	ProofVerifier    string

	Network      x402.Network
	Facilitator  string
	Recipient    string
	Token        string
	MinAmount    string
	ChallengeTTL time.Duration

	ChallengeHeader    string
	PaymentHeader      string
	SettlementTxHeader string

	RedisURL     string
	RedisCluster bool

	ChallengeRate  RateRule
	SettlementRate RateRule
}

// Load reads an optional .env file, then the environment
func Load() (Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a validated Config from getenv
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}

	cfg := Config{
		Port:     r.str("PORT", "4021"),
		LogLevel: r.str("LOG_LEVEL", "INFO"),

		OnChainVerify:    r.boolean("X402_ONCHAIN_VERIFY", false),
		Ledger:           strings.ToLower(r.str("X402_LEDGER", LedgerEVM)),
		RPCURL:           r.str("X402_RPC_URL", ""),
		RPCTimeout:       r.duration("X402_RPC_TIMEOUT", x402.DefaultRPCTimeout),
		TokenAddress:     r.str("X402_TOKEN_ADDRESS", ""),
		MinConfirmations: r.uint("X402_MIN_CONFIRMATIONS", 1),
		ProofVerifier:    strings.ToLower(r.str("X402_PROOF_VERIFIER", "")),

		Network:      x402.Network(r.str("X402_NETWORK", "starknet:sepolia")),
		Facilitator:  r.str("X402_FACILITATOR", ""),
		Recipient:    r.str("X402_RECIPIENT", ""),
		Token:        r.str("X402_TOKEN", ""),
		MinAmount:    r.str("X402_MIN_AMOUNT", ""),
		ChallengeTTL: r.duration("X402_CHALLENGE_TTL", x402.DefaultChallengeTTL),

		ChallengeHeader:    r.str("X402_CHALLENGE_HEADER", ""),
		PaymentHeader:      r.str("X402_PAYMENT_HEADER", ""),
		SettlementTxHeader: r.str("X402_SETTLEMENT_TX_HEADER", ""),

		RedisURL:     r.str("X402_REDIS_URL", ""),
		RedisCluster: r.boolean("X402_REDIS_CLUSTER", false),

		ChallengeRate: RateRule{
			Limit:  r.integer("X402_RATE_CHALLENGE_LIMIT", 0),
			Window: r.duration("X402_RATE_CHALLENGE_WINDOW", time.Minute),
		},
		SettlementRate: RateRule{
			Limit:  r.integer("X402_RATE_SETTLEMENT_LIMIT", 0),
			Window: r.duration("X402_RATE_SETTLEMENT_WINDOW", time.Minute),
		},
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that depend on each other
func (c Config) Validate() error {
	if c.Recipient == "" || c.Token == "" || c.MinAmount == "" {
		return ErrPriceIncomplete
	}
	minimum, err := x402.ParseAmount(c.MinAmount)
	if err != nil {
		return fmt.Errorf("x402: X402_MIN_AMOUNT: %w", err)
	}
	if minimum.Sign() <= 0 {
		return ErrMinAmount
	}
	if _, _, err := c.Network.Parse(); err != nil {
		return fmt.Errorf("x402: X402_NETWORK: %w", err)
	}
	if c.ChallengeTTL <= 0 {
		return errors.New("x402: X402_CHALLENGE_TTL must be positive")
	}
	switch c.ProofVerifier {
	case "", LedgerEVM, LedgerSVM:
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownVerifier, c.ProofVerifier)
	}
	if !c.OnChainVerify {
		return nil
	}
	if c.RPCURL == "" {
		return ErrRPCURLRequired
	}
	if c.Ledger != LedgerEVM && c.Ledger != LedgerSVM {
		return fmt.Errorf("%w, got %q", ErrUnknownLedger, c.Ledger)
	}
	if c.TokenAddress == "" {
		return ErrTokenAddress
	}
	return nil
}

// reader keeps the first parse error so FromEnv reads straight through
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("x402: invalid %s=%q: %w", key, value, err)
	}
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) uint(key string, def uint64) uint64 {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

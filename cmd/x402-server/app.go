package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
	ginmw "github.com/shieldpay/x402/http/gin"
	"github.com/shieldpay/x402/internal/config"
	evmledger "github.com/shieldpay/x402/ledger/evm"
	svmledger "github.com/shieldpay/x402/ledger/svm"
	"github.com/shieldpay/x402/mcp"
	"github.com/shieldpay/x402/metrics"
	"github.com/shieldpay/x402/ratelimit"
	evmsigner "github.com/shieldpay/x402/signers/evm"
	svmsigner "github.com/shieldpay/x402/signers/svm"
	redisstore "github.com/shieldpay/x402/stores/redis"
)

const version = "1.0.0"

// Priced resources served by the demo handlers
const (
	premiumRoute = "/api/premium"
	quoteTool    = "premium_quote"
)

// app holds the wired protocol components of one server process
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	registry *prometheus.Registry
	paywall  *x402http.PaywallService
	tools    *mcpsdk.Server
}

// newApp wires the protocol components described by cfg
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	recorder := metrics.NewRecorder()
	registry := prometheus.NewRegistry()
	if err := recorder.Register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	replay, challenges, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	execOpts := []x402.ExecutorOption{
		x402.WithReplayStore(replay),
		x402.WithRPCTimeout(cfg.RPCTimeout),
		x402.WithExecutorMetrics(recorder),
		x402.WithLogger(logger),
	}
	if cfg.OnChainVerify {
		ledger, err := openLedger(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		execOpts = append(execOpts, x402.WithOnChainVerification(true), x402.WithLedgerLookup(ledger))
	}
	switch cfg.ProofVerifier {
	case config.LedgerEVM:
		execOpts = append(execOpts, x402.WithProofVerifier(evmsigner.NewVerifier()))
	case config.LedgerSVM:
		execOpts = append(execOpts, x402.WithProofVerifier(svmsigner.NewVerifier()))
	}
	executor, err := x402.NewSettlementExecutor(execOpts...)
	if err != nil {
		return nil, err
	}

	issuer := x402.NewChallengeIssuer(cfg.Network, cfg.Facilitator,
		x402.WithChallengeTTL(cfg.ChallengeTTL),
		x402.WithIssuerMetrics(recorder),
	)

	serviceOpts := []x402http.ServiceOption{
		x402http.WithChallengeStore(challenges),
		x402http.WithServiceMetrics(recorder),
		x402http.WithServiceLogger(logger),
		x402http.WithHeaderNames(x402http.HeaderNames{
			Challenge:    cfg.ChallengeHeader,
			Payment:      cfg.PaymentHeader,
			SettlementTx: cfg.SettlementTxHeader,
		}),
		x402http.WithPaywall(x402http.DefaultPaywallProvider(), &x402http.PaywallConfig{AppName: "x402 shielded"}),
	}
	gateOpts := []mcp.GateOption{mcp.WithChallengeStore(challenges), mcp.WithMetrics(recorder), mcp.WithLogger(logger)}

	// One limiter budgets both transports
	challengeRule := ratelimit.Rule{Limit: cfg.ChallengeRate.Limit, Window: cfg.ChallengeRate.Window}
	settlementRule := ratelimit.Rule{Limit: cfg.SettlementRate.Limit, Window: cfg.SettlementRate.Window}
	if challengeRule.Valid() || settlementRule.Valid() {
		limiter := ratelimit.New()
		serviceOpts = append(serviceOpts, x402http.WithRateLimiter(limiter, challengeRule, settlementRule))
		gateOpts = append(gateOpts, mcp.WithRateLimiter(limiter, challengeRule, settlementRule))
	}

	paywall, err := x402http.NewPaywallService(x402http.RoutesConfig{
		"GET " + premiumRoute: {
			Recipient:   cfg.Recipient,
			Token:       cfg.Token,
			MinAmount:   cfg.MinAmount,
			Description: "Premium data",
			MimeType:    "application/json",
		},
	}, issuer, executor, serviceOpts...)
	if err != nil {
		return nil, err
	}

	gate, err := mcp.NewGate(issuer, executor, mcp.Price{
		Recipient: cfg.Recipient,
		Token:     cfg.Token,
		MinAmount: cfg.MinAmount,
	}, gateOpts...)
	if err != nil {
		return nil, err
	}
	tools := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "x402-server", Version: version}, nil)
	tools.AddTool(&mcpsdk.Tool{
		Name:        "ping",
		Description: "A free health check tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
	})
	mcp.PaidTool(tools, &mcpsdk.Tool{
		Name:        quoteTool,
		Description: "Premium quote for a symbol. Requires an x402 shielded payment.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"symbol":{"type":"string"}}}`),
	}, gate, premiumQuote)

	return &app{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		registry: registry,
		paywall:  paywall,
		tools:    tools,
	}, nil
}

// openStores returns the Redis-backed stores when X402_REDIS_URL is set, in-memory ones otherwise
func openStores(ctx context.Context, cfg config.Config) (x402.ReplayStore, x402.ChallengeStore, error) {
	if cfg.RedisURL == "" {
		return x402.NewMemoryReplayStore(), x402.NewMemoryChallengeStore(time.Now), nil
	}
	client, err := redisstore.Dial(ctx, redisstore.Config{URL: cfg.RedisURL, Cluster: cfg.RedisCluster})
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewReplayStore(client), redisstore.NewChallengeStore(client, time.Now), nil
}

func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (x402.LedgerLookup, error) {
	switch cfg.Ledger {
	case config.LedgerSVM:
		return svmledger.Dial(cfg.RPCURL, cfg.TokenAddress)
	default:
		return evmledger.Dial(ctx, cfg.RPCURL, cfg.TokenAddress,
			evmledger.WithMinConfirmations(cfg.MinConfirmations),
			evmledger.WithLogger(logger),
		)
	}
}

func (a *app) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	r.GET("/metrics", gin.WrapH(x402http.PrometheusHandler(a.registry)))
	r.Any("/x402/metrics", gin.WrapH(x402http.MetricsHandler(a.recorder)))

	mcpHandler := mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return a.tools }, nil)
	r.Any("/mcp", gin.WrapH(mcpHandler))

	paid := r.Group("/api", ginmw.PaymentMiddleware(a.paywall))
	paid.GET("/premium", func(c *gin.Context) {
		d, _ := ginmw.Decision(c)
		c.JSON(http.StatusOK, gin.H{
			"data":   "premium content",
			"txHash": d.TxHash,
		})
	})
	return r
}

func premiumQuote(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Symbol string `json:"symbol"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "invalid arguments: " + err.Error()}},
			}, nil
		}
	}
	if args.Symbol == "" {
		args.Symbol = "STRK"
	}
	body, err := json.Marshal(map[string]interface{}{"symbol": args.Symbol, "quote": "42.00"})
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}}}, nil
}

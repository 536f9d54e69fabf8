package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	x402 "github.com/shieldpay/x402"
	"github.com/shieldpay/x402/metrics"
	"github.com/shieldpay/x402/ratelimit"
)

// ChallengeBuilder issues challenges
type ChallengeBuilder interface {
	BuildChallenge(recipient, token, minAmount string, rc x402.RequestContext) (x402.Challenge, error)
}

// Settler decides settlement attempts
type Settler interface {
	Settle(ctx context.Context, req x402.SettleRequest) (x402.SettlementDecision, error)
}

// Gate charges Price for every call of the tools it wraps
type Gate struct {
	issuer     ChallengeBuilder
	settler    Settler
	challenges x402.ChallengeStore
	price      Price
	metrics    *metrics.Recorder
	now        func() time.Time
	logger     *slog.Logger

	limiter        *ratelimit.Limiter
	challengeRule  ratelimit.Rule
	settlementRule ratelimit.Rule
	identity       func(*mcpsdk.CallToolRequest) string
}

// GateOption configures a Gate
type GateOption func(*Gate)

// WithChallengeStore sets where issued challenges are remembered.
// Share one store with the HTTP paywall to redeem across transports.
func WithChallengeStore(store x402.ChallengeStore) GateOption {
	return func(g *Gate) {
		g.challenges = store
	}
}

// WithMetrics counts paywall events into r
func WithMetrics(r *metrics.Recorder) GateOption {
	return func(g *Gate) {
		g.metrics = r
	}
}

// WithClock sets the time source for expiry checks
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// WithLogger sets the gate logger
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRateLimiter throttles challenge issuance and settlement attempts per
// caller identity. Sharing the limiter with the HTTP paywall applies the
// same budgets across both transports.
func WithRateLimiter(limiter *ratelimit.Limiter, challengeRule, settlementRule ratelimit.Rule) GateOption {
	return func(g *Gate) {
		g.limiter = limiter
		g.challengeRule = challengeRule
		g.settlementRule = settlementRule
	}
}

// WithIdentity sets how a call is attributed for rate limiting.
// The default is the MCP session id.
func WithIdentity(identity func(*mcpsdk.CallToolRequest) string) GateOption {
	return func(g *Gate) {
		if identity != nil {
			g.identity = identity
		}
	}
}

// SessionIdentity attributes a call to its MCP session
func SessionIdentity(req *mcpsdk.CallToolRequest) string {
	if req != nil && req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return "mcp:" + id
		}
	}
	return "mcp:anonymous"
}

// NewGate creates a gate charging price
func NewGate(issuer ChallengeBuilder, settler Settler, price Price, opts ...GateOption) (*Gate, error) {
	if issuer == nil || settler == nil {
		return nil, errors.New("x402: gate needs a challenge issuer and a settler")
	}
	if strings.TrimSpace(price.Recipient) == "" || strings.TrimSpace(price.Token) == "" {
		return nil, fmt.Errorf("%w: price needs a recipient and a token", x402.ErrInvalidChallenge)
	}
	minimum, err := x402.ParseAmount(price.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrInvalidChallenge, err)
	}
	if minimum.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price minAmount must be positive", x402.ErrInvalidChallenge)
	}

	g := &Gate{
		issuer:   issuer,
		settler:  settler,
		price:    price,
		now:      time.Now,
		logger:   slog.Default(),
		identity: SessionIdentity,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.challenges == nil {
		g.challenges = x402.NewMemoryChallengeStore(g.now)
	}
	return g, nil
}

// PaidTool registers tool on server with handler behind gate.
// A tool without an input schema accepts any object.
func PaidTool(server *mcpsdk.Server, tool *mcpsdk.Tool, gate *Gate, handler mcpsdk.ToolHandler) {
	if tool.InputSchema == nil {
		tool.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	server.AddTool(tool, gate.Wrap(tool.Name, handler))
}

// Wrap returns handler behind the gate. Only settled calls reach handler.
func (g *Gate) Wrap(toolName string, handler mcpsdk.ToolHandler) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var (
			args map[string]interface{}
			meta map[string]interface{}
		)
		if req.Params != nil {
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return g.malformed(fmt.Errorf("arguments must be a JSON object: %w", err)), nil
				}
			}
			if req.Params.Meta != nil {
				meta = req.Params.Meta.GetMeta()
			}
		}
		rc := requestContext(toolName, args)

		rawPayment, paid, err := metaString(meta[PaymentMetaKey])
		if err != nil {
			return g.malformed(err), nil
		}
		identity := g.identity(req)
		if !paid || strings.TrimSpace(rawPayment) == "" {
			if result, limited := g.throttle(ratelimit.ScopeChallenge, identity, g.challengeRule); limited {
				return result, nil
			}
			return g.paymentRequired(ctx, rc, "payment required", nil), nil
		}
		if result, limited := g.throttle(ratelimit.ScopeSettlement, identity, g.settlementRule); limited {
			return result, nil
		}

		echoed, present, err := decodeChallenge(meta[ChallengeMetaKey])
		if err != nil {
			return g.malformed(err), nil
		}
		if !present {
			return g.malformed(fmt.Errorf("%w: %s is required with a payment", x402.ErrMalformedChallenge, ChallengeMetaKey)), nil
		}
		payment, err := x402.ParsePayload(rawPayment)
		if err != nil {
			return g.malformed(err), nil
		}

		issued, found, err := g.challenges.Load(ctx, echoed.ChallengeID)
		if err != nil {
			g.logger.Error("challenge store load failed", "tool", toolName, "challengeId", echoed.ChallengeID, "error", err)
			return g.pending(x402.SettlementDecision{Status: x402.StatusPending, Reason: x402.ReasonStoreUnavailable}), nil
		}
		if !found {
			reason := x402.ReasonUnknownChallenge
			if echoed.Expired(g.now()) {
				reason = x402.ReasonChallengeExpired
			}
			return g.rejected(ctx, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: reason}, true), nil
		}
		if !issued.Equal(echoed) {
			return g.rejected(ctx, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: x402.ReasonChallengeMismatch}, true), nil
		}
		if expected, err := x402.ComputeContextHash(rc); err != nil || expected != issued.ContextHash {
			return g.rejected(ctx, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: x402.ReasonContextMismatch}, true), nil
		}

		txHash, _ := meta[SettlementTxMetaKey].(string)
		decision, err := g.settler.Settle(ctx, x402.SettleRequest{
			Challenge:        issued,
			Payment:          payment,
			SettlementTxHash: txHash,
		})
		if err != nil {
			return g.malformed(err), nil
		}

		switch {
		case decision.Replayed:
			// The payment already paid for one call
			replay := x402.SettlementDecision{Status: x402.StatusRejected, TxHash: decision.TxHash, Reason: x402.ReasonReplayDetected}
			return g.rejected(ctx, rc, replay, true), nil
		case decision.GrantsAccess():
			g.metrics.MustIncrement(metrics.PaymentVerified)
			result, err := handler(ctx, req)
			if err != nil || result == nil {
				return result, err
			}
			if result.Meta == nil {
				result.Meta = mcpsdk.Meta{}
			}
			result.Meta[SettlementMetaKey] = decision
			return result, nil
		case decision.Status == x402.StatusPending:
			return g.pending(decision), nil
		default:
			return g.rejected(ctx, rc, decision, false), nil
		}
	}
}

func (g *Gate) throttle(scope, identity string, rule ratelimit.Rule) (*mcpsdk.CallToolResult, bool) {
	if g.limiter == nil {
		return nil, false
	}
	d := g.limiter.Consume(scope, identity, rule)
	if d.Allowed {
		return nil, false
	}

	g.metrics.MustIncrement(metrics.RateLimited)
	g.logger.Warn("rate limited", "scope", scope, "identity", identity, "retryAfterSeconds", d.RetryAfterSeconds)
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{
			Text: fmt.Sprintf("%s: too many %s requests, retry after %ds", x402.ErrCodeRateLimited, scope, d.RetryAfterSeconds),
		}},
		StructuredContent: map[string]interface{}{
			ErrorMetaKey:        x402.ErrCodeRateLimited,
			"retryAfterSeconds": d.RetryAfterSeconds,
		},
	}, true
}

// paymentRequired issues a fresh challenge for the call
func (g *Gate) paymentRequired(ctx context.Context, rc x402.RequestContext, message string, decision *x402.SettlementDecision) *mcpsdk.CallToolResult {
	challenge, err := g.issuer.BuildChallenge(g.price.Recipient, g.price.Token, g.price.MinAmount, rc)
	if err != nil {
		g.logger.Error("challenge build failed", "tool", rc.Route, "error", err)
		return errorResult("internal_error", err.Error())
	}
	if err := g.challenges.Save(ctx, challenge); err != nil {
		g.logger.Error("challenge store save failed", "challengeId", challenge.ChallengeID, "error", err)
		return errorResult(x402.ReasonStoreUnavailable, "cannot issue challenge")
	}
	g.metrics.MustIncrement(metrics.PaywallRequired)

	body := PaymentRequired{Error: message, Challenge: challenge, Decision: decision}
	text, _ := json.Marshal(body)
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: body,
	}
}

func (g *Gate) rejected(ctx context.Context, rc x402.RequestContext, decision x402.SettlementDecision, count bool) *mcpsdk.CallToolResult {
	if count {
		g.metrics.MustIncrement(metrics.PaymentRejected)
		g.logger.Warn("payment rejected", "reason", decision.Reason, "tool", rc.Route)
	}
	return g.paymentRequired(ctx, rc, decision.Reason, &decision)
}

// pending carries the decision so the client can poll with the same payment
func (g *Gate) pending(decision x402.SettlementDecision) *mcpsdk.CallToolResult {
	text, _ := json.Marshal(decision)
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: map[string]interface{}{SettlementMetaKey: decision},
	}
}

func (g *Gate) malformed(err error) *mcpsdk.CallToolResult {
	g.metrics.MustIncrement(metrics.PaymentMalformed)

	code, message := x402.ErrCodeMalformedPayload, err.Error()
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		code, message = pe.Code, pe.Message
	}
	return errorResult(code, message)
}

func errorResult(code, message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: code + ": " + message}},
		StructuredContent: map[string]interface{}{ErrorMetaKey: code},
	}
}

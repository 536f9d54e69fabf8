package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	x402 "github.com/shieldpay/x402"
	"github.com/shieldpay/x402/metrics"
	"github.com/shieldpay/x402/ratelimit"
)

// Rate limiter scopes guarding the two protocol endpoints
const (
	ScopeChallenge  = ratelimit.ScopeChallenge
	ScopeSettlement = ratelimit.ScopeSettlement
)

// DefaultPendingRetryAfter is the Retry-After sent with pending settlements
const DefaultPendingRetryAfter = 5 * time.Second

// ErrInvalidRoute is returned for route patterns or configs that cannot be served
var ErrInvalidRoute = errors.New("x402: invalid route config")

// ============================================================================
// Framework adapter
// ============================================================================

// HTTPAdapter abstracts the request of a web framework
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
	GetQuery() url.Values
	GetAcceptHeader() string
	GetUserAgent() string
	// ClientIdentity keys rate limiting, typically the client IP
	ClientIdentity() string
}

// HTTPRequestContext is one request seen by the service
type HTTPRequestContext struct {
	Adapter HTTPAdapter
	Path    string
	Method  string
}

// ============================================================================
// Routes
// ============================================================================

// RouteConfig is the price of one paywalled route
type RouteConfig struct {
	Recipient   string `json:"recipient"`
	Token       string `json:"token"`
	MinAmount   string `json:"minAmount"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// RoutesConfig maps "METHOD /path" patterns to their price. The method may be
// omitted or "*" to match any method; a trailing "/*" matches a path prefix.
type RoutesConfig map[string]RouteConfig

type compiledRoute struct {
	pattern string
	method  string
	path    string
	prefix  bool
	config  RouteConfig
}

func (r compiledRoute) matches(method, path string) bool {
	if r.method != "*" && !strings.EqualFold(r.method, method) {
		return false
	}
	if r.prefix {
		return path == r.path || strings.HasPrefix(path, r.path+"/")
	}
	return path == r.path
}

func compileRoutes(routes RoutesConfig) ([]compiledRoute, error) {
	compiled := make([]compiledRoute, 0, len(routes))
	for pattern, config := range routes {
		method, path := "*", strings.TrimSpace(pattern)
		if parts := strings.Fields(pattern); len(parts) == 2 {
			method, path = strings.ToUpper(parts[0]), parts[1]
		} else if len(parts) != 1 {
			return nil, fmt.Errorf("%w: pattern %q", ErrInvalidRoute, pattern)
		}
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("%w: path of %q must start with /", ErrInvalidRoute, pattern)
		}
		if config.Recipient == "" || config.Token == "" {
			return nil, fmt.Errorf("%w: %q needs recipient and token", ErrInvalidRoute, pattern)
		}
		if minimum, err := x402.ParseAmount(config.MinAmount); err != nil || minimum.Sign() <= 0 {
			return nil, fmt.Errorf("%w: %q needs a positive minAmount", ErrInvalidRoute, pattern)
		}

		route := compiledRoute{pattern: pattern, method: method, path: path, config: config}
		if strings.HasSuffix(path, "/*") {
			route.prefix = true
			route.path = strings.TrimSuffix(path, "/*")
		}
		compiled = append(compiled, route)
	}

	// Exact paths before prefixes, longer before shorter, so matching is deterministic
	sort.Slice(compiled, func(i, j int) bool {
		a, b := compiled[i], compiled[j]
		if a.prefix != b.prefix {
			return !a.prefix
		}
		if len(a.path) != len(b.path) {
			return len(a.path) > len(b.path)
		}
		if a.method != b.method {
			return b.method == "*"
		}
		return a.pattern < b.pattern
	})
	return compiled, nil
}

// ============================================================================
// Results
// ============================================================================

// Result types of ProcessHTTPRequest
const (
	ResultNoPaymentRequired = "no-payment-required"
	ResultPaymentError      = "payment-error"
	ResultPaymentPending    = "payment-pending"
	ResultPaymentVerified   = "payment-verified"
)

// HTTPResponseInstructions tells a middleware what to write
type HTTPResponseInstructions struct {
	Status  int
	Headers map[string]string
	Body    interface{}
	IsHTML  bool
}

// HTTPProcessResult is the outcome of processing one request.
// For ResultPaymentVerified, Response carries only headers to add to the
// protected handler's response.
type HTTPProcessResult struct {
	Type      string
	Response  *HTTPResponseInstructions
	Challenge *x402.Challenge
	Payment   *x402.PaymentPayload
	Decision  *x402.SettlementDecision
}

// PaymentRequiredResponse is the JSON body of a 402
type PaymentRequiredResponse struct {
	Error     string                   `json:"error"`
	Challenge x402.Challenge           `json:"challenge"`
	Decision  *x402.SettlementDecision `json:"decision,omitempty"`
}

// ErrorResponse is the JSON body of 400, 429 and 5xx responses
type ErrorResponse struct {
	Error             string                 `json:"error"`
	Message           string                 `json:"message,omitempty"`
	RetryAfterSeconds int                    `json:"retryAfterSeconds,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
}

// ============================================================================
// Service
// ============================================================================

// ChallengeBuilder issues challenges
type ChallengeBuilder interface {
	BuildChallenge(recipient, token, minAmount string, rc x402.RequestContext) (x402.Challenge, error)
}

// Settler decides settlement attempts
type Settler interface {
	Settle(ctx context.Context, req x402.SettleRequest) (x402.SettlementDecision, error)
}

// PaywallService is the framework-agnostic paywall in front of priced routes
type PaywallService struct {
	routes     []compiledRoute
	issuer     ChallengeBuilder
	settler    Settler
	challenges x402.ChallengeStore

	limiter        *ratelimit.Limiter
	challengeRule  ratelimit.Rule
	settlementRule ratelimit.Rule

	metrics           *metrics.Recorder
	headers           HeaderNames
	resourceRootURL   string
	pendingRetryAfter time.Duration
	paywall           PaywallProvider
	paywallConfig     *PaywallConfig
	now               func() time.Time
	logger            *slog.Logger
}

// ServiceOption configures the service
type ServiceOption func(*PaywallService)

// WithChallengeStore replaces the in-memory registry of issued challenges
func WithChallengeStore(store x402.ChallengeStore) ServiceOption {
	return func(s *PaywallService) {
		s.challenges = store
	}
}

// WithRateLimiter throttles challenge issuance and settlement separately
func WithRateLimiter(limiter *ratelimit.Limiter, challengeRule, settlementRule ratelimit.Rule) ServiceOption {
	return func(s *PaywallService) {
		s.limiter = limiter
		s.challengeRule = challengeRule
		s.settlementRule = settlementRule
	}
}

// WithServiceMetrics sets the recorder for paywall-level counters
func WithServiceMetrics(r *metrics.Recorder) ServiceOption {
	return func(s *PaywallService) {
		s.metrics = r
	}
}

// WithHeaderNames overrides the protocol header names
func WithHeaderNames(h HeaderNames) ServiceOption {
	return func(s *PaywallService) {
		s.headers = h.withDefaults()
	}
}

// WithResourceRootURL binds challenges to rootURL+path instead of the request URL
func WithResourceRootURL(rootURL string) ServiceOption {
	return func(s *PaywallService) {
		s.resourceRootURL = strings.TrimSuffix(rootURL, "/")
	}
}

// WithPendingRetryAfter sets the Retry-After of pending responses
func WithPendingRetryAfter(d time.Duration) ServiceOption {
	return func(s *PaywallService) {
		if d > 0 {
			s.pendingRetryAfter = d
		}
	}
}

// WithPaywall renders HTML 402 pages for browsers
func WithPaywall(provider PaywallProvider, config *PaywallConfig) ServiceOption {
	return func(s *PaywallService) {
		s.paywall = provider
		s.paywallConfig = config
	}
}

// WithServiceClock replaces time.Now
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *PaywallService) {
		s.now = now
	}
}

// WithServiceLogger sets the structured logger
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *PaywallService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPaywallService creates a paywall for routes
func NewPaywallService(routes RoutesConfig, issuer ChallengeBuilder, settler Settler, opts ...ServiceOption) (*PaywallService, error) {
	compiled, err := compileRoutes(routes)
	if err != nil {
		return nil, err
	}
	if issuer == nil || settler == nil {
		return nil, errors.New("x402: paywall needs a challenge issuer and a settler")
	}

	s := &PaywallService{
		routes:            compiled,
		issuer:            issuer,
		settler:           settler,
		headers:           DefaultHeaderNames(),
		pendingRetryAfter: DefaultPendingRetryAfter,
		now:               time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.challenges == nil {
		s.challenges = x402.NewMemoryChallengeStore(s.now)
	}
	return s, nil
}

// Headers returns the protocol header names in use
func (s *PaywallService) Headers() HeaderNames {
	return s.headers
}

// RequiresPayment reports whether a route pattern covers method and path
func (s *PaywallService) RequiresPayment(method, path string) bool {
	_, ok := s.match(method, path)
	return ok
}

func (s *PaywallService) match(method, path string) (compiledRoute, bool) {
	for _, r := range s.routes {
		if r.matches(method, path) {
			return r, true
		}
	}
	return compiledRoute{}, false
}

// ProcessHTTPRequest runs the paywall for one request
func (s *PaywallService) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) HTTPProcessResult {
	route, ok := s.match(reqCtx.Method, reqCtx.Path)
	if !ok {
		return HTTPProcessResult{Type: ResultNoPaymentRequired}
	}

	adapter := reqCtx.Adapter
	identity := adapter.ClientIdentity()
	rc := s.requestContext(reqCtx, route)

	paymentHeader := strings.TrimSpace(adapter.GetHeader(s.headers.Payment))
	if paymentHeader == "" {
		if result, limited := s.throttle(ScopeChallenge, identity, s.challengeRule); limited {
			return result
		}
		return s.paymentRequired(ctx, reqCtx, route, rc, "payment required", nil)
	}

	if result, limited := s.throttle(ScopeSettlement, identity, s.settlementRule); limited {
		return result
	}

	echoed, err := x402.ParseChallenge(adapter.GetHeader(s.headers.Challenge))
	if err != nil {
		return s.malformed(err)
	}
	payment, err := x402.ParsePayload(paymentHeader)
	if err != nil {
		return s.malformed(err)
	}

	issued, found, err := s.challenges.Load(ctx, echoed.ChallengeID)
	if err != nil {
		s.logger.Error("challenge store load failed", "challengeId", echoed.ChallengeID, "error", err)
		return s.pending(x402.SettlementDecision{Status: x402.StatusPending, Reason: x402.ReasonStoreUnavailable})
	}
	if !found {
		reason := x402.ReasonUnknownChallenge
		if echoed.Expired(s.now()) {
			reason = x402.ReasonChallengeExpired
		}
		return s.rejected(ctx, reqCtx, route, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: reason}, true)
	}
	if !issued.Equal(echoed) {
		return s.rejected(ctx, reqCtx, route, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: x402.ReasonChallengeMismatch}, true)
	}
	if expected, err := x402.ComputeContextHash(rc); err != nil || expected != issued.ContextHash {
		return s.rejected(ctx, reqCtx, route, rc, x402.SettlementDecision{Status: x402.StatusRejected, Reason: x402.ReasonContextMismatch}, true)
	}

	decision, err := s.settler.Settle(ctx, x402.SettleRequest{
		Challenge:        issued,
		Payment:          payment,
		SettlementTxHash: adapter.GetHeader(s.headers.SettlementTx),
	})
	if err != nil {
		return s.malformed(err)
	}

	switch {
	case decision.Replayed:
		// The payment already unlocked this resource once
		replay := x402.SettlementDecision{Status: x402.StatusRejected, TxHash: decision.TxHash, Reason: x402.ReasonReplayDetected}
		return s.rejected(ctx, reqCtx, route, rc, replay, true)
	case decision.GrantsAccess():
		s.metrics.MustIncrement(metrics.PaymentVerified)
		header, err := EncodeSettlementHeader(decision)
		if err != nil {
			return s.internalError(err)
		}
		return HTTPProcessResult{
			Type:      ResultPaymentVerified,
			Response:  &HTTPResponseInstructions{Status: http.StatusOK, Headers: map[string]string{SettlementHeader: header}},
			Challenge: &issued,
			Payment:   &payment,
			Decision:  &decision,
		}
	case decision.Status == x402.StatusPending:
		result := s.pending(decision)
		result.Challenge = &issued
		result.Payment = &payment
		return result
	default:
		return s.rejected(ctx, reqCtx, route, rc, decision, false)
	}
}

// requestContext is what a challenge for this request is bound to
func (s *PaywallService) requestContext(reqCtx HTTPRequestContext, route compiledRoute) x402.RequestContext {
	resource := reqCtx.Adapter.GetURL()
	if s.resourceRootURL != "" {
		resource = s.resourceRootURL + reqCtx.Path
	}

	params := make(map[string]interface{})
	for key, values := range reqCtx.Adapter.GetQuery() {
		params[key] = values
	}

	return x402.RequestContext{
		Resource: resource,
		Route:    route.pattern,
		Method:   reqCtx.Method,
		Params:   params,
	}
}

func (s *PaywallService) throttle(scope, identity string, rule ratelimit.Rule) (HTTPProcessResult, bool) {
	if s.limiter == nil {
		return HTTPProcessResult{}, false
	}
	d := s.limiter.Consume(scope, identity, rule)
	if d.Allowed {
		return HTTPProcessResult{}, false
	}

	s.metrics.MustIncrement(metrics.RateLimited)
	s.logger.Warn("rate limited", "scope", scope, "identity", identity, "retryAfterSeconds", d.RetryAfterSeconds)
	return HTTPProcessResult{
		Type: ResultPaymentError,
		Response: &HTTPResponseInstructions{
			Status:  http.StatusTooManyRequests,
			Headers: map[string]string{"Retry-After": strconv.Itoa(d.RetryAfterSeconds)},
			Body: ErrorResponse{
				Error:             x402.ErrCodeRateLimited,
				Message:           fmt.Sprintf("too many %s requests", scope),
				RetryAfterSeconds: d.RetryAfterSeconds,
			},
		},
	}, true
}

// paymentRequired issues a fresh challenge and answers 402
func (s *PaywallService) paymentRequired(ctx context.Context, reqCtx HTTPRequestContext, route compiledRoute, rc x402.RequestContext, message string, decision *x402.SettlementDecision) HTTPProcessResult {
	challenge, err := s.issuer.BuildChallenge(route.config.Recipient, route.config.Token, route.config.MinAmount, rc)
	if err != nil {
		return s.internalError(err)
	}
	if err := s.challenges.Save(ctx, challenge); err != nil {
		s.logger.Error("challenge store save failed", "challengeId", challenge.ChallengeID, "error", err)
		return HTTPProcessResult{
			Type: ResultPaymentError,
			Response: &HTTPResponseInstructions{
				Status: http.StatusServiceUnavailable,
				Body:   ErrorResponse{Error: x402.ReasonStoreUnavailable, Message: "cannot issue challenge"},
			},
		}
	}
	encoded, err := x402.EncodeChallenge(challenge)
	if err != nil {
		return s.internalError(err)
	}
	s.metrics.MustIncrement(metrics.PaywallRequired)

	response := &HTTPResponseInstructions{
		Status:  http.StatusPaymentRequired,
		Headers: map[string]string{s.headers.Challenge: encoded},
		Body:    PaymentRequiredResponse{Error: message, Challenge: challenge, Decision: decision},
	}
	if s.paywall != nil && isWebBrowser(reqCtx.Adapter) {
		response.IsHTML = true
		response.Headers["Content-Type"] = "text/html"
		response.Body = s.paywall.GenerateHTML(challenge, route.config, s.paywallConfig)
	}
	return HTTPProcessResult{Type: ResultPaymentError, Response: response, Challenge: &challenge, Decision: decision}
}

// rejected answers a rejected decision with a fresh challenge
func (s *PaywallService) rejected(ctx context.Context, reqCtx HTTPRequestContext, route compiledRoute, rc x402.RequestContext, decision x402.SettlementDecision, count bool) HTTPProcessResult {
	if count {
		s.metrics.MustIncrement(metrics.PaymentRejected)
		s.logger.Warn("payment rejected", "reason", decision.Reason, "path", reqCtx.Path)
	}
	return s.paymentRequired(ctx, reqCtx, route, rc, decision.Reason, &decision)
}

func (s *PaywallService) pending(decision x402.SettlementDecision) HTTPProcessResult {
	retryAfter := int((s.pendingRetryAfter + time.Second - 1) / time.Second)
	return HTTPProcessResult{
		Type: ResultPaymentPending,
		Response: &HTTPResponseInstructions{
			Status:  http.StatusAccepted,
			Headers: map[string]string{"Retry-After": strconv.Itoa(retryAfter)},
			Body:    decision,
		},
		Decision: &decision,
	}
}

func (s *PaywallService) malformed(err error) HTTPProcessResult {
	s.metrics.MustIncrement(metrics.PaymentMalformed)

	body := ErrorResponse{Error: x402.ErrCodeMalformedPayload, Message: err.Error()}
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		body = ErrorResponse{Error: pe.Code, Message: pe.Message, Details: pe.Details}
	}
	return HTTPProcessResult{
		Type:     ResultPaymentError,
		Response: &HTTPResponseInstructions{Status: http.StatusBadRequest, Body: body},
	}
}

func (s *PaywallService) internalError(err error) HTTPProcessResult {
	s.logger.Error("paywall failure", "error", err)
	return HTTPProcessResult{
		Type: ResultPaymentError,
		Response: &HTTPResponseInstructions{
			Status: http.StatusInternalServerError,
			Body:   ErrorResponse{Error: "internal_error"},
		},
	}
}

func isWebBrowser(adapter HTTPAdapter) bool {
	return strings.Contains(adapter.GetAcceptHeader(), "text/html") &&
		strings.Contains(adapter.GetUserAgent(), "Mozilla")
}

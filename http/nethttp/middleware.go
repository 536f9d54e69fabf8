// Package nethttp mounts the x402 paywall on standard library handlers.
package nethttp

import (
	"context"
	"net/http"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
)

type contextKey struct{}

// DecisionFromContext returns the settlement decision that admitted the request
func DecisionFromContext(ctx context.Context) (x402.SettlementDecision, bool) {
	d, ok := ctx.Value(contextKey{}).(x402.SettlementDecision)
	return d, ok
}

// Options configures PaymentMiddleware
type Options struct {
	// TrustForwardedFor keys rate limiting on X-Forwarded-For instead of RemoteAddr
	TrustForwardedFor bool
}

// Option is a functional option for PaymentMiddleware
type Option func(*Options)

// WithTrustForwardedFor keys rate limiting on the first X-Forwarded-For address
func WithTrustForwardedFor(trust bool) Option {
	return func(o *Options) {
		o.TrustForwardedFor = trust
	}
}

// PaymentMiddleware guards the routes of service in front of next.
// Settled requests reach next with the settlement header already set.
func PaymentMiddleware(service *x402http.PaywallService, opts ...Option) func(http.Handler) http.Handler {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ""
			if options.TrustForwardedFor {
				identity = ForwardedFor(r)
			}
			adapter := NewRequestAdapter(r, identity)

			result := service.ProcessHTTPRequest(r.Context(), x402http.HTTPRequestContext{
				Adapter: adapter,
				Path:    r.URL.Path,
				Method:  r.Method,
			})

			switch result.Type {
			case x402http.ResultNoPaymentRequired:
				next.ServeHTTP(w, r)
			case x402http.ResultPaymentVerified:
				for k, v := range result.Response.Headers {
					w.Header().Set(k, v)
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, *result.Decision)))
			default:
				x402http.WriteResponse(w, result.Response)
			}
		})
	}
}

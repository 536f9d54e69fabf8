// Package echo mounts the x402 paywall on an Echo server.
package echo

import (
	echofw "github.com/labstack/echo/v4"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
	"github.com/shieldpay/x402/http/nethttp"
)

// DecisionKey is the echo context key holding the admitting settlement decision
const DecisionKey = "x402.decision"

// PaymentMiddleware guards the routes of service.
// Rate limiting is keyed on c.RealIP(), which follows the server's IPExtractor.
func PaymentMiddleware(service *x402http.PaywallService) echofw.MiddlewareFunc {
	return func(next echofw.HandlerFunc) echofw.HandlerFunc {
		return func(c echofw.Context) error {
			req := c.Request()
			result := service.ProcessHTTPRequest(req.Context(), x402http.HTTPRequestContext{
				Adapter: nethttp.NewRequestAdapter(req, c.RealIP()),
				Path:    req.URL.Path,
				Method:  req.Method,
			})

			switch result.Type {
			case x402http.ResultNoPaymentRequired:
				return next(c)
			case x402http.ResultPaymentVerified:
				for k, v := range result.Response.Headers {
					c.Response().Header().Set(k, v)
				}
				c.Set(DecisionKey, *result.Decision)
				return next(c)
			default:
				return respond(c, result.Response)
			}
		}
	}
}

// Decision returns the settlement decision that admitted the request
func Decision(c echofw.Context) (x402.SettlementDecision, bool) {
	d, ok := c.Get(DecisionKey).(x402.SettlementDecision)
	return d, ok
}

func respond(c echofw.Context, r *x402http.HTTPResponseInstructions) error {
	for k, v := range r.Headers {
		c.Response().Header().Set(k, v)
	}
	if r.IsHTML {
		html, _ := r.Body.(string)
		return c.HTML(r.Status, html)
	}
	if r.Body == nil {
		return c.NoContent(r.Status)
	}
	return c.JSON(r.Status, r.Body)
}

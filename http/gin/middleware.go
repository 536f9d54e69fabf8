// Package gin mounts the x402 paywall on a Gin engine.
package gin

import (
	ginfw "github.com/gin-gonic/gin"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
	"github.com/shieldpay/x402/http/nethttp"
)

// DecisionKey is the gin context key holding the admitting settlement decision
const DecisionKey = "x402.decision"

// PaymentMiddleware guards the routes of service.
// Rate limiting is keyed on c.ClientIP(), which honors the engine's trusted proxies.
func PaymentMiddleware(service *x402http.PaywallService) ginfw.HandlerFunc {
	return func(c *ginfw.Context) {
		result := service.ProcessHTTPRequest(c.Request.Context(), x402http.HTTPRequestContext{
			Adapter: nethttp.NewRequestAdapter(c.Request, c.ClientIP()),
			Path:    c.Request.URL.Path,
			Method:  c.Request.Method,
		})

		switch result.Type {
		case x402http.ResultNoPaymentRequired:
			c.Next()
		case x402http.ResultPaymentVerified:
			for k, v := range result.Response.Headers {
				c.Header(k, v)
			}
			c.Set(DecisionKey, *result.Decision)
			c.Next()
		default:
			abort(c, result.Response)
		}
	}
}

// Decision returns the settlement decision that admitted the request
func Decision(c *ginfw.Context) (x402.SettlementDecision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return x402.SettlementDecision{}, false
	}
	d, ok := v.(x402.SettlementDecision)
	return d, ok
}

func abort(c *ginfw.Context, r *x402http.HTTPResponseInstructions) {
	for k, v := range r.Headers {
		c.Header(k, v)
	}
	if r.IsHTML {
		html, _ := r.Body.(string)
		c.Abort()
		c.Data(r.Status, "text/html; charset=utf-8", []byte(html))
		return
	}
	if r.Body == nil {
		c.AbortWithStatus(r.Status)
		return
	}
	c.AbortWithStatusJSON(r.Status, r.Body)
}


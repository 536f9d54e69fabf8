package http

import (
	"bytes"
	"html/template"
	"strings"

	x402 "github.com/shieldpay/x402"
)

// ============================================================================
// Paywall Provider Interfaces
// ============================================================================

// PaywallConfig customizes browser-facing 402 pages
type PaywallConfig struct {
	AppName string
	AppLogo string
	// WalletURL, when set, receives the encoded challenge in a "challenge" query parameter
	WalletURL string
}

// PaywallProvider generates HTML for browser-facing 402 responses
type PaywallProvider interface {
	GenerateHTML(challenge x402.Challenge, route RouteConfig, config *PaywallConfig) string
}

// PaywallProviderFunc adapts a function to PaywallProvider
type PaywallProviderFunc func(challenge x402.Challenge, route RouteConfig, config *PaywallConfig) string

func (f PaywallProviderFunc) GenerateHTML(challenge x402.Challenge, route RouteConfig, config *PaywallConfig) string {
	return f(challenge, route, config)
}

// ============================================================================
// Built-in template
// ============================================================================

const paywallTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Payment Required{{if .AppName}} | {{.AppName}}{{end}}</title>
</head>
<body>
<main>
{{if .AppLogo}}<img src="{{.AppLogo}}" alt="{{.AppName}}">{{end}}
<h1>Payment Required</h1>
{{if .AppName}}<p class="app">{{.AppName}}</p>{{end}}
{{if .Description}}<p class="description">{{.Description}}</p>{{end}}
<dl>
<dt>Amount</dt><dd>{{.Challenge.MinAmount}} {{.Challenge.Token}}</dd>
<dt>Network</dt><dd>{{.Challenge.Network}}</dd>
<dt>Recipient</dt><dd><code>{{.Challenge.Recipient}}</code></dd>
<dt>Expires</dt><dd>{{.Expires}}</dd>
</dl>
{{if .WalletURL}}<p><a href="{{.WalletURL}}">Pay with wallet</a></p>{{end}}
<script id="x402-challenge" type="application/json">{{.Challenge}}</script>
</main>
</body>
</html>
`

var defaultPaywall = template.Must(template.New("paywall").Parse(paywallTemplate))

type paywallData struct {
	AppName     string
	AppLogo     string
	Description string
	Challenge   x402.Challenge
	Expires     string
	WalletURL   string
}

// DefaultPaywallProvider renders a minimal page describing the challenge
func DefaultPaywallProvider() PaywallProvider {
	return PaywallProviderFunc(renderDefaultPaywall)
}

func renderDefaultPaywall(challenge x402.Challenge, route RouteConfig, config *PaywallConfig) string {
	data := paywallData{
		Description: route.Description,
		Challenge:   challenge,
		Expires:     challenge.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST"),
	}
	if config != nil {
		data.AppName = config.AppName
		data.AppLogo = config.AppLogo
		if config.WalletURL != "" {
			encoded, err := x402.EncodeChallenge(challenge)
			if err == nil {
				sep := "?"
				if strings.Contains(config.WalletURL, "?") {
					sep = "&"
				}
				data.WalletURL = config.WalletURL + sep + "challenge=" + template.URLQueryEscaper(encoded)
			}
		}
	}

	var buf bytes.Buffer
	if err := defaultPaywall.Execute(&buf, data); err != nil {
		return "<html><body>Payment Required</body></html>"
	}
	return buf.String()
}

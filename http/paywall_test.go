package http

import (
	"strings"
	"testing"
	"time"

	x402 "github.com/shieldpay/x402"
)

func paywallChallenge() x402.Challenge {
	return x402.Challenge{
		Version:     x402.X402Version,
		Scheme:      x402.SchemeShielded,
		ChallengeID: "ch-1",
		Network:     "starknet:sepolia",
		Token:       "STRK",
		MinAmount:   "1000",
		Recipient:   "0xabc",
		ContextHash: strings.Repeat("a", 64),
		ExpiresAt:   time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		Facilitator: "facilitator.example",
	}
}

func TestDefaultPaywallProvider(t *testing.T) {
	html := DefaultPaywallProvider().GenerateHTML(paywallChallenge(), RouteConfig{Description: "Weather <b>data</b>"}, &PaywallConfig{AppName: "Weather"})

	for _, want := range []string{
		"Payment Required",
		"Weather",
		"1000 STRK",
		"starknet:sepolia",
		"2026-03-01 12:05:00 UTC",
		`id="x402-challenge"`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("Expected HTML to contain %q", want)
		}
	}
	if strings.Contains(html, "<b>data</b>") {
		t.Error("Expected description to be escaped")
	}
}

func TestDefaultPaywallProviderNilConfig(t *testing.T) {
	html := DefaultPaywallProvider().GenerateHTML(paywallChallenge(), RouteConfig{}, nil)
	if !strings.Contains(html, "Payment Required") {
		t.Error("Expected default page without config")
	}
	if strings.Contains(html, "Pay with wallet") {
		t.Error("Expected no wallet link without WalletURL")
	}
}

func TestDefaultPaywallProviderWalletLink(t *testing.T) {
	html := DefaultPaywallProvider().GenerateHTML(paywallChallenge(), RouteConfig{}, &PaywallConfig{WalletURL: "https://wallet.example/pay?src=x402"})
	if !strings.Contains(html, "https://wallet.example/pay?src=x402&amp;challenge=") {
		t.Errorf("Expected wallet link with encoded challenge, got:\n%s", html)
	}
}

func TestPaywallProviderFunc(t *testing.T) {
	var got x402.Challenge
	provider := PaywallProviderFunc(func(c x402.Challenge, _ RouteConfig, _ *PaywallConfig) string {
		got = c
		return "<html>custom</html>"
	})

	if html := provider.GenerateHTML(paywallChallenge(), RouteConfig{}, nil); html != "<html>custom</html>" {
		t.Errorf("Expected custom HTML, got %s", html)
	}
	if got.ChallengeID != "ch-1" {
		t.Errorf("Expected challenge passed through, got %s", got.ChallengeID)
	}
}

// Package http provides the HTTP transport of the x402 protocol.
// This includes the paying client transport, the framework-agnostic paywall
// service and the metrics endpoints.
package http

import (
	"context"
	"io"
	"net/http"

	x402 "github.com/shieldpay/x402"
)

// ============================================================================
// Convenience functions
// ============================================================================

// WrapClient wraps a standard HTTP client with x402 payment handling
func WrapClient(client *http.Client, provider x402.ProofProvider, payerAddress string, opts ...ClientOption) *http.Client {
	return WrapHTTPClientWithPayment(client, provider, payerAddress, opts...)
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, provider x402.ProofProvider, payerAddress string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return PerformWithPayment(ctx, nil, req, provider, payerAddress, "")
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url, contentType string, body io.Reader, provider x402.ProofProvider, payerAddress string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return PerformWithPayment(ctx, nil, req, provider, payerAddress, "")
}

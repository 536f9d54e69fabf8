package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/shieldpay/x402"
)

// maxDrainBytes bounds how much of a discarded 402 body is read to reuse the connection
const maxDrainBytes = 64 * 1024

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// ClientOption configures a PaymentRoundTripper
type ClientOption func(*PaymentRoundTripper)

// WithClientHeaderNames overrides the protocol header names
func WithClientHeaderNames(h HeaderNames) ClientOption {
	return func(t *PaymentRoundTripper) {
		t.Headers = h.withDefaults()
	}
}

// WithPaymentAmount pays amount instead of each challenge's minimum
func WithPaymentAmount(amount string) ClientOption {
	return func(t *PaymentRoundTripper) {
		t.Amount = amount
	}
}

// WithTransport sets the underlying transport
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(t *PaymentRoundTripper) {
		t.Transport = rt
	}
}

// NewPaymentRoundTripper creates a round tripper that pays challenges with provider
func NewPaymentRoundTripper(provider x402.ProofProvider, payerAddress string, opts ...ClientOption) *PaymentRoundTripper {
	t := &PaymentRoundTripper{
		Transport:    http.DefaultTransport,
		Provider:     provider,
		PayerAddress: payerAddress,
		Headers:      DefaultHeaderNames(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WrapHTTPClientWithPayment wraps a standard HTTP client with x402 payment handling.
// The returned client is a copy; the original is left untouched.
func WrapHTTPClientWithPayment(client *http.Client, provider x402.ProofProvider, payerAddress string, opts ...ClientOption) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = NewPaymentRoundTripper(provider, payerAddress, append([]ClientOption{WithTransport(originalTransport)}, opts...)...)
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling.
//
// A paywalled request is issued at most twice: the original, then one retry
// carrying the echoed challenge and the payment payload. A second 402 is
// returned to the caller as-is.
type PaymentRoundTripper struct {
	Transport    http.RoundTripper
	Provider     x402.ProofProvider
	PayerAddress string
	// Amount overrides the challenge minimum when set
	Amount  string
	Headers HeaderNames
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	headers := t.Headers.withDefaults()

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	first := req.Clone(ctx)
	if first.Body, err = body(); err != nil {
		return nil, err
	}

	resp, err := transport.RoundTrip(first)
	if err != nil {
		return nil, err
	}

	// If not 402, return as-is
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	rawChallenge := resp.Header.Get(headers.Challenge)
	challenge, err := x402.ParseChallenge(rawChallenge)
	if err != nil {
		discard(resp)
		return nil, err
	}

	// The challenge is in hand; the 402 body is not needed anymore
	discard(resp)

	payload, proof, err := x402.PayChallenge(ctx, t.Provider, challenge, t.PayerAddress, t.Amount)
	if err != nil {
		return nil, err
	}
	encodedPayload, err := x402.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Create new request with payment headers
	paymentReq := req.Clone(ctx)
	if paymentReq.Body, err = body(); err != nil {
		return nil, err
	}
	paymentReq.Header.Set(headers.Challenge, rawChallenge)
	paymentReq.Header.Set(headers.Payment, encodedPayload)
	if proof.SettlementTxHash != "" {
		paymentReq.Header.Set(headers.SettlementTx, proof.SettlementTxHash)
	}

	// Retry with payment, exactly once
	return transport.RoundTrip(paymentReq)
}

// replayableBody returns a factory producing fresh copies of the request body.
// Bodies without GetBody are read once into memory.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func() (io.ReadCloser, error) { return http.NoBody, nil }, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func discard(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	resp.Body.Close()
}

// ============================================================================
// Convenience Methods
// ============================================================================

// PerformWithPayment issues req through client, paying a 402 challenge with
// provider. amount may be empty to pay each challenge's minimum.
func PerformWithPayment(ctx context.Context, client *http.Client, req *http.Request, provider x402.ProofProvider, payerAddress, amount string) (*http.Response, error) {
	var opts []ClientOption
	if amount != "" {
		opts = append(opts, WithPaymentAmount(amount))
	}
	return WrapHTTPClientWithPayment(client, provider, payerAddress, opts...).Do(req.WithContext(ctx))
}

// SettlementFromResponse extracts the settlement decision a paywall attached to resp
func SettlementFromResponse(resp *http.Response) (x402.SettlementDecision, bool, error) {
	header := resp.Header.Get(SettlementHeader)
	if header == "" {
		return x402.SettlementDecision{}, false, nil
	}
	d, err := DecodeSettlementHeader(header)
	if err != nil {
		return x402.SettlementDecision{}, true, err
	}
	return d, true, nil
}

package nethttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/shieldpay/x402"
	x402http "github.com/shieldpay/x402/http"
)

func newTestService(t *testing.T) *x402http.PaywallService {
	t.Helper()
	issuer := x402.NewChallengeIssuer("starknet:sepolia", "facilitator.example")
	executor, err := x402.NewSettlementExecutor()
	require.NoError(t, err)

	service, err := x402http.NewPaywallService(x402http.RoutesConfig{
		"GET /premium": {Recipient: "0xabc", Token: "STRK", MinAmount: "100"},
	}, issuer, executor)
	require.NoError(t, err)
	return service
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/premium", func(w http.ResponseWriter, r *http.Request) {
		d, ok := DecisionFromContext(r.Context())
		if !ok {
			t.Error("Expected decision in request context")
		}
		io.WriteString(w, "premium:"+d.TxHash)
	})
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "free")
	})

	srv := httptest.NewServer(PaymentMiddleware(newTestService(t))(mux))
	t.Cleanup(srv.Close)
	return srv
}

func payer(txHash string) x402.ProofProvider {
	return x402.ProofProviderFunc(func(_ context.Context, req x402.ProofRequest) (x402.ProofResult, error) {
		return x402.ProofResult{Proof: "sig", SettlementTxHash: txHash}, nil
	})
}

func TestPaymentMiddlewareFreeRoute(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/free")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "free", string(body))
}

func TestPaymentMiddlewareChallenge(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	c, err := x402.ParseChallenge(resp.Header.Get(x402http.DefaultChallengeHeader))
	require.NoError(t, err)
	assert.Equal(t, "100", c.MinAmount)
	assert.Equal(t, "0xabc", c.Recipient)
}

func TestPaymentMiddlewareEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	resp, err := x402http.WrapClient(srv.Client(), payer("0xfeed"), "0xpayer").Get(srv.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "premium:0xfeed", string(body))

	decision, ok, err := x402http.SettlementFromResponse(resp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, x402.StatusSettled, decision.Status)
}

func TestPaymentMiddlewareMissingTxHash(t *testing.T) {
	srv := newTestServer(t)

	resp, err := x402http.WrapClient(srv.Client(), payer(""), "0xpayer").Get(srv.URL + "/premium")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body x402http.PaymentRequiredResponse
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Decision)
	assert.Equal(t, x402.ReasonMissingTxHash, body.Decision.Reason)
}

func TestRequestAdapter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/premium?city=berlin", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	a := NewRequestAdapter(req, "")
	assert.Equal(t, "192.0.2.1", a.ClientIdentity())
	assert.Equal(t, "http://api.example.com/premium?city=berlin", a.GetURL())
	assert.Equal(t, "berlin", a.GetQuery().Get("city"))
	assert.Equal(t, "/premium", a.GetPath())
	assert.Equal(t, "203.0.113.9", ForwardedFor(req))

	assert.Equal(t, "203.0.113.9", NewRequestAdapter(req, ForwardedFor(req)).ClientIdentity())
}

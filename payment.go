package x402

import (
	"context"
	"fmt"
)

// PayChallenge asks provider for a proof satisfying c and wraps it in a
// payment payload. amount may be empty to pay the challenge minimum.
func PayChallenge(ctx context.Context, provider ProofProvider, c Challenge, payerAddress, amount string) (PaymentPayload, ProofResult, error) {
	if amount == "" {
		amount = c.MinAmount
	}

	proof, err := provider.CreateProof(ctx, ProofRequest{
		Challenge:    c,
		PayerAddress: payerAddress,
		Amount:       amount,
		ContextHash:  c.ContextHash,
	})
	if err != nil {
		return PaymentPayload{}, ProofResult{}, fmt.Errorf("failed to create payment proof: %w", err)
	}

	opts := []PayloadOption{WithAmount(amount)}
	if proof.ReplayKey != "" {
		opts = append(opts, WithReplayKey(proof.ReplayKey))
	}
	if proof.Nonce != "" {
		opts = append(opts, WithNonce(proof.Nonce))
	}
	payload, err := BuildPayload(c, payerAddress, proof.Proof, opts...)
	if err != nil {
		return PaymentPayload{}, ProofResult{}, err
	}
	return payload, proof, nil
}

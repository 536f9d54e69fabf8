package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	x402 "github.com/shieldpay/x402"
)

// ChallengeStore implements x402.ChallengeStore on Redis. Entries expire with
// the challenge they hold.
type ChallengeStore struct {
	client Client
	prefix string
	now    x402.Clock
}

// NewChallengeStore creates a challenge store over client. now may be nil.
func NewChallengeStore(client Client, now x402.Clock) *ChallengeStore {
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{client: client, prefix: DefaultKeyPrefix, now: now}
}

func (s *ChallengeStore) key(id string) string {
	return s.prefix + "challenge:" + id
}

// Save implements x402.ChallengeStore
func (s *ChallengeStore) Save(ctx context.Context, c x402.Challenge) error {
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return s.client.Set(ctx, s.key(c.ChallengeID), data, ttl).Err()
}

// Load implements x402.ChallengeStore
func (s *ChallengeStore) Load(ctx context.Context, id string) (x402.Challenge, bool, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return x402.Challenge{}, false, nil
	}
	if err != nil {
		return x402.Challenge{}, false, err
	}

	var c x402.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return x402.Challenge{}, false, fmt.Errorf("corrupt challenge %s: %w", id, err)
	}
	if c.Expired(s.now()) {
		return x402.Challenge{}, false, nil
	}
	return c, true, nil
}

var _ x402.ChallengeStore = (*ChallengeStore)(nil)

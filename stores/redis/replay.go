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

// DefaultInFlightTTL bounds how long a crashed attempt can hold a replay key
const DefaultInFlightTTL = 30 * time.Second

// ReplayStore implements x402.ReplayStore on Redis.
//
// Keys:
//
//	<prefix>replay:inflight:<replayKey>  reservation, SETNX with DefaultInFlightTTL
//	<prefix>replay:consumed:<replayKey>  JSON ReplayRecord, kept for the retention
//	<prefix>replay:tx:<txHash>           replay key the transaction backs
type ReplayStore struct {
	client      Client
	prefix      string
	retention   time.Duration
	inFlightTTL time.Duration
	now         x402.Clock
}

// ReplayOption configures a ReplayStore
type ReplayOption func(*ReplayStore)

// WithReplayRetention sets how long consumed keys are remembered
func WithReplayRetention(d time.Duration) ReplayOption {
	return func(s *ReplayStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithInFlightTTL sets the reservation lease
func WithInFlightTTL(d time.Duration) ReplayOption {
	return func(s *ReplayStore) {
		if d > 0 {
			s.inFlightTTL = d
		}
	}
}

// WithReplayPrefix overrides DefaultKeyPrefix
func WithReplayPrefix(prefix string) ReplayOption {
	return func(s *ReplayStore) {
		s.prefix = prefix
	}
}

// WithReplayClock replaces time.Now for SettledAt stamps
func WithReplayClock(now x402.Clock) ReplayOption {
	return func(s *ReplayStore) {
		s.now = now
	}
}

// NewReplayStore creates a replay store over client
func NewReplayStore(client Client, opts ...ReplayOption) *ReplayStore {
	s := &ReplayStore{
		client:      client,
		prefix:      DefaultKeyPrefix,
		retention:   x402.DefaultReplayRetention,
		inFlightTTL: DefaultInFlightTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ReplayStore) inFlightKey(replayKey string) string {
	return s.prefix + "replay:inflight:" + replayKey
}

func (s *ReplayStore) consumedKey(replayKey string) string {
	return s.prefix + "replay:consumed:" + replayKey
}

func (s *ReplayStore) txKey(txHash string) string {
	return s.prefix + "replay:tx:" + txHash
}

// Reserve implements x402.ReplayStore
func (s *ReplayStore) Reserve(ctx context.Context, replayKey string) (x402.ReplayStatus, *x402.ReplayRecord, error) {
	if rec, err := s.consumed(ctx, replayKey); err != nil || rec != nil {
		return x402.ReplayConsumed, rec, err
	}

	ok, err := s.client.SetNX(ctx, s.inFlightKey(replayKey), "1", s.inFlightTTL).Result()
	if err != nil {
		return x402.ReplayInFlight, nil, err
	}
	if !ok {
		return x402.ReplayInFlight, nil, nil
	}

	// A holder may have committed between the first read and SETNX
	rec, err := s.consumed(ctx, replayKey)
	if err != nil || rec != nil {
		s.client.Del(ctx, s.inFlightKey(replayKey))
		return x402.ReplayConsumed, rec, err
	}
	return x402.ReplayReserved, nil, nil
}

// Commit implements x402.ReplayStore
func (s *ReplayStore) Commit(ctx context.Context, record x402.ReplayRecord) error {
	if record.SettledAt.IsZero() {
		record.SettledAt = s.now().UTC()
	}

	if record.TxHash != "" {
		bound, err := s.client.SetNX(ctx, s.txKey(record.TxHash), record.ReplayKey, s.retention).Result()
		if err != nil {
			return err
		}
		if !bound {
			owner, err := s.client.Get(ctx, s.txKey(record.TxHash)).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return err
			}
			if owner != record.ReplayKey {
				return x402.ErrTxHashConsumed
			}
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal replay record: %w", err)
	}
	if err := s.client.Set(ctx, s.consumedKey(record.ReplayKey), data, s.retention).Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, s.inFlightKey(record.ReplayKey)).Err()
}

// Release implements x402.ReplayStore
func (s *ReplayStore) Release(ctx context.Context, replayKey string) error {
	return s.client.Del(ctx, s.inFlightKey(replayKey)).Err()
}

func (s *ReplayStore) consumed(ctx context.Context, replayKey string) (*x402.ReplayRecord, error) {
	data, err := s.client.Get(ctx, s.consumedKey(replayKey)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec x402.ReplayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt replay record %s: %w", replayKey, err)
	}
	return &rec, nil
}

var _ x402.ReplayStore = (*ReplayStore)(nil)

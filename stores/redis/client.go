// Package redis keeps replay and challenge state in Redis or Valkey so several
// paywall instances share one view of consumed payments.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

// DefaultKeyPrefix namespaces every key written by the stores
const DefaultKeyPrefix = "x402:"

var (
	ErrNoURL  = errors.New("redis store: no URL defined")
	ErrBadURL = errors.New("redis store: URL is invalid")
)

// Client is satisfied by *goredis.Client and *goredis.ClusterClient.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// Config selects the Redis deployment
type Config struct {
	URL     string `json:"url"`
	Cluster bool   `json:"cluster,omitempty"`
}

// Valid reports whether the config can be dialed
func (c Config) Valid() error {
	if c.URL == "" {
		return ErrNoURL
	}
	if _, err := goredis.ParseURL(c.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	return nil
}

// Dial connects and pings the configured deployment
func Dial(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	opts, _ := goredis.ParseURL(cfg.URL)
	disabled := &maintnotifications.Config{Mode: maintnotifications.ModeDisabled}

	var client Client
	if cfg.Cluster {
		// The parsed address seeds cluster discovery
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:                    []string{opts.Addr},
			Username:                 opts.Username,
			Password:                 opts.Password,
			TLSConfig:                opts.TLSConfig,
			MaintNotificationsConfig: disabled,
		})
	} else {
		opts.MaintNotificationsConfig = disabled
		client = goredis.NewClient(opts)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping failed: %w", err)
	}
	return client, nil
}

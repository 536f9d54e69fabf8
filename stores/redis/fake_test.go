package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// fakeClient is an in-memory Client honoring expirations against a settable clock
type fakeClient struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     time.Time
	err     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeClient) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClient) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClient) liveLocked(key string) (string, bool) {
	v, ok := f.values[key]
	if !ok {
		return "", false
	}
	if exp, ok := f.expires[key]; ok && !f.now.Before(exp) {
		delete(f.values, key)
		delete(f.expires, key)
		return "", false
	}
	return v, true
}

func (f *fakeClient) setLocked(key string, value interface{}, ttl time.Duration) {
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	delete(f.expires, key)
	if ttl > 0 {
		f.expires[key] = f.now.Add(ttl)
	}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.liveLocked(key)
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	f.setLocked(key, value, ttl)
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewBoolResult(false, f.err)
	}
	if _, ok := f.liveLocked(key); ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.setLocked(key, value, ttl)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.liveLocked(k); ok {
			n++
		}
		delete(f.values, k)
		delete(f.expires, k)
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeClient) Ping(context.Context) *goredis.StatusCmd {
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	return goredis.NewStatusResult("PONG", nil)
}

var errConnRefused = errors.New("dial tcp: connection refused")

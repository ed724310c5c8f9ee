// Package ratelimit throttles inbound requests per client.
//
// Limiter is a sliding-window counter keyed by client identifier. State lives
// in process memory only; a deployment running several replicas enforces the
// limit per replica.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

// ErrRateLimitExceeded is returned by Err when a request was rejected.
var ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

const (
	DefaultWindow = time.Minute
	defaultShards = 32
)

// Decision is the outcome of Limiter.Allow.
type Decision struct {
	Allowed bool
	// Exempt is set when the path bypassed the limiter entirely.
	Exempt    bool
	Limit     int
	Remaining int
	// RetryAfter is advisory and always equals the window on rejection.
	RetryAfter time.Duration
}

// Err returns ErrRateLimitExceeded for a rejected decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrRateLimitExceeded
}

// Limiter admits at most limit requests per key within any window-long interval.
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock
	exempt map[string]struct{}
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the one-minute window.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithExemptPaths lists request paths that are never counted.
func WithExemptPaths(paths ...string) Option {
	return func(l *Limiter) {
		for _, p := range paths {
			if p = normalizePath(p); p != "" {
				l.exempt[p] = struct{}{}
			}
		}
	}
}

// WithShards sets the number of independently locked partitions.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// New returns a Limiter admitting limit requests per window for each key.
func New(limit int, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	l := &Limiter{
		limit:  limit,
		window: DefaultWindow,
		clock:  clock.New(),
		exempt: make(map[string]struct{}),
		shards: newShards(defaultShards),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{hits: make(map[string][]time.Time)}
	}
	return out
}

// Limit returns the configured number of requests per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window.
func (l *Limiter) Window() time.Duration { return l.window }

// Exempt reports whether path bypasses the limiter.
func (l *Limiter) Exempt(path string) bool {
	_, ok := l.exempt[normalizePath(path)]
	return ok
}

// Allow records a request from key to path if it fits in the window.
// Rejected requests are not recorded. Pruning, counting and recording happen
// under the key's shard lock, so concurrent requests never overshoot the limit.
func (l *Limiter) Allow(key, path string) Decision {
	if l.Exempt(path) {
		return Decision{Allowed: true, Exempt: true, Limit: l.limit, Remaining: l.limit}
	}
	now := l.clock.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.hits[key], now, l.window)
	if len(hits) >= l.limit {
		s.hits[key] = hits
		return Decision{Limit: l.limit, RetryAfter: l.window}
	}
	hits = append(hits, now)
	s.hits[key] = hits
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - len(hits)}
}

// Sweep drops keys with no requests left in the window and returns how many were dropped.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	dropped := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, hits := range s.hits {
			hits = prune(hits, now, l.window)
			if len(hits) == 0 {
				delete(s.hits, key)
				dropped++
				continue
			}
			s.hits[key] = hits
		}
		s.mu.Unlock()
	}
	return dropped
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.hits)
		s.mu.Unlock()
	}
	return n
}

// Run sweeps once per window until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// prune keeps the timestamps t with now-t < window. hits is ordered oldest first.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= window {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

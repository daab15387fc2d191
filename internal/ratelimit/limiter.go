// Package ratelimit throttles session starts and socket traffic per key.
package ratelimit

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/cache"
)

const (
	StartsPerMinute         = 10
	SocketMessagesPerMinute = 30
	AdminAttemptsPerHour    = 5
	MaxMessageSize          = 64 * 1024
)

// NewSocketLimiter limits the messages one notification socket may send.
func NewSocketLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(SocketMessagesPerMinute)/60.0), SocketMessagesPerMinute)
}

type Options struct {
	// Every is the interval between tokens, Burst the bucket size.
	Every time.Duration
	Burst int
	// MaxKeys bounds how many keys are tracked at once. The least recently
	// seen key is forgotten first.
	MaxKeys int
	Clock   quartz.Clock
	Logger  slog.Logger
}

// PerMinute returns options allowing n events per minute with a burst of n.
func PerMinute(n int) Options {
	return Options{Every: time.Minute / time.Duration(n), Burst: n}
}

// PerHour returns options allowing n events per hour with a burst of n.
func PerHour(n int) Options {
	return Options{Every: time.Hour / time.Duration(n), Burst: n}
}

// Keyed holds one token bucket per key, such as a user ID or a client IP.
type Keyed struct {
	clock quartz.Clock
	every time.Duration
	burst int

	mu      sync.Mutex
	buckets *cache.Cache[string, *rate.Limiter]
}

func NewKeyed(opts Options) *Keyed {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = 10000
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	// A bucket left alone for burst*every is full again and can be dropped.
	idle := opts.Every * time.Duration(opts.Burst)
	return &Keyed{
		clock: opts.Clock,
		every: opts.Every,
		burst: opts.Burst,
		buckets: cache.New[string, *rate.Limiter](cache.Options{
			MaxSize:         opts.MaxKeys,
			TTL:             idle,
			CleanupInterval: -1,
			Clock:           opts.Clock,
			Logger:          opts.Logger,
		}),
	}
}

// Allow takes one token for key. When none is available it returns false
// and how long until one is.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	now := k.clock.Now("ratelimit", "allow")

	k.mu.Lock()
	lim, ok := k.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(k.every), k.burst)
	}
	k.buckets.Set(key, lim)
	k.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, k.every
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (k *Keyed) Close() {
	k.buckets.Close()
}

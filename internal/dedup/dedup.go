// Package dedup collapses concurrent identical requests into one call whose
// result every caller shares.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"cdr.dev/slog/v3"
)

// DefaultTimeout is the age after which an in-flight call is considered
// wedged and a new caller starts a fresh one.
const DefaultTimeout = 30 * time.Second

type Options struct {
	Timeout time.Duration
	Clock   quartz.Clock
	Logger  slog.Logger
}

type pending struct {
	id        uint64
	startedAt time.Time
	callers   int
}

// Deduplicator shares one in-flight call per key. Completion, successful or
// not, removes the key so the next call starts fresh.
type Deduplicator[V any] struct {
	clock   quartz.Clock
	logger  slog.Logger
	timeout time.Duration

	group singleflight.Group

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pending
}

func New[V any](opts Options) *Deduplicator[V] {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Deduplicator[V]{
		clock:   opts.Clock,
		logger:  opts.Logger,
		timeout: opts.Timeout,
		pending: make(map[string]*pending),
	}
}

// Do runs fn for key unless a call for key is already in flight, in which case
// it waits for that call. fn runs detached from the caller's cancellation but
// bounded by the timeout; a caller whose ctx ends stops waiting without
// affecting the others.
func (d *Deduplicator[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	d.mu.Lock()
	p := d.pending[key]
	if p != nil && d.clock.Since(p.startedAt, "dedup", "stale") >= d.timeout {
		d.logger.Warn(ctx, "discarding stale in-flight request",
			slog.F("key", key),
			slog.F("age", d.clock.Since(p.startedAt)),
		)
		d.group.Forget(key)
		delete(d.pending, key)
		p = nil
	}
	if p == nil {
		d.nextID++
		p = &pending{id: d.nextID, startedAt: d.clock.Now("dedup", "start")}
		d.pending[key] = p
	}
	p.callers++
	id := p.id
	// DoChan only registers the call; holding mu across it keeps the pending
	// map and the singleflight group in step.
	ch := d.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		v, err := fn(callCtx)
		d.forget(key, id)
		return v, err
	})
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		p.callers--
		d.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		// A caller that arrived after fn returned but before the group
		// released key joined the finished call under a fresh id.
		d.forget(key, id)
		v, _ := res.Val.(V)
		return v, res.Err
	}
}

// forget drops the pending entry for key if it still belongs to call id.
func (d *Deduplicator[V]) forget(key string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[key]; ok && cur.id == id {
		delete(d.pending, key)
	}
}

// InFlight returns the number of keys with a call in progress.
func (d *Deduplicator[V]) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Waiters returns how many callers are attached to the call for key.
func (d *Deduplicator[V]) Waiters(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		return p.callers
	}
	return 0
}

// Package quota answers whether a user may start a session and repairs
// increments that the store of record failed to apply.
package quota

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/cache"
	"github.com/medlearn/simquota/internal/dedup"
	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/store"
)

// DefaultCacheTTL bounds how stale a cached decision may be when no change
// notification arrives.
const DefaultCacheTTL = 30 * time.Second

type Decision = plan.Decision

type EngineOptions struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer
	CacheSize  int
	CacheTTL   time.Duration
	// CacheCleanupInterval follows cache.Options.CleanupInterval.
	CacheCleanupInterval time.Duration
}

// Engine is read-only with respect to quota state: it never calls a
// mutating store method.
type Engine struct {
	store  store.Store
	logger slog.Logger
	clock  quartz.Clock

	cache     *cache.Cache[string, Decision]
	inflight  *dedup.Deduplicator[store.CanStartResult]
	decisions *prometheus.CounterVec
	// generation moves on every Invalidate. Reads that began under an older
	// generation are neither joined nor cached.
	generation atomic.Uint64
}

func NewEngine(s store.Store, opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	logger := opts.Logger.Named("quota")
	e := &Engine{
		store:  s,
		logger: logger,
		clock:  opts.Clock,
		cache: cache.New[string, Decision](cache.Options{
			MaxSize:         opts.CacheSize,
			TTL:             opts.CacheTTL,
			CleanupInterval: opts.CacheCleanupInterval,
			Clock:           opts.Clock,
			Logger:          logger,
		}),
		inflight: dedup.New[store.CanStartResult](dedup.Options{
			Clock:  opts.Clock,
			Logger: logger,
		}),
		decisions: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Access decisions by outcome. Allowed decisions carry reason \"allowed\".",
		}, []string{"reason", "source"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(cache.NewCollector("quota", e.cache))
	}
	return e
}

// CanStart never returns an error: if the store cannot be reached the
// decision is a denial with reason store_unavailable.
func (e *Engine) CanStart(ctx context.Context, userID string) Decision {
	if userID == "" {
		return e.observe(Decision{Reason: plan.ReasonNotAuthenticated}, "local")
	}
	if d, ok := e.cache.Get(userID); ok {
		return e.observe(d, "cache")
	}

	gen := e.generation.Load()
	key := "can_start:" + userID + ":" + strconv.FormatUint(gen, 10)
	res, err := e.inflight.Do(ctx, key, func(ctx context.Context) (store.CanStartResult, error) {
		return e.store.CanStartSimulation(ctx, userID)
	})
	if err != nil {
		e.logger.Warn(ctx, "quota read failed, denying", slog.F("user_id", userID), slog.Error(err))
		return e.observe(Decision{Reason: plan.ReasonStoreUnavailable}, "store")
	}

	d := e.fromResult(ctx, userID, res)
	if e.generation.Load() == gen {
		e.cache.Set(userID, d)
	}
	return e.observe(d, "store")
}

// fromResult re-derives the decision from the counters. A denial by the
// store always stands; an allow only stands if the counters agree.
func (e *Engine) fromResult(ctx context.Context, userID string, res store.CanStartResult) Decision {
	switch res.Reason {
	case plan.ReasonNoPlan, plan.ReasonNotAuthenticated:
		return Decision{Reason: res.Reason}
	}

	tier := res.Tier
	if tier == "" && res.IsTrial {
		tier = plan.TierTrial
	}
	d := plan.Decide(plan.Input{
		Tier:           tier,
		Total:          res.TotalSimulations,
		Used:           res.SimulationsUsed,
		TrialExpiresAt: res.TrialExpiresAt,
	}, e.clock.Now("quota", "decide"))

	switch {
	case !res.CanStart && d.Allowed:
		d.Allowed = false
		d.Reason = res.Reason
		if d.Reason == "" {
			d.Reason = plan.ReasonQuotaExceeded
		}
	case res.CanStart && !d.Allowed:
		e.logger.Warn(ctx, "store allowed a start its own counters forbid",
			slog.F("user_id", userID),
			slog.F("used", res.SimulationsUsed),
			slog.F("total", res.TotalSimulations),
			slog.F("reason", d.Reason),
		)
	}
	return d
}

func (e *Engine) observe(d Decision, source string) Decision {
	reason := string(d.Reason)
	if d.Allowed {
		reason = "allowed"
	}
	e.decisions.WithLabelValues(reason, source).Inc()
	return d
}

// Invalidate drops the cached decision for userID so the next CanStart reads
// the store.
func (e *Engine) Invalidate(userID string) {
	e.generation.Add(1)
	e.cache.Delete(userID)
}

func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

func (e *Engine) Close() {
	e.cache.Close()
}

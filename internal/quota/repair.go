package quota

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/store"
)

// DefaultGrace is how long the repairer lets asynchronous store work settle
// before it re-reads the counter.
const DefaultGrace = 500 * time.Millisecond

const maxRepairAttempts = 3

type RepairOptions struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer
	Grace      time.Duration
}

type RepairResult struct {
	Fixed     bool
	UsedCount int64
}

// Repairer compensates for a counted transition whose quota increment never
// landed. It only ever raises used_count to usedBefore+1 and only when the
// counter still reads exactly usedBefore, so repeated calls converge.
type Repairer struct {
	store   store.Store
	logger  slog.Logger
	clock   quartz.Clock
	grace   time.Duration
	repairs prometheus.Counter
}

func NewRepairer(s store.Store, opts RepairOptions) *Repairer {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Repairer{
		store:  s,
		logger: opts.Logger.Named("repair"),
		clock:  opts.Clock,
		grace:  opts.Grace,
		repairs: promauto.With(opts.Registerer).NewCounter(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "quota",
			Name:      "repairs_total",
			Help:      "Missing quota increments corrected after a counted session.",
		}),
	}
}

// VerifyAndFixQuota checks, after the grace interval, that used_count moved
// past usedBefore and raises it to usedBefore+1 if it did not.
func (r *Repairer) VerifyAndFixQuota(ctx context.Context, userID string, usedBefore int64) (RepairResult, error) {
	t := r.clock.NewTimer(r.grace, "repair", "grace")
	select {
	case <-ctx.Done():
		t.Stop()
		return RepairResult{}, ctx.Err()
	case <-t.C:
	}

	for attempt := 0; attempt < maxRepairAttempts; attempt++ {
		q, err := r.store.GetQuota(ctx, userID)
		if err != nil {
			return RepairResult{}, xerrors.Errorf("read quota: %w", err)
		}
		if q.UsedCount > usedBefore {
			return RepairResult{UsedCount: q.UsedCount}, nil
		}
		if q.UsedCount < usedBefore {
			// The period was reset after the session was counted.
			r.logger.Debug(ctx, "used_count below snapshot, not repairing",
				slog.F("user_id", userID),
				slog.F("observed", q.UsedCount),
				slog.F("used_before", usedBefore),
			)
			return RepairResult{UsedCount: q.UsedCount}, nil
		}

		next := usedBefore + 1
		ok, err := r.store.SetUsedCount(ctx, userID, q.UsedCount, next)
		if err != nil {
			return RepairResult{}, xerrors.Errorf("set used_count: %w", err)
		}
		if ok {
			r.repairs.Inc()
			r.logger.Warn(ctx, "quota increment was missing, corrected",
				slog.F("user_id", userID),
				slog.F("observed", q.UsedCount),
				slog.F("used_before", usedBefore),
				slog.F("used_count", next),
			)
			return RepairResult{Fixed: true, UsedCount: next}, nil
		}
		// Someone else wrote the counter between the read and the set.
	}
	return RepairResult{}, xerrors.Errorf("used_count for %s kept changing", userID)
}

// Package reconcile is the client-facing view of one user's quota. It keeps
// the authoritative access status, which is only ever taken from the
// decision engine, apart from an optimistic display counter, and refreshes
// the former whenever the store reports a change.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/quota"
	"github.com/medlearn/simquota/internal/session"
	"github.com/medlearn/simquota/internal/store"
)

// DeniedError carries the reason a session could not start.
type DeniedError = session.DeniedError

type Deps struct {
	UserID string
	// Store provides the change subscription.
	Store    store.Store
	Engine   *quota.Engine
	Sessions *session.Manager
	Repairer *quota.Repairer
}

type Options struct {
	Logger slog.Logger
	Clock  quartz.Clock
	Plans  plan.Table
	// AutoCount marks sessions counted once they reach the threshold,
	// without waiting for MarkCounted or EndSession.
	AutoCount bool
	// PollInterval > 0 adds a periodic refresh on top of notifications.
	PollInterval time.Duration
}

// Status is the authoritative access status. It never includes the
// optimistic display adjustment.
type Status struct {
	quota.Decision
	CheckedAt time.Time
}

type DisplayInfo struct {
	PlanName   string
	UsageText  string
	Used       int64
	Total      int64
	Remaining  int64
	Unlimited  bool
	CanUpgrade bool
}

type tracked struct {
	usedBefore int64
	stopCount  func() bool
}

type Layer struct {
	userID string
	deps   Deps
	logger slog.Logger
	clock  quartz.Clock
	plans  plan.Table
	auto   bool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	refresh     chan struct{}
	updates     chan Status
	wg          sync.WaitGroup
	closeOnce   sync.Once

	mu       sync.Mutex
	closed   bool
	status   Status
	sessions map[string]*tracked
	// displayUsed is the optimistic used count shown while a session is
	// running and the store has not confirmed its increment yet.
	displayUsed *int64
}

func New(ctx context.Context, deps Deps, opts Options) (*Layer, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Sessions == nil || deps.Repairer == nil {
		return nil, xerrors.New("reconcile: missing dependency")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Plans == nil {
		opts.Plans = plan.DefaultTable
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &Layer{
		userID:   deps.UserID,
		deps:     deps,
		logger:   opts.Logger.Named("reconcile").With(slog.F("user_id", deps.UserID)),
		clock:    opts.Clock,
		plans:    opts.Plans,
		auto:     opts.AutoCount,
		ctx:      ctx,
		cancel:   cancel,
		refresh:  make(chan struct{}, 1),
		updates:  make(chan Status, 1),
		sessions: make(map[string]*tracked),
	}

	unsubscribe, err := deps.Store.Subscribe(deps.UserID, func(_ context.Context, c store.Change) {
		l.logger.Debug(ctx, "change notification", slog.F("table", c.Table), slog.F("op", c.Op))
		l.signal()
	})
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("subscribe: %w", err)
	}
	l.unsubscribe = unsubscribe

	l.wg.Add(1)
	go l.refreshLoop()
	if opts.PollInterval > 0 {
		w := l.clock.TickerFunc(ctx, opts.PollInterval, func() error {
			l.signal()
			return nil
		}, "reconcile", "poll")
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			_ = w.Wait()
		}()
	}

	l.CheckAccess(ctx)
	return l, nil
}

func (l *Layer) signal() {
	select {
	case l.refresh <- struct{}{}:
	default:
	}
}

func (l *Layer) refreshLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.refresh:
			l.deps.Engine.Invalidate(l.userID)
			l.CheckAccess(l.ctx)
		}
	}
}

// CheckAccess asks the decision engine and stores the answer as the current
// status.
func (l *Layer) CheckAccess(ctx context.Context) Status {
	d := l.deps.Engine.CanStart(ctx, l.userID)
	st := Status{Decision: d, CheckedAt: l.clock.Now("reconcile", "check")}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return st
	}
	l.status = st
	if l.displayUsed != nil && st.Used >= *l.displayUsed {
		l.displayUsed = nil
	}
	// Latest wins: a slow reader only ever sees the newest status.
	select {
	case <-l.updates:
	default:
	}
	l.updates <- st
	l.mu.Unlock()
	return st
}

// Status returns the last authoritative status without a store round trip.
func (l *Layer) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Updates delivers every new status. The channel holds only the latest one.
func (l *Layer) Updates() <-chan Status {
	return l.updates
}

// StartSession checks access, then starts a session of kind. Refusals are
// returned as *DeniedError.
func (l *Layer) StartSession(ctx context.Context, kind store.SessionKind) (string, error) {
	st := l.CheckAccess(ctx)
	if !st.Allowed {
		return "", &DeniedError{Reason: st.Reason}
	}

	res, err := l.deps.Sessions.Start(ctx, l.userID, kind)
	if err != nil {
		var denied *DeniedError
		if xerrors.As(err, &denied) {
			l.signal()
		}
		return "", err
	}

	token := res.SessionToken
	t := &tracked{usedBefore: st.Used}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return token, nil
	}
	l.sessions[token] = t
	if !st.Unlimited {
		optimistic := st.Used + 1
		l.displayUsed = &optimistic
	}
	if l.auto {
		t.stopCount = l.deps.Sessions.AutoCount(l.ctx, l.userID, token, res.StartedAt, l.admit, func(mark store.MarkCountedResult, err error) {
			defer l.wg.Done()
			if err != nil {
				l.logger.Warn(l.ctx, "automatic count failed", slog.F("token", token), slog.Error(err))
				return
			}
			if mark.CountedNow() {
				l.afterCounted(token, t.usedBefore)
			}
		})
	}
	l.mu.Unlock()
	return token, nil
}

// admit registers a fired automatic count as background work, unless the
// layer is closing.
func (l *Layer) admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.wg.Add(1)
	return true
}

func (l *Layer) MarkCounted(ctx context.Context, token string) (store.MarkCountedResult, error) {
	usedBefore := l.Status().Used
	res, err := l.deps.Sessions.MarkCounted(ctx, l.userID, token)
	if err != nil {
		return res, err
	}
	if res.CountedNow() {
		l.afterCounted(token, usedBefore)
	}
	return res, nil
}

func (l *Layer) EndSession(ctx context.Context, token string) (store.EndResult, error) {
	return l.finish(ctx, token, l.deps.Sessions.End)
}

func (l *Layer) AbortSession(ctx context.Context, token string) (store.EndResult, error) {
	return l.finish(ctx, token, l.deps.Sessions.Abort)
}

func (l *Layer) finish(ctx context.Context, token string, fn func(context.Context, string, string) (store.EndResult, error)) (store.EndResult, error) {
	l.mu.Lock()
	if t, ok := l.sessions[token]; ok && t.stopCount != nil {
		t.stopCount()
	}
	usedBefore := l.status.Used
	l.mu.Unlock()

	res, err := fn(ctx, l.userID, token)
	if err != nil {
		return res, err
	}
	if res.CountedNow {
		l.afterCounted(token, usedBefore)
	}

	l.mu.Lock()
	delete(l.sessions, token)
	if !res.CountedTowardUsage {
		l.displayUsed = nil
	}
	l.mu.Unlock()
	l.signal()
	return res, nil
}

// afterCounted runs the repair check for a session that was just counted.
// The snapshot taken at start wins over usedBefore when this layer started
// the session.
func (l *Layer) afterCounted(token string, usedBefore int64) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if t, ok := l.sessions[token]; ok {
		usedBefore = t.usedBefore
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		res, err := l.deps.Repairer.VerifyAndFixQuota(l.ctx, l.userID, usedBefore)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn(l.ctx, "quota verification failed", slog.F("token", token), slog.Error(err))
			}
			return
		}
		if res.Fixed {
			l.signal()
		}
	}()
}

// GetDisplayInfo is for presentation only. Access decisions must use Status.
func (l *Layer) GetDisplayInfo() DisplayInfo {
	l.mu.Lock()
	st := l.status
	used := st.Used
	if l.displayUsed != nil && *l.displayUsed > used {
		used = *l.displayUsed
	}
	l.mu.Unlock()

	if st.Tier == "" {
		return DisplayInfo{
			PlanName:   "No plan",
			UsageText:  "No active plan",
			CanUpgrade: true,
		}
	}
	rule := l.plans.Rule(st.Tier)
	info := DisplayInfo{
		PlanName:   rule.DisplayName,
		Used:       used,
		Total:      st.Total,
		Unlimited:  st.Unlimited,
		CanUpgrade: rule.CanUpgrade,
	}
	switch {
	case st.Unlimited:
		info.Remaining = plan.Unlimited
		info.UsageText = fmt.Sprintf("%d simulations used, unlimited", used)
	case st.IsTrial && st.TrialExpired:
		info.Remaining = max(st.Total-used, 0)
		info.UsageText = "Trial expired"
	case st.IsTrial:
		info.Remaining = max(st.Total-used, 0)
		info.UsageText = fmt.Sprintf("%d of %d simulations used, %d days left in trial", used, st.Total, st.TrialDaysRemaining)
	default:
		info.Remaining = max(st.Total-used, 0)
		info.UsageText = fmt.Sprintf("%d of %d simulations used", used, st.Total)
	}
	return info
}

// Close cancels the subscription, stops pending automatic counts and waits
// for background work. Optimistic state is discarded.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		for _, t := range l.sessions {
			if t.stopCount != nil {
				t.stopCount()
			}
		}
		l.sessions = map[string]*tracked{}
		l.displayUsed = nil
		l.mu.Unlock()

		l.unsubscribe()
		l.cancel()
		l.wg.Wait()
	})
}

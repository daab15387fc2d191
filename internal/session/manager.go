// Package session drives the lifecycle of metered simulation sessions:
// start, counted, ended, aborted and the housekeeping expiry of abandoned
// sessions. Every transition is decided by the store of record; local checks
// here only exist to fail fast with a good message.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/store"
)

const (
	DefaultStaleAfter    = 4 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// DeniedError is returned when the store refuses to start a session. Reason
// is meant for the UI to localize.
type DeniedError struct {
	Reason plan.Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("session denied: %s", e.Reason)
}

type Options struct {
	Logger     slog.Logger
	Clock      quartz.Clock
	Registerer prometheus.Registerer
	// CountThreshold must match the store's; it only schedules AutoCount.
	CountThreshold time.Duration
	// StaleAfter is how long a session may stay started or counted before
	// the sweep expires it.
	StaleAfter time.Duration
	// SweepInterval < 0 disables the sweep.
	SweepInterval time.Duration
}

type Manager struct {
	store         store.Store
	logger        slog.Logger
	clock         quartz.Clock
	threshold     time.Duration
	staleAfter    time.Duration
	sweepInterval time.Duration
	transitions   *prometheus.CounterVec
	sweptSessions prometheus.Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	sweep  quartz.Waiter
}

func NewManager(s store.Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.CountThreshold <= 0 {
		opts.CountThreshold = store.DefaultCountThreshold
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	factory := promauto.With(opts.Registerer)
	return &Manager{
		store:         s,
		logger:        opts.Logger.Named("session"),
		clock:         opts.Clock,
		threshold:     opts.CountThreshold,
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions performed through this manager, by target state.",
		}, []string{"transition"}),
		sweptSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "simquota",
			Subsystem: "session",
			Name:      "expired_total",
			Help:      "Sessions moved to expired by the stale-session sweep.",
		}),
	}
}

// Start opens a session for userID. A refusal by the store is returned as a
// *DeniedError together with the raw result.
func (m *Manager) Start(ctx context.Context, userID string, kind store.SessionKind) (store.StartResult, error) {
	if userID == "" {
		return store.StartResult{Reason: plan.ReasonNotAuthenticated}, &DeniedError{Reason: plan.ReasonNotAuthenticated}
	}
	if !kind.Valid() {
		return store.StartResult{Reason: plan.ReasonInvalidKind}, &DeniedError{Reason: plan.ReasonInvalidKind}
	}

	active, err := m.store.GetActiveSimulation(ctx, userID)
	switch {
	case err != nil:
		// Advisory only; the store enforces the rule on insert.
		m.logger.Warn(ctx, "active session pre-check failed", slog.F("user_id", userID), slog.Error(err))
	case active.HasActiveSimulation:
		m.transitions.WithLabelValues("denied").Inc()
		m.logger.Debug(ctx, "session start refused locally",
			slog.F("user_id", userID),
			slog.F("active_token", active.Token),
		)
		return store.StartResult{Reason: plan.ReasonActiveSession}, &DeniedError{Reason: plan.ReasonActiveSession}
	}

	res, err := m.store.StartSimulationSession(ctx, userID, kind, uuid.NewString())
	if err != nil {
		return store.StartResult{}, xerrors.Errorf("start session: %w", err)
	}
	if !res.Success {
		m.transitions.WithLabelValues("denied").Inc()
		return res, &DeniedError{Reason: res.Reason}
	}
	m.transitions.WithLabelValues(string(store.StatusStarted)).Inc()
	m.logger.Debug(ctx, "session started",
		slog.F("user_id", userID),
		slog.F("token", res.SessionToken),
		slog.F("kind", kind),
	)
	return res, nil
}

// MarkCounted asks the store to count the session. It is idempotent; a
// result with Success false (threshold_not_met, session_not_active,
// not_found) is not an error.
func (m *Manager) MarkCounted(ctx context.Context, userID, token string) (store.MarkCountedResult, error) {
	res, err := m.store.MarkSimulationCounted(ctx, token, userID)
	if err != nil {
		return store.MarkCountedResult{}, xerrors.Errorf("mark counted: %w", err)
	}
	if res.CountedNow() {
		m.transitions.WithLabelValues(string(store.StatusCounted)).Inc()
	}
	if !res.Success {
		m.logger.Debug(ctx, "session not counted",
			slog.F("user_id", userID),
			slog.F("token", token),
			slog.F("reason", res.Error),
			slog.F("elapsed_seconds", res.ElapsedSeconds),
		)
	}
	return res, nil
}

// End closes the session. Ending twice is a success with AlreadyEnded set.
func (m *Manager) End(ctx context.Context, userID, token string) (store.EndResult, error) {
	res, err := m.store.EndSimulationSession(ctx, token, userID)
	if err != nil {
		return store.EndResult{}, xerrors.Errorf("end session: %w", err)
	}
	m.observeFinish(res)
	return res, nil
}

// Abort closes the session without counting it.
func (m *Manager) Abort(ctx context.Context, userID, token string) (store.EndResult, error) {
	res, err := m.store.AbortSimulationSession(ctx, token, userID)
	if err != nil {
		return store.EndResult{}, xerrors.Errorf("abort session: %w", err)
	}
	m.observeFinish(res)
	return res, nil
}

func (m *Manager) observeFinish(res store.EndResult) {
	if !res.Success || res.AlreadyEnded {
		return
	}
	if res.CountedNow {
		m.transitions.WithLabelValues(string(store.StatusCounted)).Inc()
	}
	m.transitions.WithLabelValues(string(res.Status)).Inc()
}

func (m *Manager) Active(ctx context.Context, userID string) (store.ActiveSimulation, error) {
	res, err := m.store.GetActiveSimulation(ctx, userID)
	if err != nil {
		return store.ActiveSimulation{}, xerrors.Errorf("get active session: %w", err)
	}
	return res, nil
}

// AutoCount calls MarkCounted once the session has run for the count
// threshold, measured from startedAt, and hands the outcome to done. When the
// timer fires, admit (if non-nil) is asked first; a false answer drops the
// call and done is not invoked. The returned func cancels a call that has not
// fired yet.
func (m *Manager) AutoCount(ctx context.Context, userID, token string, startedAt time.Time, admit func() bool, done func(store.MarkCountedResult, error)) (stop func() bool) {
	wait := max(m.threshold-m.clock.Since(startedAt, "session", "count"), 0)
	t := m.clock.AfterFunc(wait, func() {
		if admit != nil && !admit() {
			return
		}
		res, err := m.MarkCounted(ctx, userID, token)
		done(res, err)
	}, "session", "count")
	return func() bool { return t.Stop() }
}

// Run starts the stale-session sweep. It returns immediately; Close stops it.
func (m *Manager) Run(ctx context.Context) {
	if m.sweepInterval < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.sweep = m.clock.TickerFunc(ctx, m.sweepInterval, func() error {
		m.Sweep(ctx)
		return nil
	}, "session", "sweep")
}

// Sweep expires every session older than StaleAfter.
func (m *Manager) Sweep(ctx context.Context) int64 {
	cutoff := m.clock.Now("session", "sweep").Add(-m.staleAfter)
	n, err := m.store.ExpireStaleSessions(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn(ctx, "expire stale sessions", slog.Error(err))
		}
		return 0
	}
	if n > 0 {
		m.sweptSessions.Add(float64(n))
		m.logger.Info(ctx, "expired stale sessions", slog.F("count", n), slog.F("cutoff", cutoff))
	}
	return n
}

func (m *Manager) Close() {
	m.mu.Lock()
	cancel, sweep := m.cancel, m.sweep
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = sweep.Wait()
}

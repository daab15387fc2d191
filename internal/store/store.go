package store

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/medlearn/simquota/internal/plan"
)

var (
	// ErrNotFound is returned when a user has no quota record.
	ErrNotFound = xerrors.New("not found")
	// ErrActiveSession is returned when the one-active-session guard rejects
	// an insert.
	ErrActiveSession = xerrors.New("user already has an active session")
)

// DefaultCountThreshold is the elapsed time after which a session consumes
// one unit of quota.
const DefaultCountThreshold = 5 * time.Minute

// Store abstracts the store of record: the procedures that own session state
// transitions and quota increments, plus the per-user change channel.
type Store interface {
	CanStartSimulation(ctx context.Context, userID string) (CanStartResult, error)
	// StartSimulationSession inserts a started session. token may be empty,
	// in which case the store generates one.
	StartSimulationSession(ctx context.Context, userID string, kind SessionKind, token string) (StartResult, error)
	MarkSimulationCounted(ctx context.Context, token, userID string) (MarkCountedResult, error)
	EndSimulationSession(ctx context.Context, token, userID string) (EndResult, error)
	AbortSimulationSession(ctx context.Context, token, userID string) (EndResult, error)
	GetActiveSimulation(ctx context.Context, userID string) (ActiveSimulation, error)
	// ExpireStaleSessions moves every non-terminal session started before
	// the cutoff to expired and returns how many moved.
	ExpireStaleSessions(ctx context.Context, startedBefore time.Time) (int64, error)

	GetQuota(ctx context.Context, userID string) (QuotaRecord, error)
	// SetUsedCount is a compare-and-set on used_count: it only applies when
	// the current value equals expected.
	SetUsedCount(ctx context.Context, userID string, expected, next int64) (bool, error)

	Subscribe(userID string, listener Listener) (cancel func(), err error)
}

// Listener receives change notifications for one user.
type Listener func(ctx context.Context, change Change)

type Table string

const (
	TableSessions Table = "sessions"
	TableQuotas   Table = "quotas"
)

// Change is published on the user's channel after a committed write.
type Change struct {
	Table  Table     `json:"table"`
	Op     string    `json:"op"`
	UserID string    `json:"user_id"`
	Token  string    `json:"token,omitempty"`
	At     time.Time `json:"at"`
}

type SessionKind string

const (
	KindExam     SessionKind = "exam"
	KindOral     SessionKind = "oral"
	KindPractice SessionKind = "practice"
)

func (k SessionKind) Valid() bool {
	switch k {
	case KindExam, KindOral, KindPractice:
		return true
	}
	return false
}

type SessionStatus string

const (
	StatusStarted SessionStatus = "started"
	StatusCounted SessionStatus = "counted"
	StatusEnded   SessionStatus = "ended"
	StatusAborted SessionStatus = "aborted"
	StatusExpired SessionStatus = "expired"
)

// Active reports whether the status still holds the user's single slot.
func (s SessionStatus) Active() bool {
	return s == StatusStarted || s == StatusCounted
}

func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusAborted || s == StatusExpired
}

// Session is one metered attempt. Rows are never deleted.
type Session struct {
	Token              string        `json:"token"`
	UserID             string        `json:"user_id"`
	Kind               SessionKind   `json:"kind"`
	Status             SessionStatus `json:"status"`
	StartedAt          time.Time     `json:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds    *int64        `json:"duration_seconds,omitempty"`
	CountedTowardUsage bool          `json:"counted_toward_usage"`
	CountedAt          *time.Time    `json:"counted_at,omitempty"`
}

// QuotaRecord is the per-period allowance of one user.
type QuotaRecord struct {
	UserID         string     `json:"user_id"`
	Tier           plan.Tier  `json:"tier"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	TotalAllowed   int64      `json:"total_allowed"`
	UsedCount      int64      `json:"used_count"`
	TrialExpiresAt *time.Time `json:"trial_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (q QuotaRecord) Unlimited() bool {
	return q.TotalAllowed == plan.Unlimited
}

// Remaining is TotalAllowed - UsedCount floored at zero, or plan.Unlimited.
func (q QuotaRecord) Remaining() int64 {
	if q.Unlimited() {
		return plan.Unlimited
	}
	return max(max(q.TotalAllowed, 0)-max(q.UsedCount, 0), 0)
}

func (q QuotaRecord) TrialDaysRemaining(now time.Time) int64 {
	if q.TrialExpiresAt == nil {
		return 0
	}
	return plan.DaysRemaining(now, *q.TrialExpiresAt)
}

func (q QuotaRecord) Decide(now time.Time) plan.Decision {
	return plan.Decide(plan.Input{
		Tier:           q.Tier,
		Total:          q.TotalAllowed,
		Used:           q.UsedCount,
		TrialExpiresAt: q.TrialExpiresAt,
	}, now)
}

// CanStartResult mirrors can_start_simulation.
type CanStartResult struct {
	CanStart             bool        `json:"can_start"`
	Reason               plan.Reason `json:"reason,omitempty"`
	Tier                 plan.Tier   `json:"tier,omitempty"`
	SimulationsUsed      int64       `json:"simulations_used"`
	SimulationsRemaining int64       `json:"simulations_remaining"`
	TotalSimulations     int64       `json:"total_simulations"`
	IsTrial              bool        `json:"is_trial"`
	TrialExpiresAt       *time.Time  `json:"trial_expires_at,omitempty"`
	DaysRemaining        int64       `json:"days_remaining"`
	TrialExpired         bool        `json:"trial_expired"`
}

// StartResult mirrors start_simulation_session.
type StartResult struct {
	Success      bool        `json:"success"`
	SessionToken string      `json:"session_token,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	Reason       plan.Reason `json:"reason,omitempty"`
}

// MarkCountedResult mirrors mark_simulation_counted. Success with
// AlreadyCounted false means this call performed the increment.
type MarkCountedResult struct {
	Success        bool        `json:"success"`
	AlreadyCounted bool        `json:"already_counted"`
	ElapsedSeconds int64       `json:"elapsed_seconds"`
	Error          plan.Reason `json:"error,omitempty"`
}

// CountedNow reports whether this call moved the session to counted.
func (r MarkCountedResult) CountedNow() bool {
	return r.Success && !r.AlreadyCounted
}

// EndResult mirrors end_simulation_session.
type EndResult struct {
	Success            bool          `json:"success"`
	Status             SessionStatus `json:"status,omitempty"`
	DurationSeconds    int64         `json:"duration_seconds"`
	CountedTowardUsage bool          `json:"counted_toward_usage"`
	// CountedNow is set when this call performed the fallback count.
	CountedNow   bool        `json:"counted_now"`
	AlreadyEnded bool        `json:"already_ended"`
	Error        plan.Reason `json:"error,omitempty"`
}

// ActiveSimulation mirrors get_active_simulation. TimeRemainingSeconds is the
// time left until the session counts.
type ActiveSimulation struct {
	HasActiveSimulation  bool          `json:"has_active_simulation"`
	Token                string        `json:"token,omitempty"`
	Kind                 SessionKind   `json:"kind,omitempty"`
	Status               SessionStatus `json:"status,omitempty"`
	StartedAt            *time.Time    `json:"started_at,omitempty"`
	ElapsedSeconds       int64         `json:"elapsed_seconds,omitempty"`
	TimeRemainingSeconds int64         `json:"time_remaining_seconds,omitempty"`
}

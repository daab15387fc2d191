package plan

import "time"

// Reason explains a refused or failed operation. Reasons are values, not
// errors: access denials are an expected outcome.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonTrialExpired     Reason = "trial_expired"
	ReasonQuotaExceeded    Reason = "quota_exceeded"
	ReasonActiveSession    Reason = "active_session"
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonNoPlan           Reason = "no_plan"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonInvalidKind      Reason = "invalid_kind"
	ReasonThresholdNotMet  Reason = "threshold_not_met"
	ReasonSessionNotActive Reason = "session_not_active"
	ReasonNotFound         Reason = "not_found"
)

// Denial reports whether the reason is a user-facing access denial, as
// opposed to a transient failure or a lifecycle outcome.
func (r Reason) Denial() bool {
	switch r {
	case ReasonTrialExpired, ReasonQuotaExceeded, ReasonActiveSession,
		ReasonNotAuthenticated, ReasonNoPlan:
		return true
	}
	return false
}

// Upgradeable reports whether the denial should come with an upgrade prompt.
func (r Reason) Upgradeable() bool {
	return r == ReasonTrialExpired || r == ReasonQuotaExceeded
}

// Input is the authoritative counter state a decision is made from.
type Input struct {
	Tier           Tier
	Total          int64
	Used           int64
	TrialExpiresAt *time.Time
}

type Decision struct {
	Allowed            bool
	Reason             Reason
	Tier               Tier
	Used               int64
	Remaining          int64
	Total              int64
	Unlimited          bool
	IsTrial            bool
	TrialExpired       bool
	TrialDaysRemaining int64
}

// Decide answers whether a new session may start. It is pure: it never
// mutates anything and only reads in. Counters are clamped to >= 0 first so a
// corrupt record cannot grant access by arithmetic accident.
func Decide(in Input, now time.Time) Decision {
	d := Decision{
		Tier:    in.Tier,
		Used:    max(in.Used, 0),
		IsTrial: in.Tier.Trial(),
	}

	if in.Total == Unlimited {
		d.Unlimited = true
		d.Total = Unlimited
		d.Remaining = Unlimited
		d.Allowed = true
		return d
	}
	d.Total = max(in.Total, 0)
	d.Remaining = max(d.Total-d.Used, 0)

	if d.IsTrial {
		if in.TrialExpiresAt == nil || !now.Before(*in.TrialExpiresAt) {
			d.TrialExpired = true
			d.Reason = ReasonTrialExpired
			return d
		}
		d.TrialDaysRemaining = DaysRemaining(now, *in.TrialExpiresAt)
		d.Allowed = true
		return d
	}

	if d.Remaining > 0 {
		d.Allowed = true
		return d
	}
	d.Reason = ReasonQuotaExceeded
	return d
}

// DaysRemaining rounds the time left until expiry up to whole days.
func DaysRemaining(now, expiry time.Time) int64 {
	left := expiry.Sub(now)
	if left <= 0 {
		return 0
	}
	const day = 24 * time.Hour
	return int64((left + day - 1) / day)
}

// Package plan holds the closed set of subscription tiers, the rule table that
// maps each tier to its allowance, and the single decision function used by
// both the store of record and the client-side decision engine.
package plan

import (
	"time"

	"golang.org/x/xerrors"
)

// Unlimited is the TotalAllowed sentinel for tiers without a session cap.
const Unlimited int64 = -1

type Tier string

const (
	TierTrial     Tier = "trial"
	TierFree      Tier = "free"
	TierBasic     Tier = "basic"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

// Trial reports whether the tier is time-boxed by a trial expiry.
func (t Tier) Trial() bool {
	return t == TierTrial
}

// ParseTier validates s against the closed tier set.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := DefaultTable[t]; !ok {
		return "", xerrors.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rule describes how a tier is provisioned and presented.
type Rule struct {
	DisplayName string
	// Allowance is the number of countable sessions per period, or Unlimited.
	Allowance int64
	// Period is the billing or trial window length.
	Period     time.Duration
	CanUpgrade bool
}

type Table map[Tier]Rule

var DefaultTable = Table{
	TierTrial: {
		DisplayName: "Trial",
		Allowance:   5,
		Period:      5 * 24 * time.Hour,
		CanUpgrade:  true,
	},
	TierFree: {
		DisplayName: "Free",
		Allowance:   3,
		Period:      30 * 24 * time.Hour,
		CanUpgrade:  true,
	},
	TierBasic: {
		DisplayName: "Basic",
		Allowance:   30,
		Period:      30 * 24 * time.Hour,
		CanUpgrade:  true,
	},
	TierPremium: {
		DisplayName: "Premium",
		Allowance:   60,
		Period:      30 * 24 * time.Hour,
		CanUpgrade:  true,
	},
	TierUnlimited: {
		DisplayName: "Unlimited",
		Allowance:   Unlimited,
		Period:      30 * 24 * time.Hour,
		CanUpgrade:  false,
	},
}

// Rule returns the rule for t, falling back to the free tier for values
// outside the table so presentation never breaks on a bad row.
func (tb Table) Rule(t Tier) Rule {
	if r, ok := tb[t]; ok {
		return r
	}
	return tb[TierFree]
}

// With returns a copy of the table with the allowances overridden.
func (tb Table) With(allowances map[Tier]int64) (Table, error) {
	out := make(Table, len(tb))
	for t, r := range tb {
		out[t] = r
	}
	for t, n := range allowances {
		r, ok := out[t]
		if !ok {
			return nil, xerrors.Errorf("override for unknown tier %q", t)
		}
		if n < 0 && n != Unlimited {
			return nil, xerrors.Errorf("tier %q: allowance %d must be >= 0 or %d", t, n, Unlimited)
		}
		r.Allowance = n
		out[t] = r
	}
	return out, nil
}

// Package membership turns a customer's membership profile into a booking
// window: how far ahead they may book, from which instant a calendar day
// opens to them, and how many contiguous slots they may hold.
package membership

import (
	"fmt"
	"time"

	"github.com/iliyamo/bay-reservation/internal/model"
)

// TierRule is the entitlement of one tier.  MaxContiguousSlots bounds a
// new booking; MaxExtendedSlots bounds the total a booking may grow to
// through extensions and defaults to MaxContiguousSlots.
type TierRule struct {
	MaxAdvanceDays     int
	MaxContiguousSlots int
	MaxExtendedSlots   int
}

// DefaultRules returns the stock entitlements.  Deployments override them
// through configuration.
func DefaultRules() map[model.Tier]TierRule {
	return map[model.Tier]TierRule{
		model.TierNone:      {MaxAdvanceDays: 7, MaxContiguousSlots: 2, MaxExtendedSlots: 3},
		model.TierPar:       {MaxAdvanceDays: 10, MaxContiguousSlots: 2, MaxExtendedSlots: 3},
		model.TierBirdie:    {MaxAdvanceDays: 14, MaxContiguousSlots: 4, MaxExtendedSlots: 6},
		model.TierHoleInOne: {MaxAdvanceDays: 21, MaxContiguousSlots: 6, MaxExtendedSlots: 8},
	}
}

// Policy resolves windows.  It holds no state beyond its configuration and
// is safe for concurrent use.
type Policy struct {
	rules         map[model.Tier]TierRule
	location      *time.Location
	releaseOffset time.Duration
	minLeadTime   time.Duration
}

// NewPolicy validates the rules and returns a Policy.  Every tier must have
// a rule with positive values.  loc is the facility time zone used to find
// the start of a calendar day; releaseOffset shifts every opening instant
// (e.g. 7h to release days at 07:00); minLeadTime is the minimum distance
// between now and a booking's start.
func NewPolicy(rules map[model.Tier]TierRule, loc *time.Location, releaseOffset, minLeadTime time.Duration) (*Policy, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, tier := range []model.Tier{model.TierNone, model.TierPar, model.TierBirdie, model.TierHoleInOne} {
		r, ok := rules[tier]
		if !ok {
			return nil, fmt.Errorf("membership: no rule for tier %s", tier)
		}
		if r.MaxAdvanceDays <= 0 || r.MaxContiguousSlots <= 0 {
			return nil, fmt.Errorf("membership: tier %s needs positive advance days and slot count", tier)
		}
	}
	if minLeadTime < 0 {
		return nil, fmt.Errorf("membership: negative lead time")
	}
	copied := make(map[model.Tier]TierRule, len(rules))
	for k, v := range rules {
		if v.MaxExtendedSlots < v.MaxContiguousSlots {
			v.MaxExtendedSlots = v.MaxContiguousSlots
		}
		copied[k] = v
	}
	return &Policy{rules: copied, location: loc, releaseOffset: releaseOffset, minLeadTime: minLeadTime}, nil
}

// HorizonDays is the number of days ahead of today that some tier can
// book, and so the least slot horizon that serves every tier.
func (p *Policy) HorizonDays() int {
	days := 0
	for _, r := range p.rules {
		if r.MaxAdvanceDays > days {
			days = r.MaxAdvanceDays
		}
	}
	if p.releaseOffset < 0 {
		// An early release opens part of one more day.
		days += int((-p.releaseOffset + 24*time.Hour - 1) / (24 * time.Hour))
	}
	return days
}

// Window is a resolved entitlement for one customer at one instant.
type Window struct {
	Tier                 model.Tier `json:"tier"`
	EarliestBookableFrom time.Time  `json:"earliest_bookable_from"`
	MaxAdvanceDays       int        `json:"max_advance_days"`
	MaxContiguousSlots   int        `json:"max_contiguous_slots"`
	MaxExtendedSlots     int        `json:"max_extended_slots"`

	location      *time.Location
	releaseOffset time.Duration
}

// EffectiveTier returns the tier that governs the profile.  Cancelled
// memberships book as NONE whatever tier is recorded, and unknown tiers
// fall back to NONE.
func (p *Policy) EffectiveTier(profile model.MembershipProfile) model.Tier {
	if profile.Status != model.MembershipActive {
		return model.TierNone
	}
	if _, ok := p.rules[profile.Tier]; !ok {
		return model.TierNone
	}
	return profile.Tier
}

// Resolve computes the window for profile at now.  It is a pure function
// of its arguments and the policy configuration.
func (p *Policy) Resolve(profile model.MembershipProfile, now time.Time) Window {
	tier := p.EffectiveTier(profile)
	rule := p.rules[tier]
	return Window{
		Tier:                 tier,
		EarliestBookableFrom: now.UTC().Add(p.minLeadTime),
		MaxAdvanceDays:       rule.MaxAdvanceDays,
		MaxContiguousSlots:   rule.MaxContiguousSlots,
		MaxExtendedSlots:     rule.MaxExtendedSlots,
		location:             p.location,
		releaseOffset:        p.releaseOffset,
	}
}

// OpensAt returns the instant from which the calendar day containing day
// (in the facility time zone) may be booked under this window.
func (w Window) OpensAt(day time.Time) time.Time {
	loc := w.location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start.Add(-time.Duration(w.MaxAdvanceDays)*24*time.Hour + w.releaseOffset).UTC()
}

// Location is the facility time zone.
func (w Window) Location() *time.Location {
	if w.location == nil {
		return time.UTC
	}
	return w.location
}

// Admits reports whether a booking starting at start may be made at now.
func (w Window) Admits(start, now time.Time) bool {
	if start.Before(w.EarliestBookableFrom) {
		return false
	}
	return !now.Before(w.OpensAt(start))
}

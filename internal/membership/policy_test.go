package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bay-reservation/internal/model"
)

func newPolicy(t *testing.T, loc *time.Location, release, lead time.Duration) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultRules(), loc, release, lead)
	require.NoError(t, err)
	return p
}

func TestResolveTierEntitlements(t *testing.T) {
	p := newPolicy(t, time.UTC, 0, 0)
	now := time.Date(2025, 5, 20, 12, 0, 0, 0, time.UTC)

	w := p.Resolve(model.MembershipProfile{Tier: model.TierPar, Status: model.MembershipActive}, now)
	assert.Equal(t, model.TierPar, w.Tier)
	assert.Equal(t, 10, w.MaxAdvanceDays)
	assert.Equal(t, 2, w.MaxContiguousSlots)
	assert.Equal(t, 3, w.MaxExtendedSlots)
	assert.True(t, w.EarliestBookableFrom.Equal(now))

	w = p.Resolve(model.MembershipProfile{Tier: model.TierHoleInOne, Status: model.MembershipCancelled}, now)
	assert.Equal(t, model.TierNone, w.Tier, "cancelled memberships book as NONE")
	assert.Equal(t, 7, w.MaxAdvanceDays)

	w = p.Resolve(model.MembershipProfile{Tier: "PLATINUM", Status: model.MembershipActive}, now)
	assert.Equal(t, model.TierNone, w.Tier)
}

func TestHigherTiersOpenEarlier(t *testing.T) {
	p := newPolicy(t, time.UTC, 0, 0)
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	day := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	var prev time.Time
	for i, tier := range []model.Tier{model.TierNone, model.TierPar, model.TierBirdie, model.TierHoleInOne} {
		opens := p.Resolve(model.MembershipProfile{Tier: tier, Status: model.MembershipActive}, now).OpensAt(day)
		if i > 0 {
			assert.True(t, opens.Before(prev), "%s should open before the tier below it", tier)
		}
		prev = opens
	}
}

func TestNoneTierBoundary(t *testing.T) {
	p := newPolicy(t, time.UTC, 0, 0)
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	none := model.DefaultProfile(1)
	// NONE opens 7 days before midnight of June 1st: May 25th 00:00.
	opens := time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC)

	before := opens.Add(-time.Second)
	assert.False(t, p.Resolve(none, before).Admits(start, before))
	assert.True(t, p.Resolve(none, opens).Admits(start, opens))

	// A PAR member is already inside their window at the same instant.
	par := model.MembershipProfile{Tier: model.TierPar, Status: model.MembershipActive}
	assert.True(t, p.Resolve(par, before).Admits(start, before))
}

func TestOpensAtUsesFacilityZoneAndReleaseOffset(t *testing.T) {
	loc := time.FixedZone("facility", -7*3600)
	p := newPolicy(t, loc, 7*time.Hour, 0)
	w := p.Resolve(model.DefaultProfile(1), time.Now())

	// 2025-06-02 03:00 UTC is still June 1st in the facility zone.
	start := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	want := time.Date(2025, 5, 25, 7, 0, 0, 0, loc).UTC()
	assert.True(t, want.Equal(w.OpensAt(start)), "got %s want %s", w.OpensAt(start), want)
}

func TestLeadTimeAndPast(t *testing.T) {
	p := newPolicy(t, time.UTC, 0, time.Hour)
	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	w := p.Resolve(model.DefaultProfile(1), now)

	assert.False(t, w.Admits(now.Add(-time.Hour), now), "past start")
	assert.False(t, w.Admits(now.Add(30*time.Minute), now), "inside lead time")
	assert.True(t, w.Admits(now.Add(time.Hour), now))
}

func TestNewPolicyRejectsIncompleteRules(t *testing.T) {
	rules := DefaultRules()
	delete(rules, model.TierBirdie)
	_, err := NewPolicy(rules, time.UTC, 0, 0)
	assert.Error(t, err)

	rules = DefaultRules()
	rules[model.TierPar] = TierRule{MaxAdvanceDays: 0, MaxContiguousSlots: 2}
	_, err = NewPolicy(rules, time.UTC, 0, 0)
	assert.Error(t, err)
}

func TestExtendedCapNeverBelowCreateCap(t *testing.T) {
	rules := DefaultRules()
	rules[model.TierBirdie] = TierRule{MaxAdvanceDays: 14, MaxContiguousSlots: 4}
	p, err := NewPolicy(rules, time.UTC, 0, 0)
	require.NoError(t, err)

	w := p.Resolve(model.MembershipProfile{Tier: model.TierBirdie, Status: model.MembershipActive}, time.Now())
	assert.Equal(t, 4, w.MaxExtendedSlots)
}

func TestHorizonDaysCoversWidestWindow(t *testing.T) {
	assert.Equal(t, 21, newPolicy(t, time.UTC, 0, 0).HorizonDays())
	assert.Equal(t, 21, newPolicy(t, time.UTC, 7*time.Hour, 0).HorizonDays())
	assert.Equal(t, 22, newPolicy(t, time.UTC, -2*time.Hour, 0).HorizonDays())
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bay-reservation/internal/model"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DB_USER", "bay")
	t.Setenv("DB_NAME", "bays")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "bay", cfg.DB.User)
	assert.Equal(t, "3306", cfg.DB.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address())
	assert.Equal(t, "booking.events", cfg.RabbitMQ.EventsQueue)
	assert.Equal(t, 10*time.Minute, cfg.Booking.HoldTTL)
	assert.Equal(t, 30*time.Minute, cfg.Booking.SlotGranularity)
	assert.Equal(t, 21, cfg.Booking.HorizonDays)
	assert.False(t, cfg.Omise.Enabled())
	assert.False(t, cfg.Production())

	require.Len(t, cfg.Booking.Tiers, 4)
	par := cfg.Booking.Tiers[model.TierPar]
	assert.Equal(t, 10, par.MaxAdvanceDays)
	assert.Equal(t, 2, par.MaxContiguousSlots)
	assert.Equal(t, 3, par.MaxExtendedSlots)

	s, err := cfg.Booking.Schedule()
	require.NoError(t, err)
	assert.Equal(t, 7*time.Hour, s.Open)
	assert.Equal(t, 23*time.Hour, s.Close)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "bayres:cache", cfg.Cache.Prefix)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DB_USER", "bay")
	t.Setenv("DB_NAME", "bays")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadBookingConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("BOOKING_OPENS_AT", "22:00")
	t.Setenv("BOOKING_CLOSES_AT", "08:00")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsIncompleteTiers(t *testing.T) {
	setRequired(t)
	t.Setenv("BOOKING_TIERS", "NONE=7/2,PAR=10/2")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsHorizonShorterThanTierWindow(t *testing.T) {
	setRequired(t)
	t.Setenv("BOOKING_TIERS", "NONE=7/2/3,PAR=10/2/3,BIRDIE=14/4/6,HOLEINONE=30/6/8")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOKING_HORIZON_DAYS is 21 but members can book 30 days ahead")

	t.Setenv("BOOKING_HORIZON_DAYS", "30")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Booking.HorizonDays)
}

func TestTierRulesDecode(t *testing.T) {
	var rules TierRules
	require.NoError(t, rules.Decode("none=5/1, PAR=9/2/4"))
	assert.Equal(t, 5, rules[model.TierNone].MaxAdvanceDays)
	assert.Equal(t, 0, rules[model.TierNone].MaxExtendedSlots)
	assert.Equal(t, 4, rules[model.TierPar].MaxExtendedSlots)

	assert.Error(t, rules.Decode("PAR"))
	assert.Error(t, rules.Decode("PAR=ten/2"))
	assert.Error(t, rules.Decode("PAR=1/2/3/4"))
}

func TestRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "1m")
	t.Setenv("RATE_LIMIT_TTL", "1m")
	cfg := LoadRateLimitConfig()
	assert.Equal(t, 1, cfg.Capacity)
	assert.Equal(t, 5*time.Minute, cfg.TTL)
}

// Package slotgen materialises bookable slots ahead of time and runs the
// periodic maintenance of the reservation core (slot horizon, hold expiry,
// completion of past bookings).
package slotgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/bay-reservation/internal/model"
)

// Schedule is the facility's daily operating window.  Open and Close are
// wall-clock offsets from local midnight; Close may be 24:00.
type Schedule struct {
	Location    *time.Location
	Open        time.Duration
	Close       time.Duration
	Granularity time.Duration
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("clock time %q: %w", s, err)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("clock time %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Validate checks that the schedule yields at least one slot a day.
func (s Schedule) Validate() error {
	if s.Granularity <= 0 {
		return fmt.Errorf("slot granularity must be positive")
	}
	if s.Close <= s.Open {
		return fmt.Errorf("closing time must be after opening time")
	}
	if s.Close-s.Open < s.Granularity {
		return fmt.Errorf("operating hours are shorter than one slot")
	}
	return nil
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Bounds returns the opening and closing instants of the local day
// containing day.
func (s Schedule) Bounds(day time.Time) (open, close time.Time) {
	loc := s.location()
	y, m, d := day.In(loc).Date()
	open = time.Date(y, m, d, 0, 0, int(s.Open/time.Second), 0, loc)
	close = time.Date(y, m, d, 0, 0, int(s.Close/time.Second), 0, loc)
	return open, close
}

// Day returns the slot intervals of the local day containing day, in UTC.
// A trailing remainder shorter than one slot is not generated.
func (s Schedule) Day(day time.Time) []model.Interval {
	open, close := s.Bounds(day)
	var out []model.Interval
	for t := open; !t.Add(s.Granularity).After(close); t = t.Add(s.Granularity) {
		out = append(out, model.NewInterval(t, t.Add(s.Granularity)))
	}
	return out
}

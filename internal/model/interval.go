package model

import "time"

// Interval is a half-open time range [Start, End).  All intervals handled by
// the reservation core are in UTC and truncated to the second.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewInterval normalises start and end to UTC seconds.
func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start.UTC().Truncate(time.Second), End: end.UTC().Truncate(time.Second)}
}

// Valid reports whether the interval is non-empty.
func (i Interval) Valid() bool { return i.End.After(i.Start) }

// Duration returns End - Start.
func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps reports whether the two half-open intervals share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether o lies fully inside i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

package model

import "time"

// SlotStatus is the availability state of a slot.
type SlotStatus string

const (
	SlotOpen    SlotStatus = "OPEN"
	SlotHeld    SlotStatus = "HELD"
	SlotBooked  SlotStatus = "BOOKED"
	SlotBlocked SlotStatus = "BLOCKED"
)

// Slot is the atomic bookable unit: one bay for one fixed-length interval.
// Slots are created OPEN by the slot generator and their status is only
// ever changed through the ledger's batch transition.  The (bay, start,
// end) tuple is unique.
//
// Fields:
//  ID        – primary key identifier.
//  BayID     – bay this slot belongs to.
//  StartAt   – inclusive start instant (UTC).
//  EndAt     – exclusive end instant (UTC).
//  Status    – OPEN, HELD, BOOKED or BLOCKED.
//  Version   – incremented on every status transition.
type Slot struct {
	ID        uint64     `json:"id"`         // slots.id
	BayID     uint64     `json:"bay_id"`     // slots.bay_id
	StartAt   time.Time  `json:"start_at"`   // slots.start_at
	EndAt     time.Time  `json:"end_at"`     // slots.end_at
	Status    SlotStatus `json:"status"`     // slots.status
	Version   uint32     `json:"version"`    // slots.version
	CreatedAt time.Time  `json:"created_at"` // slots.created_at
	UpdatedAt time.Time  `json:"updated_at"` // slots.updated_at
}

// Interval returns the slot's time range.
func (s Slot) Interval() Interval { return Interval{Start: s.StartAt, End: s.EndAt} }

// SlotIDs extracts the identifiers of slots, preserving order.
func SlotIDs(slots []Slot) []uint64 {
	ids := make([]uint64, 0, len(slots))
	for _, s := range slots {
		ids = append(ids, s.ID)
	}
	return ids
}

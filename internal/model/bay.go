package model

import "time"

// Bay represents a physical simulator bay that customers can book.  Bays
// are created by administrative setup and are never deleted once slots
// reference them; only the active flag may change.  Inactive bays are
// skipped by slot generation and refuse new bookings.
//
// Fields:
//  ID        – primary key identifier.
//  Name      – unique display name (e.g. "B1").
//  Active    – whether the bay accepts bookings.
//  CreatedAt – creation timestamp.
//  UpdatedAt – last update timestamp.
type Bay struct {
	ID        uint64    `json:"id"`         // bays.id
	Name      string    `json:"name"`       // bays.name
	Active    bool      `json:"active"`     // bays.active
	CreatedAt time.Time `json:"created_at"` // bays.created_at
	UpdatedAt time.Time `json:"updated_at"` // bays.updated_at
}

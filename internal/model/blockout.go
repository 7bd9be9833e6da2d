package model

import "time"

// BlockOut is an admin-declared unavailable interval for one bay.  While at
// least one block-out covers a slot, that slot stays BLOCKED.
type BlockOut struct {
	ID        uint64    `json:"id"`         // block_outs.id
	BayID     uint64    `json:"bay_id"`     // block_outs.bay_id
	StartAt   time.Time `json:"start_at"`   // block_outs.start_at
	EndAt     time.Time `json:"end_at"`     // block_outs.end_at
	Reason    string    `json:"reason"`     // block_outs.reason
	CreatedBy uint64    `json:"created_by"` // block_outs.created_by (admin user id)
	CreatedAt time.Time `json:"created_at"` // block_outs.created_at
}

// Interval returns the block-out's time range.
func (b BlockOut) Interval() Interval { return Interval{Start: b.StartAt, End: b.EndAt} }

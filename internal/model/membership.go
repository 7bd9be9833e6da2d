package model

import "time"

// Tier is a membership level.  Higher tiers book further in advance.
type Tier string

const (
	TierNone      Tier = "NONE"
	TierPar       Tier = "PAR"
	TierBirdie    Tier = "BIRDIE"
	TierHoleInOne Tier = "HOLEINONE"
)

// MembershipStatus is the billing state of a membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipCancelled MembershipStatus = "CANCELLED"
)

// MembershipProfile is the read projection of a customer's membership as
// maintained by the billing subsystem.  The reservation core never writes
// it.
type MembershipProfile struct {
	CustomerID      uint64           `json:"customer_id"`
	Tier            Tier             `json:"tier"`
	Status          MembershipStatus `json:"status"`
	IncludedMinutes int              `json:"included_minutes"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DefaultProfile is used for customers without a membership record.
func DefaultProfile(customerID uint64) MembershipProfile {
	return MembershipProfile{CustomerID: customerID, Tier: TierNone, Status: MembershipActive}
}

package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// MembershipRepo reads membership_profiles.  The table is owned by the
// billing subsystem; this repository never writes it.
type MembershipRepo struct {
	db *sql.DB
}

// NewMembershipRepo returns a new MembershipRepo bound to the given
// database.
func NewMembershipRepo(db *sql.DB) *MembershipRepo { return &MembershipRepo{db: db} }

// Get returns the customer's profile.  found is false when the customer has
// no membership row.
func (r *MembershipRepo) Get(ctx context.Context, q database.Querier, customerID uint64) (p model.MembershipProfile, found bool, err error) {
	if q == nil {
		q = r.db
	}
	var tier, status string
	err = q.QueryRowContext(ctx,
		`SELECT customer_id, tier, status, included_minutes, updated_at FROM membership_profiles WHERE customer_id = ?`,
		customerID).Scan(&p.CustomerID, &tier, &status, &p.IncludedMinutes, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultProfile(customerID), false, nil
	}
	if err != nil {
		return model.MembershipProfile{}, false, err
	}
	p.Tier = model.Tier(tier)
	p.Status = model.MembershipStatus(status)
	return p, true, nil
}

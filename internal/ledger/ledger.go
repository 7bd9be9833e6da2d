// Package ledger is the authoritative record of slot availability.  It is
// the only code path that changes a slot's status: every change is an
// all-or-nothing batch transition executed inside the caller's
// transaction.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/juju/clock"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

// Ledger reads and transitions slots.
type Ledger struct {
	slots *repository.SlotRepo
	clock clock.Clock
}

// New returns a Ledger backed by the slot repository.
func New(slots *repository.SlotRepo, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Ledger{slots: slots, clock: clk}
}

// GetSlots returns the bay's slots lying fully inside iv, ordered by start.
func (l *Ledger) GetSlots(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) ([]model.Slot, error) {
	if !iv.Valid() {
		return nil, errs.New(errs.KindInvalid, "interval end must be after its start")
	}
	slots, err := l.slots.ListWithin(ctx, q, bayID, iv)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

// Resolve returns the exact, gap-free slot set covering iv.  A missing
// slot, a gap, or an interval edge that does not fall on a slot boundary
// yields NotFound.
func (l *Ledger) Resolve(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) ([]model.Slot, error) {
	slots, err := l.GetSlots(ctx, q, bayID, iv)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, errs.New(errs.KindNotFound, "no slots between %s and %s", iv.Start.Format(timeLayout), iv.End.Format(timeLayout))
	}
	if !slots[0].StartAt.Equal(iv.Start) || !slots[len(slots)-1].EndAt.Equal(iv.End) {
		return nil, errs.New(errs.KindNotFound, "interval is not aligned to slot boundaries")
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i].StartAt.Equal(slots[i-1].EndAt) {
			return nil, errs.New(errs.KindNotFound, "no slot between %s and %s",
				slots[i-1].EndAt.Format(timeLayout), slots[i].StartAt.Format(timeLayout))
		}
	}
	return slots, nil
}

const timeLayout = "2006-01-02 15:04"

// Transition moves every slot in ids from status from to status to.  The
// slots are locked first; if any is missing or not currently in from the
// whole batch is refused with Conflict and nothing is written.
func (l *Ledger) Transition(ctx context.Context, tx *sql.Tx, ids []uint64, from, to model.SlotStatus) error {
	if len(ids) == 0 {
		return errs.New(errs.KindInvalid, "no slots to transition")
	}
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return errs.New(errs.KindInvalid, "slot %d listed twice", id)
		}
		seen[id] = struct{}{}
	}

	locked, err := l.slots.LockByIDsTx(ctx, tx, ids)
	if err != nil {
		return fmt.Errorf("lock slots: %w", err)
	}
	var stale []uint64
	for _, s := range locked {
		delete(seen, s.ID)
		if s.Status != from {
			stale = append(stale, s.ID)
		}
	}
	for id := range seen {
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		return errs.New(errs.KindConflict, "slots %s are not %s", joinIDs(stale), from)
	}

	n, err := l.slots.UpdateStatusTx(ctx, tx, ids, from, to, l.clock.Now())
	if err != nil {
		return fmt.Errorf("update slots: %w", err)
	}
	if n != int64(len(ids)) {
		// Another writer got in between lock and update.  Only possible
		// without row locks; the caller rolls back.
		return errs.New(errs.KindConflict, "%d of %d slots changed concurrently", int64(len(ids))-n, len(ids))
	}
	return nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

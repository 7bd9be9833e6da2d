// Package blockout manages admin-declared unavailable ranges.  Coverage is
// reference counted by the block-out rows themselves: a slot stays BLOCKED
// while any block-out overlaps it and returns to OPEN when the last one is
// removed.
package blockout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

// Registry adds, removes and queries block-outs.
type Registry struct {
	tx        *database.TxRunner
	bays      *repository.BayRepo
	blockOuts *repository.BlockOutRepo
	slots     *repository.SlotRepo
	ledger    *ledger.Ledger
	clock     clock.Clock
	log       *zap.Logger
}

// NewRegistry wires a Registry.  Add and Remove run through tx so transient
// serialization failures are retried.  A nil clock means wall time and a
// nil logger discards output.
func NewRegistry(tx *database.TxRunner, bays *repository.BayRepo, blockOuts *repository.BlockOutRepo,
	slots *repository.SlotRepo, l *ledger.Ledger, clk clock.Clock, log *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{tx: tx, bays: bays, blockOuts: blockOuts, slots: slots, ledger: l, clock: clk, log: log}
}

// Add declares iv on the bay unavailable in its own transaction.
func (r *Registry) Add(ctx context.Context, bayID uint64, iv model.Interval, reason string, createdBy uint64) (*model.BlockOut, error) {
	var out *model.BlockOut
	err := r.tx.Run(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = r.AddTx(ctx, tx, bayID, iv, reason, createdBy)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("block-out added",
		zap.Uint64("block_out_id", out.ID), zap.Uint64("bay_id", bayID),
		zap.Time("start", iv.Start), zap.Time("end", iv.End))
	return out, nil
}

// AddTx declares iv unavailable inside the caller's transaction.  It fails
// with Conflict if any overlapping slot is HELD or BOOKED; overlapping OPEN
// slots become BLOCKED and already BLOCKED slots gain one more reference.
func (r *Registry) AddTx(ctx context.Context, tx *sql.Tx, bayID uint64, iv model.Interval, reason string, createdBy uint64) (*model.BlockOut, error) {
	if !iv.Valid() {
		return nil, errs.New(errs.KindInvalid, "block-out end must be after its start")
	}
	if _, err := r.bays.GetByID(ctx, tx, bayID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.New(errs.KindNotFound, "bay %d does not exist", bayID)
		}
		return nil, fmt.Errorf("load bay: %w", err)
	}

	covered, err := r.slots.LockOverlappingTx(ctx, tx, bayID, iv)
	if err != nil {
		return nil, fmt.Errorf("lock covered slots: %w", err)
	}
	var taken, open []uint64
	for _, s := range covered {
		switch s.Status {
		case model.SlotHeld, model.SlotBooked:
			taken = append(taken, s.ID)
		case model.SlotOpen:
			open = append(open, s.ID)
		}
	}
	if len(taken) > 0 {
		return nil, errs.New(errs.KindConflict, "%d slot(s) in the range are held or booked (%s)", len(taken), joinIDs(taken))
	}
	if len(open) > 0 {
		if err := r.ledger.Transition(ctx, tx, open, model.SlotOpen, model.SlotBlocked); err != nil {
			return nil, err
		}
	}

	b := &model.BlockOut{BayID: bayID, StartAt: iv.Start, EndAt: iv.End, Reason: reason, CreatedBy: createdBy}
	if err := r.blockOuts.CreateTx(ctx, tx, b, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("insert block-out: %w", err)
	}
	return b, nil
}

// Remove deletes a block-out.  Each BLOCKED slot it covered that no other
// block-out still covers returns to OPEN.
func (r *Registry) Remove(ctx context.Context, id uint64) error {
	var released int
	err := r.tx.Run(ctx, func(tx *sql.Tx) error {
		b, err := r.blockOuts.LockTx(ctx, tx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return errs.New(errs.KindNotFound, "block-out %d does not exist", id)
		}
		if err != nil {
			return fmt.Errorf("load block-out: %w", err)
		}
		if err := r.blockOuts.DeleteTx(ctx, tx, id); err != nil {
			return fmt.Errorf("delete block-out: %w", err)
		}

		covered, err := r.slots.LockOverlappingTx(ctx, tx, b.BayID, b.Interval())
		if err != nil {
			return fmt.Errorf("lock covered slots: %w", err)
		}
		var release []uint64
		for _, s := range covered {
			if s.Status != model.SlotBlocked {
				continue
			}
			refs, err := r.blockOuts.CountOverlapping(ctx, tx, b.BayID, s.Interval())
			if err != nil {
				return fmt.Errorf("count coverage: %w", err)
			}
			if refs == 0 {
				release = append(release, s.ID)
			}
		}
		if len(release) == 0 {
			return nil
		}
		released = len(release)
		return r.ledger.Transition(ctx, tx, release, model.SlotBlocked, model.SlotOpen)
	})
	if err != nil {
		return err
	}
	r.log.Info("block-out removed", zap.Uint64("block_out_id", id), zap.Int("released_slots", released))
	return nil
}

// IsBlocked reports whether any block-out overlaps iv on the bay.
func (r *Registry) IsBlocked(ctx context.Context, q database.Querier, bayID uint64, iv model.Interval) (bool, error) {
	n, err := r.blockOuts.CountOverlapping(ctx, q, bayID, iv)
	if err != nil {
		return false, fmt.Errorf("count block-outs: %w", err)
	}
	return n > 0, nil
}

// List returns block-outs for display.  A zero bayID lists every bay; a
// zero interval lists every time.
func (r *Registry) List(ctx context.Context, bayID uint64, iv model.Interval) ([]model.BlockOut, error) {
	out, err := r.blockOuts.List(ctx, r.tx.DB(), bayID, iv)
	if err != nil {
		return nil, fmt.Errorf("list block-outs: %w", err)
	}
	return out, nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

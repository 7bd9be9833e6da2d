package slotgen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

const dayLayout = "2006-01-02"

// DayError records a day whose slots could not be generated.
type DayError struct {
	Day string
	Err error
}

// Report summarises one EnsureHorizon call.
type Report struct {
	BayID        uint64
	DaysChecked  int
	DaysFilled   int
	SlotsCreated int64
	SlotsBlocked int
	Skipped      bool
	Failures     []DayError
}

// Err joins the per-day failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("bay %d day %s: %w", r.BayID, f.Day, f.Err))
	}
	return errors.Join(errs...)
}

// Generator inserts missing slots for a bay.  New slots that fall under an
// existing block-out are blocked in the same transaction.
type Generator struct {
	tx        *database.TxRunner
	slots     *repository.SlotRepo
	blockOuts *repository.BlockOutRepo
	ledger    *ledger.Ledger
	schedule  Schedule
	clock    clock.Clock
	log      *zap.Logger
}

// NewGenerator returns a Generator; the schedule must already be valid.
func NewGenerator(tx *database.TxRunner, slots *repository.SlotRepo, blockOuts *repository.BlockOutRepo,
	l *ledger.Ledger, schedule Schedule, clk clock.Clock, log *zap.Logger) *Generator {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{tx: tx, slots: slots, blockOuts: blockOuts, ledger: l, schedule: schedule, clock: clk, log: log.Named("slotgen")}
}

// EnsureHorizon makes sure every local day from today through the day of
// through has its full set of slots on the bay.  Days that are already
// complete are not touched; incomplete days are topped up in their own
// transaction, skipping intervals that already exist.  A failing day is
// recorded in the report and the remaining days still run.  Inactive bays
// are skipped.
func (g *Generator) EnsureHorizon(ctx context.Context, bay model.Bay, through time.Time) Report {
	rep := Report{BayID: bay.ID}
	if !bay.Active {
		rep.Skipped = true
		return rep
	}
	loc := g.schedule.location()
	now := g.clock.Now().In(loc)
	first := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, loc)
	through = through.In(loc)
	last := time.Date(through.Year(), through.Month(), through.Day(), 12, 0, 0, 0, loc)

	// Noon anchors keep AddDate clear of DST edges.
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			rep.Failures = append(rep.Failures, DayError{Day: day.Format(dayLayout), Err: ctx.Err()})
			break
		}
		rep.DaysChecked++
		n, blocked, err := g.fillDay(ctx, bay.ID, day)
		if err != nil {
			g.log.Error("slot generation failed", zap.Uint64("bay_id", bay.ID), zap.String("day", day.Format(dayLayout)), zap.Error(err))
			rep.Failures = append(rep.Failures, DayError{Day: day.Format(dayLayout), Err: err})
			continue
		}
		if n > 0 {
			rep.DaysFilled++
			rep.SlotsCreated += n
		}
		rep.SlotsBlocked += blocked
	}
	if rep.SlotsCreated > 0 {
		g.log.Info("slots generated", zap.Uint64("bay_id", bay.ID),
			zap.Int("days", rep.DaysFilled), zap.Int64("slots", rep.SlotsCreated), zap.Int("blocked", rep.SlotsBlocked))
	}
	return rep
}

func (g *Generator) fillDay(ctx context.Context, bayID uint64, day time.Time) (int64, int, error) {
	intervals := g.schedule.Day(day)
	if len(intervals) == 0 {
		return 0, 0, nil
	}
	span := model.Interval{Start: intervals[0].Start, End: intervals[len(intervals)-1].End}
	have, err := g.slots.CountWithin(ctx, g.tx.DB(), bayID, span)
	if err != nil {
		return 0, 0, fmt.Errorf("count slots: %w", err)
	}
	if have >= len(intervals) {
		return 0, 0, nil
	}
	var (
		created int64
		blocked int
	)
	err = g.tx.Run(ctx, func(tx *sql.Tx) error {
		n, err := g.slots.InsertIgnoreTx(ctx, tx, bayID, intervals, g.clock.Now())
		if err != nil {
			return fmt.Errorf("insert slots: %w", err)
		}
		created = n
		blocked, err = g.blockCovered(ctx, tx, bayID, span)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return created, blocked, nil
}

// blockCovered moves OPEN slots of the day that lie under a block-out to
// BLOCKED.  Block-outs may be declared before their slots exist.
func (g *Generator) blockCovered(ctx context.Context, tx *sql.Tx, bayID uint64, span model.Interval) (int, error) {
	covering, err := g.blockOuts.List(ctx, tx, bayID, span)
	if err != nil {
		return 0, fmt.Errorf("list block-outs: %w", err)
	}
	seen := make(map[uint64]struct{})
	var open []uint64
	for _, b := range covering {
		slots, err := g.slots.LockOverlappingTx(ctx, tx, bayID, b.Interval())
		if err != nil {
			return 0, fmt.Errorf("lock covered slots: %w", err)
		}
		for _, s := range slots {
			if _, dup := seen[s.ID]; dup || s.Status != model.SlotOpen {
				continue
			}
			seen[s.ID] = struct{}{}
			open = append(open, s.ID)
		}
	}
	if len(open) == 0 {
		return 0, nil
	}
	if err := g.ledger.Transition(ctx, tx, open, model.SlotOpen, model.SlotBlocked); err != nil {
		return 0, fmt.Errorf("block covered slots: %w", err)
	}
	return len(open), nil
}

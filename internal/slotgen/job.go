package slotgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/bay-reservation/internal/model"
)

// Reaper is the part of the reservation engine the job drives.
type Reaper interface {
	ExpireStaleHolds(ctx context.Context, limit int) (int, error)
	CompletePast(ctx context.Context, limit int) (int, error)
}

// BayLister lists bays.
type BayLister interface {
	List(ctx context.Context, activeOnly bool) ([]model.Bay, error)
}

// JobConfig tunes the maintenance job.
type JobConfig struct {
	HorizonDays      int
	ReapInterval     time.Duration
	GenerateInterval time.Duration
	Concurrency      int
	ReapBatch        int
}

func (c JobConfig) withDefaults() JobConfig {
	if c.HorizonDays <= 0 {
		c.HorizonDays = 21
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.GenerateInterval <= 0 {
		c.GenerateInterval = time.Hour
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Job periodically extends the slot horizon of every active bay and reaps
// stale holds and finished bookings.
type Job struct {
	gen    *Generator
	bays   BayLister
	reaper Reaper
	cfg    JobConfig
	clock  clock.Clock
	log    *zap.Logger
}

// NewJob wires a Job.
func NewJob(gen *Generator, bays BayLister, reaper Reaper, cfg JobConfig, clk clock.Clock, log *zap.Logger) *Job {
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{gen: gen, bays: bays, reaper: reaper, cfg: cfg.withDefaults(), clock: clk, log: log.Named("job")}
}

// Generate ensures the horizon of every active bay, a few bays at a time.
// A failing bay does not stop the others.
func (j *Job) Generate(ctx context.Context) ([]Report, error) {
	bays, err := j.bays.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list bays: %w", err)
	}
	through := j.clock.Now().AddDate(0, 0, j.cfg.HorizonDays)
	reports := make([]Report, len(bays))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Concurrency)
	for i, bay := range bays {
		g.Go(func() error {
			reports[i] = j.gen.EnsureHorizon(gctx, bay, through)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, r := range reports {
		if err := r.Err(); err != nil {
			failed = append(failed, err)
		}
	}
	return reports, errors.Join(failed...)
}

// Reap expires stale holds and completes past bookings.
func (j *Job) Reap(ctx context.Context) error {
	expired, expErr := j.reaper.ExpireStaleHolds(ctx, j.cfg.ReapBatch)
	completed, compErr := j.reaper.CompletePast(ctx, j.cfg.ReapBatch)
	if expired > 0 || completed > 0 {
		j.log.Info("reaper pass", zap.Int("expired", expired), zap.Int("completed", completed))
	}
	return errors.Join(expErr, compErr)
}

// RunOnce generates and then reaps.
func (j *Job) RunOnce(ctx context.Context) error {
	_, genErr := j.Generate(ctx)
	return errors.Join(genErr, j.Reap(ctx))
}

// Run performs a full pass immediately and then reaps every ReapInterval
// and generates every GenerateInterval until ctx is cancelled.  Errors are
// logged and never stop the loop.
func (j *Job) Run(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		j.log.Error("maintenance pass failed", zap.Error(err))
	}
	reap := j.clock.After(j.cfg.ReapInterval)
	gen := j.clock.After(j.cfg.GenerateInterval)
	for {
		select {
		case <-ctx.Done():
			j.log.Info("maintenance job stopped")
			return
		case <-reap:
			if err := j.Reap(ctx); err != nil {
				j.log.Error("reaper pass failed", zap.Error(err))
			}
			reap = j.clock.After(j.cfg.ReapInterval)
		case <-gen:
			if _, err := j.Generate(ctx); err != nil {
				j.log.Error("slot generation failed", zap.Error(err))
			}
			gen = j.clock.After(j.cfg.GenerateInterval)
		}
	}
}

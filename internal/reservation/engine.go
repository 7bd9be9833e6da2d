// Package reservation implements the booking state machine:
//
//	PENDING_PAYMENT -> CONFIRMED -> CONFIRMED (extend) | CANCELLED | COMPLETED
//	PENDING_PAYMENT -> CANCELLED | EXPIRED
//
// Every mutation runs in a single database transaction that changes the
// booking row and its slots together, so no reader ever sees a booking
// whose state disagrees with its slots.  Transactions that fail on a
// transient serialization error are retried a bounded number of times.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/blockout"
	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/membership"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/queue"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

// Publisher delivers booking events to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev queue.BookingEvent) error
}

// Config tunes the engine.  Zero values fall back to the defaults below.
type Config struct {
	HoldTTL         time.Duration
	TxAttempts      int
	TxRetryDelay    time.Duration
	TxRetryMaxDelay time.Duration
}

const (
	DefaultHoldTTL    = 10 * time.Minute
	DefaultTxAttempts = database.DefaultTxAttempts
)

func (c Config) withDefaults() Config {
	if c.HoldTTL <= 0 {
		c.HoldTTL = DefaultHoldTTL
	}
	return c
}

// Deps are the collaborators of an Engine.  Publisher, Clock and Logger
// are optional.
type Deps struct {
	DB        *sql.DB
	Dialect   database.Dialect
	Bays      *repository.BayRepo
	Bookings  *repository.BookingRepo
	Ledger    *ledger.Ledger
	BlockOuts *blockout.Registry
	Policy    *membership.Policy
	Profiles  membership.Source
	Publisher Publisher
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Engine creates, confirms, extends, cancels and expires bookings.  It is
// safe for concurrent use.
type Engine struct {
	db        *sql.DB
	tx        *database.TxRunner
	bays      *repository.BayRepo
	bookings  *repository.BookingRepo
	ledger    *ledger.Ledger
	blockOuts *blockout.Registry
	policy    *membership.Policy
	profiles  membership.Source
	publisher Publisher
	clock     clock.Clock
	log       *zap.Logger
	tracer    trace.Tracer
	cfg       Config
}

// New returns an Engine.
func New(d Deps, cfg Config) *Engine {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	log := d.Logger.Named("reservation")
	cfg = cfg.withDefaults()
	return &Engine{
		db: d.DB,
		tx: database.NewTxRunner(d.DB, d.Dialect, database.RetryConfig{
			Attempts: cfg.TxAttempts,
			Delay:    cfg.TxRetryDelay,
			MaxDelay: cfg.TxRetryMaxDelay,
		}, log),
		bays:      d.Bays,
		bookings:  d.Bookings,
		ledger:    d.Ledger,
		blockOuts: d.BlockOuts,
		policy:    d.Policy,
		profiles:  d.Profiles,
		publisher: d.Publisher,
		clock:     d.Clock,
		log:       log,
		tracer:    otel.Tracer("github.com/iliyamo/bay-reservation/internal/reservation"),
		cfg:       cfg,
	}
}

// DB returns the pool used for reads outside a transaction.
func (e *Engine) DB() *sql.DB { return e.db }

// Clock returns the engine's time source.
func (e *Engine) Clock() clock.Clock { return e.clock }

// InTx runs fn in a transaction, retrying the whole transaction when it
// fails with a transient serialization error.  Once the attempts are
// exhausted the failure surfaces as Conflict.
func (e *Engine) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.tx.Run(ctx, fn)
}

// emit publishes an event for b.  Failures are logged, never returned: the
// state change has already been committed.
func (e *Engine) emit(ctx context.Context, eventType string, b *model.Booking) {
	if e.publisher == nil || b == nil {
		return
	}
	ev := queue.NewBookingEvent(eventType, b, e.clock.Now())
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("publish booking event failed",
			zap.String("type", eventType), zap.Uint64("booking_id", b.ID), zap.Error(err))
	}
}

// Emit publishes an event for a change committed by a caller-owned
// transaction (for example the payment reconciler's).
func (e *Engine) Emit(ctx context.Context, eventType string, b *model.Booking) {
	e.emit(ctx, eventType, b)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "reservation."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Get returns a booking by id.
func (e *Engine) Get(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := e.bookings.GetByID(ctx, e.db, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.New(errs.KindNotFound, "booking %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}

// ListByCustomer returns the customer's bookings, newest first.
func (e *Engine) ListByCustomer(ctx context.Context, customerID uint64) ([]model.Booking, error) {
	out, err := e.bookings.ListByCustomer(ctx, e.db, customerID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

// lock loads and locks a booking inside tx.
func (e *Engine) lock(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := e.bookings.LockTx(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errs.New(errs.KindNotFound, "booking %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock booking: %w", err)
	}
	return b, nil
}

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/errs"
)

// RetryConfig bounds the whole-transaction retry loop.  Zero values fall
// back to the defaults below.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

const (
	DefaultTxAttempts      = 5
	DefaultTxRetryDelay    = 20 * time.Millisecond
	DefaultTxRetryMaxDelay = 500 * time.Millisecond
)

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultTxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultTxRetryDelay
	}
	if c.MaxDelay < c.Delay {
		c.MaxDelay = DefaultTxRetryMaxDelay
	}
	return c
}

// TxRunner runs check-then-mutate transactions.  A transaction that fails
// with a transient serialization error is rolled back and run again from
// the start.
type TxRunner struct {
	db      *sql.DB
	dialect Dialect
	cfg     RetryConfig
	log     *zap.Logger
}

// NewTxRunner returns a TxRunner.  A nil logger discards output.
func NewTxRunner(db *sql.DB, dialect Dialect, cfg RetryConfig, log *zap.Logger) *TxRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &TxRunner{db: db, dialect: dialect, cfg: cfg.withDefaults(), log: log}
}

// DB returns the underlying pool for reads outside a transaction.
func (r *TxRunner) DB() *sql.DB { return r.db }

// Dialect returns the dialect used to classify errors.
func (r *TxRunner) Dialect() Dialect { return r.dialect }

// Run executes fn in a transaction.  Once the attempts are exhausted the
// failure surfaces as Conflict.  Any other error aborts immediately and is
// returned unchanged.
func (r *TxRunner) Run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = WithTx(ctx, r.db, fn)
			return lastErr
		},
		IsFatalError: func(err error) bool { return !r.dialect.IsRetryable(err) },
		NotifyFunc: func(err error, attempt int) {
			r.log.Debug("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    r.cfg.Attempts,
		Delay:       r.cfg.Delay,
		MaxDelay:    r.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		// Backoff sleeps follow wall time even when callers run on a test
		// clock.
		Clock: clock.WallClock,
		Stop:  ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		r.log.Warn("transaction retries exhausted", zap.Int("attempts", r.cfg.Attempts), zap.Error(lastErr))
		return errs.New(errs.KindConflict, "the booking system is busy, please try again")
	}
	if retry.IsRetryStopped(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	// Fatal errors come back annotated; hand the caller the original.
	return lastErr
}

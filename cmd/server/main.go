package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/bay-reservation/internal/blockout"
	"github.com/iliyamo/bay-reservation/internal/checkout"
	"github.com/iliyamo/bay-reservation/internal/config"
	"github.com/iliyamo/bay-reservation/internal/database"
	"github.com/iliyamo/bay-reservation/internal/handler"
	"github.com/iliyamo/bay-reservation/internal/ledger"
	"github.com/iliyamo/bay-reservation/internal/logging"
	"github.com/iliyamo/bay-reservation/internal/membership"
	"github.com/iliyamo/bay-reservation/internal/middleware"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/obs"
	"github.com/iliyamo/bay-reservation/internal/queue"
	"github.com/iliyamo/bay-reservation/internal/repository"
	"github.com/iliyamo/bay-reservation/internal/reservation"
	"github.com/iliyamo/bay-reservation/internal/router"
	queue_publisher "github.com/iliyamo/bay-reservation/internal/service"
	"github.com/iliyamo/bay-reservation/internal/slotgen"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, "bay-reservation", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	db, err := database.Open(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, db, database.MySQLSchema); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable; profile cache, response cache and rate limiting are off")
	} else {
		defer rdb.Close()
	}

	// Both are validated by config.Load.
	schedule, _ := cfg.Booking.Schedule()
	policy, _ := cfg.Booking.Policy()

	clk := clock.WallClock
	dialect := database.MySQL
	bays := repository.NewBayRepo(db, dialect)
	slots := repository.NewSlotRepo(db, dialect)
	bookings := repository.NewBookingRepo(db, dialect)
	blockOuts := repository.NewBlockOutRepo(db, dialect)
	led := ledger.New(slots, clk)
	txr := database.NewTxRunner(db, dialect, database.RetryConfig{Attempts: cfg.Booking.TxAttempts}, log)
	registry := blockout.NewRegistry(txr, bays, blockOuts, slots, led, clk, log.Named("blockout"))

	var profiles membership.Source = membership.NewRepoSource(repository.NewMembershipRepo(db))
	if rdb != nil {
		profiles = membership.NewCachedSource(profiles, rdb, cfg.Booking.ProfileCacheTTL, log)
	}

	publisher := queue_publisher.NewEventPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.EventsQueue, log)
	defer publisher.Close()

	engine := reservation.New(reservation.Deps{
		DB:        db,
		Dialect:   dialect,
		Bays:      bays,
		Bookings:  bookings,
		Ledger:    led,
		BlockOuts: registry,
		Policy:    policy,
		Profiles:  profiles,
		Publisher: publisher,
		Clock:     clk,
		Logger:    log,
	}, reservation.Config{HoldTTL: cfg.Booking.HoldTTL, TxAttempts: cfg.Booking.TxAttempts})

	reconciler, resolver, err := payments(cfg, engine, db, bookings, log)
	if err != nil {
		return err
	}

	// Workers are waited on before the deferred closes run.
	var workers errgroup.Group
	gen := slotgen.NewGenerator(txr, slots, blockOuts, led, schedule, clk, log)
	job := slotgen.NewJob(gen, bays, engine, slotgen.JobConfig{
		HorizonDays:      cfg.Booking.HorizonDays,
		ReapInterval:     cfg.Booking.ReapInterval,
		GenerateInterval: cfg.Booking.GenerateInterval,
	}, clk, log)
	workers.Go(func() error {
		job.Run(ctx)
		return nil
	})

	if reconciler != nil {
		consumer := queue.NewPaymentConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.PaymentQueue, cfg.RabbitMQ.ConsumerPrefetch,
			func(ctx context.Context, sessionID string, outcome model.PaymentOutcome) error {
				_, err := reconciler.OnPaymentOutcome(ctx, sessionID, outcome)
				return err
			}, log)
		workers.Go(func() error {
			consumer.Run(ctx)
			return nil
		})
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.Logger())

	h := router.Handlers{
		Ready:    handler.Ready(db),
		Public:   handler.NewPublicHandler(db, bays, led, clk),
		Bookings: handler.NewBookingHandler(engine, reconciler),
		Admin:    handler.NewAdminHandler(db, bays, engine, registry, gen, cfg.Booking.HorizonDays, clk),
	}
	if resolver != nil {
		h.Webhook = handler.NewWebhookHandler(resolver, reconciler, log)
	}
	router.Register(e, h, router.Middleware{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, clk),
		Cache:     middleware.NewRedisCache(cfg.Cache, rdb),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		log.Info("shutting down")
	}
	if err := drain(stop, e, &workers, 10*time.Second); err != nil && serveErr == nil {
		serveErr = err
	}
	log.Info("background workers stopped")
	return serveErr
}

// drain cancels the workers' context, shuts the server down and waits for
// every worker to return.
func drain(stop context.CancelFunc, srv interface{ Shutdown(context.Context) error }, workers *errgroup.Group, timeout time.Duration) error {
	stop()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	_ = workers.Wait()
	return err
}

// payments wires the Omise processor when both keys are configured.  With
// no keys checkout, the webhook and the payment consumer are disabled.
func payments(cfg config.Config, engine *reservation.Engine, db *sql.DB, bookings *repository.BookingRepo,
	log *zap.Logger) (*checkout.Reconciler, checkout.EventResolver, error) {
	if !cfg.Omise.Enabled() {
		log.Warn("omise keys not set; checkout is disabled")
		return nil, nil, nil
	}
	proc, err := checkout.NewOmiseProcessor(cfg.Omise.PublicKey, cfg.Omise.SecretKey, log)
	if err != nil {
		return nil, nil, fmt.Errorf("omise: %w", err)
	}
	rec := checkout.NewReconciler(engine, repository.NewCheckoutRepo(db, database.MySQL), bookings, proc,
		checkout.Pricing{PricePerSlotCents: cfg.Booking.PricePerSlot, Currency: cfg.Booking.Currency}, log)
	return rec, proc, nil
}

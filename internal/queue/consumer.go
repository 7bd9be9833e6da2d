package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/errs"
	"github.com/iliyamo/bay-reservation/internal/model"
)

// OutcomeFunc applies a payment outcome to the session with the given
// processor id.
type OutcomeFunc func(ctx context.Context, sessionID string, outcome model.PaymentOutcome) error

// PaymentConsumer reads payment.outcome messages and hands them to the
// checkout reconciler.  Malformed messages and domain refusals (unknown
// session, already reconciled) are acknowledged so they are not
// redelivered; infrastructure failures are requeued.
type PaymentConsumer struct {
	url      string
	queue    string
	prefetch int
	handle   OutcomeFunc
	log      *zap.Logger

	dialer        func(url string) (*amqp.Connection, error)
	clock         clock.Clock
	dialDelay     time.Duration
	dialMaxDelay  time.Duration
	reconnectWait time.Duration
}

// NewPaymentConsumer returns a consumer for the durable queue.
func NewPaymentConsumer(url, queue string, prefetch int, handle OutcomeFunc, log *zap.Logger) *PaymentConsumer {
	if prefetch <= 0 {
		prefetch = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentConsumer{
		url:           url,
		queue:         queue,
		prefetch:      prefetch,
		handle:        handle,
		log:           log.Named("payment-consumer"),
		dialer:        amqp.Dial,
		clock:         clock.WallClock,
		dialDelay:     time.Second,
		dialMaxDelay:  30 * time.Second,
		reconnectWait: 2 * time.Second,
	}
}

// Run consumes until ctx is cancelled, reconnecting whenever the broker
// connection is lost.
func (c *PaymentConsumer) Run(ctx context.Context) {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return
		}
		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.reconnectWait):
		}
	}
}

// dial connects to the broker, retrying with a doubling delay (capped at
// dialMaxDelay) until it succeeds or ctx is cancelled.
func (c *PaymentConsumer) dial(ctx context.Context) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			conn, err = c.dialer(c.url)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			c.log.Warn("dial broker failed", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       c.dialDelay,
		MaxDelay:    c.dialMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *PaymentConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming", zap.String("queue", c.queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if c.Handle(ctx, d.Body) {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle processes one message body and reports whether it should be
// requeued.
func (c *PaymentConsumer) Handle(ctx context.Context, body []byte) (requeue bool) {
	var msg PaymentOutcomeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.Warn("dropping malformed payment message", zap.Error(err))
		return false
	}
	outcome := model.PaymentOutcome(msg.Outcome)
	if msg.SessionID == "" || !outcome.Valid() {
		c.log.Warn("dropping invalid payment message",
			zap.String("session_id", msg.SessionID), zap.String("outcome", msg.Outcome))
		return false
	}
	err := c.handle(ctx, msg.SessionID, outcome)
	switch {
	case err == nil:
		return false
	case errs.KindOf(err) != "":
		c.log.Warn("payment message refused",
			zap.String("session_id", msg.SessionID), zap.String("outcome", msg.Outcome), zap.Error(err))
		return false
	default:
		c.log.Error("payment message failed, requeueing",
			zap.String("session_id", msg.SessionID), zap.Error(err))
		return true
	}
}

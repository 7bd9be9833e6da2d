// Package queue_publisher publishes booking events to RabbitMQ.  Callers
// treat publishing as best effort: the state change has already been
// committed when an event is sent, so errors are returned for logging only.
package queue_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	q "github.com/iliyamo/bay-reservation/internal/queue"
)

// EventPublisher sends BookingEvents to a durable queue through the
// default exchange.  The connection is opened lazily and re-opened after
// any failure.
type EventPublisher struct {
	url   string
	queue string
	log   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewEventPublisher returns a publisher for the named queue.
func NewEventPublisher(url, queue string, log *zap.Logger) *EventPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventPublisher{url: url, queue: queue, log: log.Named("event-publisher")}
}

// Encode builds the AMQP message for ev.  Messages are persistent so they
// survive a broker restart.
func Encode(ev q.BookingEvent, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Type:         ev.Type,
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}

// Publish sends ev.
func (p *EventPublisher) Publish(ctx context.Context, ev q.BookingEvent) error {
	msg, err := Encode(ev, time.Now())
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.reset()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// channel returns an open channel, dialling and declaring the queue when
// needed.  p.mu must be held.
func (p *EventPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.log.Info("connected", zap.String("queue", p.queue))
	return ch, nil
}

func (p *EventPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the broker connection.
func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// Package queue defines message payloads exchanged over the message broker
// and the consumer that feeds payment outcomes back into the service.
package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/bay-reservation/internal/model"
)

// Booking event types, used as the "type" field and as routing keys.
const (
	EventBookingHeld      = "booking.held"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingExtended  = "booking.extended"
	EventBookingCancelled = "booking.cancelled"
	EventBookingExpired   = "booking.expired"
	EventBookingCompleted = "booking.completed"
)

// BookingEvent is published after a booking changes state.  It contains
// enough information for downstream consumers to notify the customer or
// feed analytics without querying the primary database.
type BookingEvent struct {
	EventID      string   `json:"event_id"`
	Type         string   `json:"type"`
	BookingID    uint64   `json:"booking_id"`
	CustomerID   uint64   `json:"customer_id"`
	BayID        uint64   `json:"bay_id"`
	State        string   `json:"state"`
	StartsAt     string   `json:"starts_at"`
	EndsAt       string   `json:"ends_at"`
	SlotIDs      []uint64 `json:"slot_ids"`
	CancelReason string   `json:"cancel_reason,omitempty"`
	PaymentRef   string   `json:"payment_ref,omitempty"`
	OccurredAt   string   `json:"occurred_at"`
}

// NewBookingEvent snapshots b into an event of the given type.
func NewBookingEvent(eventType string, b *model.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		BayID:      b.BayID,
		State:      string(b.State),
		StartsAt:   b.StartAt.UTC().Format(time.RFC3339),
		EndsAt:     b.EndAt.UTC().Format(time.RFC3339),
		SlotIDs:    append([]uint64(nil), b.SlotIDs...),
		OccurredAt: at.UTC().Format(time.RFC3339),
	}
	if b.CancelReason != nil {
		ev.CancelReason = *b.CancelReason
	}
	if b.PaymentRef != nil {
		ev.PaymentRef = *b.PaymentRef
	}
	return ev
}

// PaymentOutcomeMessage is consumed from the payment.outcome queue.  It is
// produced by the payment gateway integration once a checkout session
// reaches a final state.
type PaymentOutcomeMessage struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
}

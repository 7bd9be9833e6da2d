package model

import "time"

// BookingState is a node of the booking state machine.
type BookingState string

const (
	BookingPendingPayment BookingState = "PENDING_PAYMENT"
	BookingConfirmed      BookingState = "CONFIRMED"
	BookingCancelled      BookingState = "CANCELLED"
	BookingExpired        BookingState = "EXPIRED"
	BookingCompleted      BookingState = "COMPLETED"
)

// Terminal reports whether no further transition is possible.
func (s BookingState) Terminal() bool {
	return s == BookingCancelled || s == BookingExpired || s == BookingCompleted
}

// Active reports whether the booking currently owns its slots.
func (s BookingState) Active() bool {
	return s == BookingPendingPayment || s == BookingConfirmed
}

// Cancellation reasons recorded on bookings.
const (
	CancelReasonCustomer       = "customer_request"
	CancelReasonPaymentFailed  = "payment_failed"
	CancelReasonHoldExpired    = "hold_expired"
	CancelReasonBlockedByAdmin = "blocked_by_admin"
	CancelReasonAdmin          = "admin_cancelled"
)

// Booking is a customer's reservation of one or more contiguous slots on a
// single bay.  StartAt/EndAt mirror the span of SlotIDs and are widened when
// the booking is extended.  Bookings are never deleted; cancellation moves
// them to CANCELLED.
//
// Fields:
//  ID            – primary key identifier.
//  CustomerID    – identity-provider subject that owns the booking.
//  BayID         – bay the slots belong to.
//  State         – state machine node.
//  StartAt/EndAt – span of the booked slots.
//  SlotIDs       – referenced slots ordered by start time.
//  HoldExpiresAt – deadline for payment while PENDING_PAYMENT.
//  ExtendedAt    – last successful extension (nil if never extended).
//  PaymentRef    – external payment session id, if checkout began.
//  CancelReason  – why the booking was cancelled or expired.
type Booking struct {
	ID            uint64       `json:"id"`
	CustomerID    uint64       `json:"customer_id"`
	BayID         uint64       `json:"bay_id"`
	State         BookingState `json:"state"`
	StartAt       time.Time    `json:"start_at"`
	EndAt         time.Time    `json:"end_at"`
	SlotIDs       []uint64     `json:"slot_ids"`
	HoldExpiresAt time.Time    `json:"hold_expires_at"`
	CreatedAt     time.Time    `json:"created_at"`
	ExtendedAt    *time.Time   `json:"extended_at,omitempty"`
	PaymentRef    *string      `json:"payment_ref,omitempty"`
	CancelReason  *string      `json:"cancel_reason,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Interval returns the booking's span.
func (b Booking) Interval() Interval { return Interval{Start: b.StartAt, End: b.EndAt} }

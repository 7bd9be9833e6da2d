// Package checkout links PENDING_PAYMENT bookings to an external payment
// processor and turns the processor's outcome notifications into booking
// confirmations or cancellations.
package checkout

import (
	"context"

	"github.com/iliyamo/bay-reservation/internal/model"
)

// SessionRequest describes the charge to open for a booking.
type SessionRequest struct {
	BookingID      uint64
	AmountCents    int64
	Currency       string
	ReturnURL      string
	SourceID       string
	IdempotencyKey string
}

// Session is what the processor hands back: its own id for the charge and
// the URL the customer must visit to authorise it.
type Session struct {
	ExternalID  string
	RedirectURL string
}

// Processor opens payment sessions.  Implementations must not touch the
// database; the reconciler calls them outside any transaction.
type Processor interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
}

// EventResolver re-fetches a webhook notification from the processor so
// that the payload posted to us is never trusted as is.  ok is false for
// events that carry no payment outcome.
type EventResolver interface {
	ResolveEvent(ctx context.Context, eventID string) (externalID string, outcome model.PaymentOutcome, ok bool, err error)
}

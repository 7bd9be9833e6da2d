package model

import "time"

// PaymentOutcome is the result reported by the payment processor.
type PaymentOutcome string

const (
	OutcomePending   PaymentOutcome = "pending"
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
	OutcomeExpired   PaymentOutcome = "expired"
)

// Valid reports whether o is one of the known outcomes.
func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeSucceeded, OutcomeFailed, OutcomeExpired:
		return true
	}
	return false
}

// CheckoutSession links a PENDING_PAYMENT booking to a processor
// transaction.  Sessions are kept after reconciliation with their final
// outcome and ReconciledAt set.
type CheckoutSession struct {
	ID           uint64         `json:"id"`
	BookingID    uint64         `json:"booking_id"`
	ExternalID   string         `json:"external_id"`
	RedirectURL  string         `json:"redirect_url"`
	AmountCents  int64          `json:"amount_cents"`
	Currency     string         `json:"currency"`
	Outcome      PaymentOutcome `json:"outcome"`
	CreatedAt    time.Time      `json:"created_at"`
	ReconciledAt *time.Time     `json:"reconciled_at,omitempty"`
}

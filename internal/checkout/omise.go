package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/model"
)

const chargeCompleteEvent = "charge.complete"

// OmiseProcessor opens Omise charges against a client-created source and
// resolves Omise webhook events.
type OmiseProcessor struct {
	client *omise.Client
	log    *zap.Logger
}

// NewOmiseProcessor builds an Omise client from the key pair.
func NewOmiseProcessor(publicKey, secretKey string, log *zap.Logger) (*OmiseProcessor, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	if log == nil {
		log = zap.NewNop()
	}
	return &OmiseProcessor{client: c, log: log.Named("omise")}, nil
}

// CreateSession creates a charge and returns its id and authorize_uri.
func (p *OmiseProcessor) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if req.SourceID == "" {
		return Session{}, fmt.Errorf("omise charge needs a payment source")
	}
	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:    req.AmountCents,
		Currency:  strings.ToLower(req.Currency),
		Source:    req.SourceID,
		ReturnURI: req.ReturnURL,
		Metadata: map[string]interface{}{
			"booking_id":      strconv.FormatUint(req.BookingID, 10),
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if err := p.client.Do(ch, op); err != nil {
		return Session{}, fmt.Errorf("omise create charge: %w", err)
	}
	p.log.Info("charge created",
		zap.String("charge_id", ch.ID), zap.Uint64("booking_id", req.BookingID), zap.String("status", string(ch.Status)))
	return Session{ExternalID: ch.ID, RedirectURL: ch.AuthorizeURI}, nil
}

// ResolveEvent retrieves the event from Omise and, for charge.complete,
// returns the charge id with its mapped outcome.
func (p *OmiseProcessor) ResolveEvent(ctx context.Context, eventID string) (string, model.PaymentOutcome, bool, error) {
	ev := &omise.Event{}
	if err := p.client.Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return "", "", false, fmt.Errorf("omise retrieve event: %w", err)
	}
	if ev.Key != chargeCompleteEvent {
		return "", "", false, nil
	}
	// ev.Data is decoded as a generic map; round-trip it into a Charge.
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return "", "", false, fmt.Errorf("omise event data: %w", err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return "", "", false, fmt.Errorf("omise event charge: %w", err)
	}
	return ch.ID, ChargeOutcome(string(ch.Status)), true, nil
}

// ChargeOutcome maps an Omise charge status to a payment outcome.
func ChargeOutcome(status string) model.PaymentOutcome {
	switch status {
	case "successful":
		return model.OutcomeSucceeded
	case "failed", "reversed":
		return model.OutcomeFailed
	case "expired":
		return model.OutcomeExpired
	default:
		return model.OutcomePending
	}
}

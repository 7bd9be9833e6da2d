package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/bay-reservation/internal/checkout"
	"github.com/iliyamo/bay-reservation/internal/errs"
)

// WebhookHandler receives payment processor notifications.  The posted
// payload is only trusted for its event id: the event itself is fetched
// back from the processor before anything is reconciled.
type WebhookHandler struct {
	resolver   checkout.EventResolver
	reconciler *checkout.Reconciler
	log        *zap.Logger
}

// NewWebhookHandler returns a WebhookHandler.
func NewWebhookHandler(resolver checkout.EventResolver, rec *checkout.Reconciler, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{resolver: resolver, reconciler: rec, log: log.Named("webhook")}
}

type webhookEvent struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Receive handles POST /v1/payments/webhook.  Malformed, unrelated and
// unknown-session notifications are acknowledged with 200 so the
// processor stops retrying them; only infrastructure failures answer 500.
func (h *WebhookHandler) Receive(c echo.Context) error {
	var ev webhookEvent
	if err := c.Bind(&ev); err != nil || ev.ID == "" {
		h.log.Warn("malformed payment notification", zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}
	log := h.log.With(zap.String("event_id", ev.ID), zap.String("key", ev.Key))

	ctx := c.Request().Context()
	externalID, outcome, ok, err := h.resolver.ResolveEvent(ctx, ev.ID)
	if err != nil {
		log.Error("resolve payment event", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "INTERNAL", "message": "could not verify event"})
	}
	if !ok {
		log.Debug("payment event ignored")
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}

	res, err := h.reconciler.OnPaymentOutcome(ctx, externalID, outcome)
	if err != nil {
		if errs.KindOf(err) != "" {
			log.Warn("payment notification not applied", zap.String("session", externalID), zap.Error(err))
			return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
		}
		log.Error("reconcile payment", zap.String("session", externalID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "INTERNAL", "message": "reconciliation failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"status":    "processed",
		"outcome":   outcome,
		"duplicate": res.Duplicate,
		"stale":     res.Stale,
	})
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"log/slog"
)

// eventHandler decides the payment status an event moves to. An empty status
// only back-fills identifiers.
type eventHandler func(ev gateway.Event) (to Status, reason string)

func (e *Engine) defaultHandlers() map[gateway.EventKind]eventHandler {
	return map[gateway.EventKind]eventHandler{
		gateway.EventIntentSucceeded: func(gateway.Event) (Status, string) {
			return StatusSucceeded, ""
		},
		gateway.EventIntentFailed: func(ev gateway.Event) (Status, string) {
			if ev.FailureReason == "" {
				return StatusFailed, "payment failed"
			}
			return StatusFailed, ev.FailureReason
		},
		gateway.EventIntentProcessing: func(gateway.Event) (Status, string) {
			return StatusProcessing, ""
		},
		gateway.EventIntentCanceled: func(ev gateway.Event) (Status, string) {
			if ev.FailureReason == "" {
				return StatusCancelled, "payment intent canceled"
			}
			return StatusCancelled, ev.FailureReason
		},
		gateway.EventSessionCompleted: func(ev gateway.Event) (Status, string) {
			if ev.Status == gateway.SessionPaid || ev.Status == gateway.SessionNoPaymentRequired {
				return StatusSucceeded, ""
			}
			// async payment methods complete the session unpaid; the intent
			// events carry the result
			return "", ""
		},
		gateway.EventSessionExpired: func(gateway.Event) (Status, string) {
			return StatusCancelled, "checkout session expired"
		},
	}
}

// ApplyEvent reconciles one verified gateway event. Events that match no
// payment, event kinds nobody handles and transitions out of a terminal
// state are logged and dropped; only persistence and gateway failures are
// returned, so the event can be delivered again.
func (e *Engine) ApplyEvent(ctx context.Context, ev gateway.Event) error {
	h, ok := e.handlers[ev.Kind]
	if !ok {
		e.log.Info("gateway event ignored", "event_id", ev.ID, "kind", ev.Kind)
		return nil
	}
	to, reason := h(ev)
	return e.reconcile(ctx, ev, to, reason)
}

func (e *Engine) reconcile(ctx context.Context, ev gateway.Event, to Status, reason string) error {
	for attempt := 0; ; attempt++ {
		err := e.reconcileOnce(ctx, ev, to, reason)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= casRetries {
			return persistence("apply payment outcome", err)
		}
		e.log.Debug("payment outcome conflict, retrying", "event_id", ev.ID, "attempt", attempt+1)
	}
}

const casRetries = 3

func (e *Engine) reconcileOnce(ctx context.Context, ev gateway.Event, to Status, reason string) error {
	p, err := e.resolve(ctx, ev)
	if errors.Is(err, ErrNotFound) {
		e.log.Warn("gateway event matches no payment",
			"event_id", ev.ID, "kind", ev.Kind, "intent_id", ev.IntentID, "session_id", ev.SessionID, "order_id", ev.OrderID)
		return nil
	}
	if err != nil {
		return err
	}
	log := e.log.With("event_id", ev.ID, "kind", ev.Kind, "payment_id", p.ID, "order_id", p.OrderID)

	backfill := ""
	if ev.IntentID != "" && p.IntentID == "" && p.Channel == ChannelCheckoutSession {
		backfill = ev.IntentID
	}

	if to == "" || to == p.Status {
		if backfill != "" {
			return e.backfill(ctx, p, backfill, log)
		}
		return nil
	}
	if p.Status.Terminal() {
		log.Info("payment already final, event ignored", "status", p.Status, "event_status", to)
		return nil
	}
	if !CanTransition(p.Status, to) {
		log.Warn("payment transition not allowed, event ignored", "from", p.Status, "to", to)
		return nil
	}

	o, err := e.orders.GetOrder(ctx, p.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Error("payment without order, event ignored")
		return nil
	}
	if err != nil {
		return err
	}
	out := Outcome{
		PaymentID: p.ID,
		OrderID:   o.ID,
		From:      p.Status,
		To:        to,
		IntentID:  backfill,
		Payload:   ev.Object,
		OrderFrom: o.Status,
		OrderTo:   o.Status,
	}
	switch to {
	case StatusSucceeded:
		out.OrderPayment = orders.PaymentPaid
		if orders.CanTransition(o.Status, orders.StatusConfirmed) {
			out.OrderTo = orders.StatusConfirmed
		} else {
			log.Warn("payment succeeded for order that cannot be confirmed, refund needed", "order_status", o.Status)
		}
	case StatusFailed, StatusCancelled:
		out.OrderPayment = orders.PaymentFailed
		out.FailureReason = reason
	case StatusProcessing:
		out.OrderPayment = orders.PaymentProcessing
	}

	if err := e.store.ApplyOutcome(ctx, out); err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		return persistence("apply payment outcome", err)
	}
	e.invalidate(ctx, o.ID)
	log.Info("payment reconciled", "from", out.From, "to", out.To, "order_status", out.OrderTo, "order_payment", out.OrderPayment)

	switch {
	case to == StatusSucceeded && out.OrderTo == orders.StatusConfirmed && out.OrderFrom != out.OrderTo:
		orders.Emit(e.Events, e.cfg.Producer, orders.EventOrderConfirmed, o.ID, orders.OrderConfirmedPayload{
			OrderID:       o.ID,
			PaymentID:     p.ID,
			CorrelationID: p.CorrelationID(),
			Email:         o.Customer.Email,
			CustomerName:  o.Customer.FullName(),
			TotalCents:    o.TotalCents,
			Currency:      o.Currency,
		})
	case to == StatusFailed || to == StatusCancelled:
		orders.Emit(e.Events, e.cfg.Producer, orders.EventPaymentFailed, o.ID, orders.PaymentFailedPayload{
			OrderID:   o.ID,
			PaymentID: p.ID,
			Reason:    reason,
		})
	}
	return nil
}

func (e *Engine) backfill(ctx context.Context, p *Payment, intentID string, log *slog.Logger) error {
	err := e.store.BackfillIntent(ctx, p.ID, intentID)
	switch {
	case err == nil:
		log.Info("intent id recorded on session payment", "intent_id", intentID)
		return nil
	case errors.Is(err, orders.ErrInvalidTransition):
		log.Info("intent id not recorded on final payment", "intent_id", intentID)
		return nil
	case errors.Is(err, ErrConflict):
		return err
	}
	return persistence("backfill intent", err)
}

// resolve finds the payment an event is about: by intent id, then session id.
// An intent event for a checkout payment that has not seen its intent id yet
// is matched through the order id in metadata, but only after the session
// confirms it owns that intent.
func (e *Engine) resolve(ctx context.Context, ev gateway.Event) (*Payment, error) {
	if ev.IntentID != "" {
		p, err := e.store.PaymentByIntent(ctx, ev.IntentID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, wrapLookup(err)
		}
	}
	if ev.SessionID != "" {
		p, err := e.store.PaymentBySession(ctx, ev.SessionID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, wrapLookup(err)
		}
	}
	if ev.IntentID == "" || ev.OrderID == "" {
		return nil, ErrNotFound
	}
	p, err := e.store.PaymentByOrder(ctx, ev.OrderID)
	if err != nil {
		return nil, wrapLookup(err)
	}
	if p.Channel != ChannelCheckoutSession || p.IntentID != "" || p.SessionID == "" {
		return nil, ErrNotFound
	}
	s, err := e.gw.RetrieveSession(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve intent %s: %w", ev.IntentID, err)
	}
	if s.IntentID != ev.IntentID {
		return nil, ErrNotFound
	}
	return p, nil
}

func wrapLookup(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return persistence("load payment", err)
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/google/uuid"
	"log/slog"
	"net/url"
	"strings"
)

type Config struct {
	WebhookSecret string
	Currency      string
	// FrontendURL is where checkout sessions send the customer back to.
	FrontendURL string
	Producer    string
}

// Engine owns payment initiation and reconciliation of gateway outcomes onto
// payments and orders.
type Engine struct {
	cfg      Config
	store    Store
	orders   OrderReader
	gw       gateway.Client
	log      *slog.Logger
	handlers map[gateway.EventKind]eventHandler

	Inbox  Inbox            // nil applies verified events inline
	Events orders.Publisher // optional
	Cache  orders.StatusCache
}

func NewEngine(cfg Config, store Store, ord OrderReader, gw gateway.Client, log *slog.Logger) *Engine {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	e := &Engine{cfg: cfg, store: store, orders: ord, gw: gw, log: logx.Or(log)}
	e.handlers = e.defaultHandlers()
	return e
}

// InitiatePayment starts (or resumes) payment of a pending order on the given
// channel. A repeated call while the same channel is still pending returns
// the existing gateway object.
func (e *Engine) InitiatePayment(ctx context.Context, orderID string, ch Channel) (*Initiation, error) {
	if _, err := ParseChannel(string(ch)); err != nil {
		return nil, err
	}
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.PaymentByOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		existing = nil
	} else if err != nil {
		return nil, persistence("load payment", err)
	}

	if existing != nil && existing.Status.Blocking() {
		return nil, fmt.Errorf("order %s: payment %s is %s: %w", orderID, existing.ID, existing.Status, ErrPaymentAlreadyInProgress)
	}
	if !orders.CanTransitionPayment(o.PaymentStatus, orders.PaymentProcessing) {
		return nil, fmt.Errorf("order %s: payment status %s: %w", orderID, o.PaymentStatus, ErrPaymentAlreadyInProgress)
	}
	if o.Status != orders.StatusPending {
		return nil, &orders.TransitionError{Entity: "order", ID: orderID, From: string(o.Status), To: "PAYMENT " + string(orders.PaymentProcessing)}
	}

	if existing != nil && existing.Status == StatusPending {
		if existing.Channel == ch {
			init, ok, err := e.resume(ctx, existing)
			if err != nil || ok {
				return init, err
			}
		} else if err := e.supersede(ctx, existing); err != nil {
			return nil, err
		}
	}

	p := &Payment{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Channel:     ch,
		AmountCents: o.TotalCents,
		Currency:    e.currencyOf(o),
		Status:      StatusPending,
		Attempt:     1,
	}
	if existing != nil {
		p.ID = existing.ID
		p.Attempt = existing.Attempt + 1
	}
	meta := map[string]string{
		gateway.MetadataOrderID: o.ID,
		"customer_email":        o.Customer.Email,
		"customer_name":         o.Customer.FullName(),
	}
	idem := fmt.Sprintf("%s:%s:%d", o.ID, ch, p.Attempt)

	init := &Initiation{OrderID: o.ID, Channel: ch, AmountCents: p.AmountCents, Currency: p.Currency}
	switch ch {
	case ChannelIntent:
		in, err := e.gw.CreateIntent(ctx, gateway.IntentRequest{
			AmountCents:    p.AmountCents,
			Currency:       p.Currency,
			ReceiptEmail:   o.Customer.Email,
			Metadata:       meta,
			IdempotencyKey: idem,
		})
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", orderID, err)
		}
		p.IntentID = in.ID
		p.GatewayPayload = in.Raw
		init.ClientSecret = in.ClientSecret
	case ChannelCheckoutSession:
		s, err := e.gw.CreateCheckoutSession(ctx, gateway.SessionRequest{
			AmountCents:    p.AmountCents,
			Currency:       p.Currency,
			CustomerEmail:  o.Customer.Email,
			LineItems:      lineItems(o),
			SuccessURL:     e.successURL(o.ID),
			CancelURL:      e.cancelURL(o.ID),
			Metadata:       meta,
			IdempotencyKey: idem,
		})
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", orderID, err)
		}
		p.SessionID = s.ID
		p.IntentID = s.IntentID
		p.CheckoutURL = s.URL
		p.GatewayPayload = s.Raw
		init.RedirectURL = s.URL
	}

	if err := e.store.SaveAttempt(ctx, p); err != nil {
		if errors.Is(err, ErrPaymentAlreadyInProgress) {
			return nil, fmt.Errorf("order %s: %w", orderID, err)
		}
		return nil, persistence("save payment attempt", err)
	}
	e.invalidate(ctx, o.ID)
	e.log.Info("payment initiated",
		"order_id", o.ID, "payment_id", p.ID, "channel", ch,
		"correlation_id", p.CorrelationID(), "attempt", p.Attempt)

	init.PaymentID = p.ID
	init.CorrelationID = p.CorrelationID()
	return init, nil
}

// resume returns the live gateway object of a pending payment. ok is false
// when the object is gone (canceled intent, expired session) and a new
// attempt is needed.
func (e *Engine) resume(ctx context.Context, p *Payment) (*Initiation, bool, error) {
	init := &Initiation{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		Channel:       p.Channel,
		CorrelationID: p.CorrelationID(),
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Reused:        true,
	}
	switch p.Channel {
	case ChannelIntent:
		in, err := e.gw.RetrieveIntent(ctx, p.IntentID)
		if err != nil {
			return nil, false, fmt.Errorf("order %s: %w", p.OrderID, err)
		}
		if to, ok := statusFromIntent(in.Status); ok && to != StatusFailed && to != StatusCancelled {
			// already moving at the processor; record it instead of handing
			// out the secret again
			return nil, false, e.settleIntent(ctx, p, in, to)
		}
		if in.Status == gateway.IntentCanceled {
			return nil, false, nil
		}
		init.ClientSecret = in.ClientSecret
	case ChannelCheckoutSession:
		s, err := e.gw.RetrieveSession(ctx, p.SessionID)
		if err != nil {
			return nil, false, fmt.Errorf("order %s: %w", p.OrderID, err)
		}
		if s.Status == gateway.SessionComplete {
			return nil, false, e.settleSession(ctx, p, s)
		}
		if s.Status != gateway.SessionOpen {
			return nil, false, nil
		}
		init.RedirectURL = p.CheckoutURL
		if init.RedirectURL == "" {
			init.RedirectURL = s.URL
		}
	}
	return init, true, nil
}

// supersede retires the live gateway object of a pending payment before the
// order moves to another channel. The payment row keeps only the newest
// attempt's ids, so an object left open could be paid without ever matching.
// An object that is already paying is reconciled and blocks the switch.
func (e *Engine) supersede(ctx context.Context, p *Payment) error {
	switch p.Channel {
	case ChannelIntent:
		if p.IntentID == "" {
			return nil
		}
		in, err := e.gw.RetrieveIntent(ctx, p.IntentID)
		if err != nil {
			return fmt.Errorf("order %s: %w", p.OrderID, err)
		}
		if to, ok := statusFromIntent(in.Status); ok {
			if to == StatusSucceeded || to == StatusProcessing {
				return e.settleIntent(ctx, p, in, to)
			}
			return nil
		}
		if _, err := e.gw.CancelIntent(ctx, in.ID); err != nil {
			return fmt.Errorf("order %s: void intent %s: %w", p.OrderID, in.ID, err)
		}
	case ChannelCheckoutSession:
		if p.SessionID == "" {
			return nil
		}
		s, err := e.gw.RetrieveSession(ctx, p.SessionID)
		if err != nil {
			return fmt.Errorf("order %s: %w", p.OrderID, err)
		}
		if s.Status == gateway.SessionComplete {
			return e.settleSession(ctx, p, s)
		}
		if s.Status != gateway.SessionOpen {
			return nil
		}
		if _, err := e.gw.ExpireSession(ctx, s.ID); err != nil {
			return fmt.Errorf("order %s: expire session %s: %w", p.OrderID, s.ID, err)
		}
	}
	e.log.Info("superseded payment attempt voided at gateway",
		"order_id", p.OrderID, "payment_id", p.ID, "channel", p.Channel, "correlation_id", p.CorrelationID())
	return nil
}

// settleIntent records an intent that is already paying and reports the
// payment as in progress.
func (e *Engine) settleIntent(ctx context.Context, p *Payment, in *gateway.Intent, to Status) error {
	ev := gateway.Event{ID: "resume:" + in.ID, IntentID: in.ID, Status: string(in.Status), Object: in.Raw}
	if err := e.reconcile(ctx, ev, to, ""); err != nil {
		return err
	}
	return fmt.Errorf("order %s: intent %s is %s: %w", p.OrderID, in.ID, in.Status, ErrPaymentAlreadyInProgress)
}

// settleSession does the same for a completed checkout session. One completed
// but not yet paid is recorded as PROCESSING.
func (e *Engine) settleSession(ctx context.Context, p *Payment, s *gateway.Session) error {
	to := StatusProcessing
	if s.PaymentStatus == gateway.SessionPaid || s.PaymentStatus == gateway.SessionNoPaymentRequired {
		to = StatusSucceeded
	}
	ev := gateway.Event{ID: "resume:" + s.ID, SessionID: s.ID, IntentID: s.IntentID, Status: s.PaymentStatus, Object: s.Raw}
	if err := e.reconcile(ctx, ev, to, ""); err != nil {
		return err
	}
	return fmt.Errorf("order %s: session %s is %s: %w", p.OrderID, s.ID, s.Status, ErrPaymentAlreadyInProgress)
}

// ConfirmPayment polls the processor for an intent and applies its status.
func (e *Engine) ConfirmPayment(ctx context.Context, intentID string) (*Payment, error) {
	if _, err := e.store.PaymentByIntent(ctx, intentID); err != nil {
		return nil, e.lookupErr(err)
	}
	in, err := e.gw.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if to, ok := statusFromIntent(in.Status); ok {
		reason := in.FailureReason
		if reason == "" && to == StatusFailed {
			reason = "payment intent " + string(in.Status)
		}
		ev := gateway.Event{ID: "poll:" + intentID, IntentID: intentID, Status: string(in.Status), FailureReason: reason, Object: in.Raw}
		if err := e.reconcile(ctx, ev, to, reason); err != nil {
			return nil, err
		}
	}
	p, err := e.store.PaymentByIntent(ctx, intentID)
	if err != nil {
		return nil, e.lookupErr(err)
	}
	return p, nil
}

// ConfirmSession polls a checkout session and applies its outcome.
func (e *Engine) ConfirmSession(ctx context.Context, sessionID string) (*Payment, error) {
	if _, err := e.store.PaymentBySession(ctx, sessionID); err != nil {
		return nil, e.lookupErr(err)
	}
	s, err := e.gw.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ev := gateway.Event{ID: "poll:" + sessionID, SessionID: sessionID, IntentID: s.IntentID, Status: s.PaymentStatus, Object: s.Raw}
	var to Status
	switch {
	case s.PaymentStatus == gateway.SessionPaid || s.PaymentStatus == gateway.SessionNoPaymentRequired:
		to = StatusSucceeded
	case s.Status == gateway.SessionExpired:
		to = StatusCancelled
	}
	reason := ""
	if to == StatusCancelled {
		reason = "checkout session expired"
	}
	if err := e.reconcile(ctx, ev, to, reason); err != nil {
		return nil, err
	}
	p, err := e.store.PaymentBySession(ctx, sessionID)
	if err != nil {
		return nil, e.lookupErr(err)
	}
	return p, nil
}

// CancelPendingPayment voids the pending intent of an order at the processor
// and records the payment as CANCELLED. Session payments are left for the
// session to expire.
func (e *Engine) CancelPendingPayment(ctx context.Context, orderID string) error {
	p, err := e.store.PaymentByOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return persistence("load payment", err)
	}
	if p.Status != StatusPending || p.Channel != ChannelIntent || p.IntentID == "" {
		return nil
	}
	in, err := e.gw.CancelIntent(ctx, p.IntentID)
	if err != nil {
		return fmt.Errorf("order %s: %w", orderID, err)
	}
	ev := gateway.Event{ID: "void:" + p.IntentID, IntentID: p.IntentID, Status: string(in.Status), Object: in.Raw}
	return e.reconcile(ctx, ev, StatusCancelled, "order cancelled")
}

// GetPaymentStatus looks a payment up by intent id, then by session id.
func (e *Engine) GetPaymentStatus(ctx context.Context, correlationID string) (*Payment, error) {
	p, err := e.store.PaymentByIntent(ctx, correlationID)
	if errors.Is(err, ErrNotFound) {
		p, err = e.store.PaymentBySession(ctx, correlationID)
	}
	if err != nil {
		return nil, e.lookupErr(err)
	}
	return p, nil
}

func (e *Engine) GetPaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	p, err := e.store.PaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, e.lookupErr(err)
	}
	return p, nil
}

func (e *Engine) lookupErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return persistence("load payment", err)
}

func (e *Engine) invalidate(ctx context.Context, orderID string) {
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, orderID)
	}
}

func (e *Engine) currencyOf(o *orders.Order) string {
	if o.Currency != "" {
		return o.Currency
	}
	return e.cfg.Currency
}

func (e *Engine) successURL(orderID string) string {
	return e.returnURL() + "success=true&session_id={CHECKOUT_SESSION_ID}&order_id=" + url.QueryEscape(orderID)
}

func (e *Engine) cancelURL(orderID string) string {
	return e.returnURL() + "canceled=true&order_id=" + url.QueryEscape(orderID)
}

func (e *Engine) returnURL() string {
	u := e.cfg.FrontendURL
	if strings.Contains(u, "?") {
		return u + "&"
	}
	return u + "?"
}

func lineItems(o *orders.Order) []gateway.LineItem {
	out := make([]gateway.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, gateway.LineItem{
			Name:            it.Name,
			Description:     it.Description,
			UnitAmountCents: it.UnitPriceCents,
			Quantity:        int64(it.Qty),
		})
	}
	return out
}

// statusFromIntent maps a processor intent status onto a payment status. ok
// is false for the requires_* states, which leave the payment as it is.
func statusFromIntent(s gateway.IntentStatus) (Status, bool) {
	switch s {
	case gateway.IntentSucceeded:
		return StatusSucceeded, true
	case gateway.IntentProcessing, gateway.IntentRequiresCapture:
		return StatusProcessing, true
	case gateway.IntentRequiresPaymentMethod, gateway.IntentRequiresConfirmation, gateway.IntentRequiresAction:
		return "", false
	case gateway.IntentCanceled:
		return StatusCancelled, true
	}
	return StatusFailed, true
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"net/http"
	"strings"
	"time"
)

// Stripe is the Client backed by the Stripe API. Each instance carries its own
// key and HTTP client; nothing is set on the stripe package globals.
type Stripe struct {
	api *client.API
}

var _ Client = (*Stripe)(nil)

func NewStripe(secretKey string, timeout time.Duration) *Stripe {
	api := &client.API{}
	api.Init(secretKey, stripe.NewBackends(&http.Client{Timeout: timeout}))
	return &Stripe{api: api}
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify("create payment intent", err)
	}
	return intentFrom(pi), nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if id := req.Metadata[MetadataOrderID]; id != "" {
		params.ClientReferenceID = stripe.String(id)
	}
	for _, li := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(li.Name)}
		if li.Description != "" {
			product.Description = stripe.String(li.Description)
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				UnitAmount:  stripe.Int64(li.UnitAmountCents),
				ProductData: product,
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classify("create checkout session", err)
	}
	return sessionFrom(cs), nil
}

func (s *Stripe) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classify("retrieve payment intent", err)
	}
	return intentFrom(pi), nil
}

func (s *Stripe) RetrieveSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, classify("retrieve checkout session", err)
	}
	return sessionFrom(cs), nil
}

func (s *Stripe) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, classify("cancel payment intent", err)
	}
	return intentFrom(pi), nil
}

func (s *Stripe) ExpireSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	cs, err := s.api.CheckoutSessions.Expire(id, params)
	if err != nil {
		return nil, classify("expire checkout session", err)
	}
	return sessionFrom(cs), nil
}

// VerifyAndParseEvent checks the Stripe-Signature header against secret and
// decodes the event object. API version mismatches are tolerated; only the
// fields read below matter.
func (s *Stripe) VerifyAndParseEvent(payload []byte, sigHeader, secret string) (Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret,
		webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return Event{}, fmt.Errorf("%w: %v", ErrVerification, err)
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data object", ErrMalformedEvent, ev.ID)
	}

	out := Event{
		ID:      ev.ID,
		Kind:    EventKind(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
		Object:  ev.Data.Raw,
	}
	switch {
	case strings.HasPrefix(string(ev.Type), "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil || pi.ID == "" {
			return Event{}, fmt.Errorf("%w: payment intent object of event %s", ErrMalformedEvent, ev.ID)
		}
		out.IntentID = pi.ID
		out.Status = string(pi.Status)
		out.OrderID = pi.Metadata[MetadataOrderID]
		if pi.LastPaymentError != nil {
			out.FailureReason = pi.LastPaymentError.Msg
		}
	case strings.HasPrefix(string(ev.Type), "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil || cs.ID == "" {
			return Event{}, fmt.Errorf("%w: checkout session object of event %s", ErrMalformedEvent, ev.ID)
		}
		out.SessionID = cs.ID
		out.Status = string(cs.PaymentStatus)
		out.OrderID = cs.Metadata[MetadataOrderID]
		if out.OrderID == "" {
			out.OrderID = cs.ClientReferenceID
		}
		if cs.PaymentIntent != nil {
			out.IntentID = cs.PaymentIntent.ID
		}
	}
	return out, nil
}

func intentFrom(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
	}
	if pi.LastPaymentError != nil {
		in.FailureReason = pi.LastPaymentError.Msg
	}
	if pi.LastResponse != nil {
		in.Raw = pi.LastResponse.RawJSON
	}
	return in
}

func sessionFrom(cs *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        string(cs.Status),
		PaymentStatus: string(cs.PaymentStatus),
	}
	if cs.PaymentIntent != nil {
		out.IntentID = cs.PaymentIntent.ID
	}
	if cs.LastResponse != nil {
		out.Raw = cs.LastResponse.RawJSON
	}
	return out
}

// classify maps Stripe failures onto ErrUnavailable (retry) or ErrRejected.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests || se.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

package payments

import (
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"time"
)

type Channel string

const (
	ChannelIntent          Channel = "intent"
	ChannelCheckoutSession Channel = "checkout_session"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelIntent, ChannelCheckoutSession:
		return Channel(s), nil
	}
	return "", &orders.ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", s)}
}

// Payment is the single payment row of an order. Exactly one channel is
// active; a checkout-session payment may additionally carry the intent id
// the processor created for it.
type Payment struct {
	ID             string          `json:"payment_id"`
	OrderID        string          `json:"order_id"`
	Channel        Channel         `json:"channel"`
	IntentID       string          `json:"intent_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	AmountCents    int64           `json:"amount_cents"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	GatewayPayload json.RawMessage `json:"-"`
	CheckoutURL    string          `json:"checkout_url,omitempty"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p *Payment) CorrelationID() string {
	if p.Channel == ChannelCheckoutSession {
		return p.SessionID
	}
	return p.IntentID
}

func (p *Payment) Clone() *Payment {
	c := *p
	c.GatewayPayload = append(json.RawMessage(nil), p.GatewayPayload...)
	return &c
}

// Initiation is what the caller needs to take the customer to payment.
type Initiation struct {
	PaymentID     string  `json:"payment_id"`
	OrderID       string  `json:"order_id"`
	Channel       Channel `json:"channel"`
	CorrelationID string  `json:"correlation_id"`
	ClientSecret  string  `json:"client_secret,omitempty"`
	RedirectURL   string  `json:"redirect_url,omitempty"`
	AmountCents   int64   `json:"amount_cents"`
	Currency      string  `json:"currency"`
	Reused        bool    `json:"reused"`
}

// Outcome is one reconciled transition, applied by the store as a unit.
type Outcome struct {
	PaymentID     string
	OrderID       string
	From          Status
	To            Status
	FailureReason string
	// IntentID is back-filled onto the payment when non-empty.
	IntentID     string
	Payload      json.RawMessage
	OrderFrom    orders.Status
	OrderTo      orders.Status // equal to OrderFrom leaves order status untouched
	OrderPayment orders.PaymentStatus
}

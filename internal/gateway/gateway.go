// Package gateway is the boundary to the payment processor: creating payment
// intents and hosted checkout sessions, reading their state back, and turning
// signed webhook deliveries into typed events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrVerification means the webhook signature did not match the shared
	// secret. Such payloads must never reach business logic.
	ErrVerification = errors.New("webhook signature verification failed")
	// ErrMalformedEvent means the payload was authentic but unparseable.
	ErrMalformedEvent = errors.New("malformed gateway event")
	// ErrUnavailable is transient: timeouts, 5xx, rate limiting, open breaker.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is a permanent refusal by the processor (4xx).
	ErrRejected = errors.New("payment gateway rejected request")
)

// MetadataOrderID binds every gateway object to the local order.
const MetadataOrderID = "order_id"

type EventKind string

const (
	EventIntentSucceeded  EventKind = "payment_intent.succeeded"
	EventIntentFailed     EventKind = "payment_intent.payment_failed"
	EventIntentProcessing EventKind = "payment_intent.processing"
	EventIntentCanceled   EventKind = "payment_intent.canceled"
	EventSessionCompleted EventKind = "checkout.session.completed"
	EventSessionExpired   EventKind = "checkout.session.expired"
)

// Event is a verified webhook delivery reduced to what reconciliation needs.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Created   time.Time `json:"created"`
	IntentID  string    `json:"intent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"` // from metadata
	// Status is the intent status for intent events and the session payment
	// status (paid, unpaid, no_payment_required) for session events.
	Status        string          `json:"status,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Object        json.RawMessage `json:"object,omitempty"`
}

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

type Intent struct {
	ID            string
	ClientSecret  string
	Status        IntentStatus
	AmountCents   int64
	Currency      string
	FailureReason string
	Raw           json.RawMessage
}

const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"

	SessionPaid              = "paid"
	SessionUnpaid            = "unpaid"
	SessionNoPaymentRequired = "no_payment_required"
)

type Session struct {
	ID            string
	URL           string
	IntentID      string
	Status        string // open | complete | expired
	PaymentStatus string // paid | unpaid | no_payment_required
	Raw           json.RawMessage
}

type LineItem struct {
	Name            string
	Description     string
	UnitAmountCents int64
	Quantity        int64
}

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

type SessionRequest struct {
	AmountCents    int64
	Currency       string
	CustomerEmail  string
	LineItems      []LineItem
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

type Client interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	RetrieveSession(ctx context.Context, id string) (*Session, error)
	CancelIntent(ctx context.Context, id string) (*Intent, error)
	// ExpireSession closes an open checkout session so it can no longer be paid.
	ExpireSession(ctx context.Context, id string) (*Session, error)
	VerifyAndParseEvent(payload []byte, sigHeader, secret string) (Event, error)
}

package orders

import (
	"encoding/json"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"strconv"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrderConfirmed = "OrderConfirmed"
	EventPaymentFailed  = "PaymentFailed"
	EventOrderAdvanced  = "OrderAdvanced"
)

const EventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string      `json:"order_id"`
	ExternalID string      `json:"external_id,omitempty"`
	Email      string      `json:"email"`
	Items      []ItemPrice `json:"items"`
	TotalCents int64       `json:"total_cents"`
	Currency   string      `json:"currency"`
}

type OrderCancelledPayload struct {
	OrderID       string `json:"order_id"`
	PreviousState Status `json:"previous_state"`
	ReleasedUnits int    `json:"released_units"`
}

type OrderConfirmedPayload struct {
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	CorrelationID string `json:"correlation_id"`
	Email         string `json:"email"`
	CustomerName  string `json:"customer_name"`
	TotalCents    int64  `json:"total_cents"`
	Currency      string `json:"currency"`
}

type PaymentFailedPayload struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

type OrderAdvancedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

func NewEnvelope(eventType, producer, orderID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  EventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
}

// Emit publishes an order event keyed by order id. A nil publisher drops it.
func Emit(p Publisher, producer, eventType, orderID string, payload any) {
	if p == nil {
		return
	}
	ev := NewEnvelope(eventType, producer, orderID, payload)
	p.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(eventType)},
		kafkago.Header{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(EventVersion))},
	)
}

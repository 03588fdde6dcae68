package payments

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/cenkalti/backoff/v5"
	kafkago "github.com/segmentio/kafka-go"
	"log/slog"
	"strconv"
	"time"
)

const (
	TopicGatewayEvents   = "payment.gateway.events"
	EventGatewayAccepted = "GatewayEventAccepted"
)

// Inbox durably accepts verified events for asynchronous application.
type Inbox interface {
	Accept(ctx context.Context, ev gateway.Event) error
}

// HandleWebhookEvent verifies a raw delivery and either hands it to the inbox
// or applies it inline. The returned error tells the caller whether the
// processor should deliver again: verification and parse failures are final,
// anything else is not.
func (e *Engine) HandleWebhookEvent(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := e.gw.VerifyAndParseEvent(payload, sigHeader, e.cfg.WebhookSecret)
	if err != nil {
		if errors.Is(err, gateway.ErrVerification) {
			e.log.Error("webhook rejected", "err", err)
		} else {
			e.log.Warn("webhook unreadable", "err", err)
		}
		return err
	}
	e.log.Info("webhook received", "event_id", ev.ID, "kind", ev.Kind, "intent_id", ev.IntentID, "session_id", ev.SessionID)

	if e.Inbox != nil {
		if err := e.Inbox.Accept(ctx, ev); err != nil {
			return fmt.Errorf("accept event %s: %w", ev.ID, err)
		}
		return nil
	}
	return e.ApplyEvent(ctx, ev)
}

// EventWriter is a synchronous, acknowledged publish.
type EventWriter interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

// KafkaInbox writes accepted events to TopicGatewayEvents keyed by order, so
// one consumer sees every event of an order in order.
type KafkaInbox struct {
	W        EventWriter
	Producer string
}

func (k *KafkaInbox) Accept(ctx context.Context, ev gateway.Event) error {
	key := ev.OrderID
	if key == "" {
		key = ev.IntentID
	}
	if key == "" {
		key = ev.SessionID
	}
	env := orders.NewEnvelope(EventGatewayAccepted, k.Producer, ev.OrderID, ev)
	env.EventID = ev.ID
	return k.W.Publish(ctx, []byte(key), kafkax.MustMarshal(env),
		kafkago.Header{Key: kafkax.HeaderEventType, Value: []byte(EventGatewayAccepted)},
		kafkago.Header{Key: kafkax.HeaderEventVersion, Value: []byte(strconv.Itoa(orders.EventVersion))},
	)
}

// Dedup remembers processed gateway event ids.
type Dedup interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// Applier consumes accepted events and applies them to the engine.
type Applier struct {
	Engine *Engine
	Dedup  Dedup // optional
	Log    *slog.Logger
	// MaxElapsed bounds in-process retries of transient failures.
	MaxElapsed time.Duration
}

func (a *Applier) HandleMessage(ctx context.Context, m kafkago.Message) error {
	log := logx.Or(a.Log)
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		log.Error("poison gateway message dropped", "offset", m.Offset, "err", err)
		return nil
	}
	ev, err := kafkax.UnwrapPayload[gateway.Event](env.Payload)
	if err != nil || ev.ID == "" {
		log.Error("poison gateway message dropped", "offset", m.Offset, "event_id", env.EventID, "err", err)
		return nil
	}

	if a.Dedup != nil {
		seen, err := a.Dedup.Seen(ctx, ev.ID)
		if err != nil {
			log.Warn("dedup lookup failed, applying anyway", "event_id", ev.ID, "err", err)
		} else if seen {
			log.Debug("gateway event already applied", "event_id", ev.ID)
			return nil
		}
	}

	maxElapsed := a.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := a.Engine.ApplyEvent(ctx, ev)
		if err == nil {
			return struct{}{}, nil
		}
		if transient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxElapsed))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !transient(err) {
			log.Error("gateway event dropped", "event_id", ev.ID, "kind", ev.Kind, "err", err)
			return nil
		}
		return fmt.Errorf("apply event %s: %w", ev.ID, err)
	}

	if a.Dedup != nil {
		if err := a.Dedup.Mark(ctx, ev.ID); err != nil {
			log.Warn("dedup mark failed", "event_id", ev.ID, "err", err)
		}
	}
	return nil
}

func transient(err error) bool {
	return errors.Is(err, orders.ErrPersistence) || errors.Is(err, gateway.ErrUnavailable)
}

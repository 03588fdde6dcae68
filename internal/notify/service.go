// Package notify sends order confirmation messages for OrderConfirmed events.
package notify

import (
	"context"
	"fmt"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"log/slog"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct{ Log *slog.Logger }

func (l LogMailer) Send(_ context.Context, m Message) error {
	logx.Or(l.Log).Info("notification sent", "to", m.To, "subject", m.Subject)
	return nil
}

// Claimer is satisfied by redisx.Dedup.
type Claimer interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type Service struct {
	Mailer     Mailer
	Dedup      Claimer // optional
	AdminEmail string
	Log        *slog.Logger
}

// HandleOrderConfirmed is installed as a consumer handler on the order
// lifecycle topic. Other event types are skipped.
func (s *Service) HandleOrderConfirmed(ctx context.Context, m kafkago.Message) error {
	log := logx.Or(s.Log)
	if t := kafkax.Header(m, kafkax.HeaderEventType); t != "" && t != orders.EventOrderConfirmed {
		return nil
	}
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		log.Error("undecodable lifecycle message dropped", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventOrderConfirmed {
		return nil
	}
	p, err := kafkax.UnwrapPayload[orders.OrderConfirmedPayload](env.Payload)
	if err != nil {
		log.Error("undecodable OrderConfirmed dropped", "event_id", env.EventID, "err", err)
		return nil
	}

	if s.Dedup != nil {
		first, err := s.Dedup.Claim(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", env.EventID, err)
		}
		if !first {
			log.Debug("confirmation already sent", "event_id", env.EventID, "order_id", p.OrderID)
			return nil
		}
	}

	if err := s.send(ctx, p); err != nil {
		if s.Dedup != nil {
			if rerr := s.Dedup.Release(ctx, env.EventID); rerr != nil {
				log.Warn("release dedup claim", "event_id", env.EventID, "err", rerr)
			}
		}
		return err
	}
	log.Info("order confirmation notified", "order_id", p.OrderID, "event_id", env.EventID)
	return nil
}

func (s *Service) send(ctx context.Context, p orders.OrderConfirmedPayload) error {
	total := orders.FormatCents(p.TotalCents) + " " + p.Currency
	customer := Message{
		To:      p.Email,
		Subject: "Order confirmed: " + p.OrderID,
		Body:    fmt.Sprintf("Hi %s, we received your payment of %s. Your order %s is confirmed.", p.CustomerName, total, p.OrderID),
	}
	if err := s.Mailer.Send(ctx, customer); err != nil {
		return fmt.Errorf("notify customer of %s: %w", p.OrderID, err)
	}
	if s.AdminEmail == "" {
		return nil
	}
	admin := Message{
		To:      s.AdminEmail,
		Subject: "New paid order " + p.OrderID,
		Body:    fmt.Sprintf("Order %s from %s <%s> paid %s (payment %s).", p.OrderID, p.CustomerName, p.Email, total, p.PaymentID),
	}
	if err := s.Mailer.Send(ctx, admin); err != nil {
		return fmt.Errorf("notify admin of %s: %w", p.OrderID, err)
	}
	return nil
}

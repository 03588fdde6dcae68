package kafka

import (
	"context"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/segmentio/kafka-go"
	"log/slog"
	"time"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// Producer publishes fire-and-forget through a buffered inbox; write errors
// are logged, never returned to the caller.
type Producer struct {
	w       *kafka.Writer
	log     *slog.Logger
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int, log *slog.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		log:     logx.Or(log).With("topic", topic),
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				// flush what is buffered
				for {
					select {
					case m := <-p.inbox:
						p.write(m)
					default:
						if err := p.w.Close(); err != nil {
							p.log.Error("close kafka writer", "err", err)
						}
						return
					}
				}
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Error("publish failed", "key", string(m.Key), "err", err)
	}
}

func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	p.inbox <- kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
}

// WaitClosed blocks until the inbox is flushed after the Start context ends.
func (p *Producer) WaitClosed() { <-p.closeCh }

// SyncWriter publishes and waits for the broker acknowledgement.
type SyncWriter struct {
	w *kafka.Writer
}

func NewSyncWriter(brokers []string, topic string) *SyncWriter {
	return &SyncWriter{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (s *SyncWriter) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return s.w.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers})
}

func (s *SyncWriter) Close() error { return s.w.Close() }

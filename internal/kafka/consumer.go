package kafka

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"log/slog"
	"sync"
	"time"
)

// Handler must return nil only when the message is done and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r       *kafka.Reader
	workers int
	log     *slog.Logger
	// MaxElapsed bounds the retries of one message before the consumer stops.
	MaxElapsed time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int, log *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		workers:    workers,
		log:        logx.Or(log).With("topic", topic, "group", group),
		MaxElapsed: 2 * time.Minute,
	}
}

// Start reads until ctx ends. Messages of one partition always go to the same
// worker, so events of one order are handled in order. A message whose
// handler keeps failing is not committed; Start returns its error and the
// group redelivers it after restart.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if err := c.handle(ctx, h, m); err != nil {
					cancel(err)
					return
				}
			}
		}(jobs[i])
	}
	closeAll := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			closeAll()
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				return cause
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			closeAll()
			if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
				return cause
			}
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := h(ctx, m); err != nil {
			c.log.Warn("handler failed, retrying", "partition", m.Partition, "offset", m.Offset, "err", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(c.MaxElapsed))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("giving up on message", "partition", m.Partition, "offset", m.Offset, "err", err)
		return err
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Error("commit failed", "partition", m.Partition, "offset", m.Offset, "err", err)
		return err
	}
	return nil
}

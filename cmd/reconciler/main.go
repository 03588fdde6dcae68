package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/config"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/notify"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/postgres"
	"github.com/ariefcatur/go-order-reconciler/internal/redisx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// The reconciler applies gateway events accepted by the API and sends order
// confirmations. It needs the shared Postgres store and Kafka.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logx.Setup(cfg.Log.Level, cfg.Log.Format, cfg.ServiceName+"-reconciler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("reconciler stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Store != config.StorePostgres {
		return errors.New("reconciler requires STORE=postgres")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("reconciler requires KAFKA_BROKERS")
	}
	if cfg.Stripe.SecretKey == "" {
		return errors.New("reconciler requires STRIPE_SECRET_KEY")
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := &redisx.StatusCache{R: rdb, Log: log}

	prodCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()
	lifecycle := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderLifecycle, 1024, log)
	lifecycle.Start(prodCtx)

	gw := gateway.Guard(gateway.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.Timeout),
		gateway.GuardOptions{Name: "stripe", Timeout: cfg.Stripe.Timeout})
	repo := &orders.Repo{DB: db}
	engine := payments.NewEngine(payments.Config{
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Payments.Currency,
		FrontendURL:   cfg.Payments.FrontendURL,
		Producer:      cfg.ServiceName + "-reconciler",
	}, &payments.Repo{DB: db}, repo, gw, log)
	engine.Events = lifecycle
	engine.Cache = cache

	applier := &payments.Applier{
		Engine: engine,
		Dedup:  &redisx.Dedup{R: rdb, Consumer: cfg.Worker.Group},
		Log:    log,
	}
	notifier := &notify.Service{
		Mailer:     notify.LogMailer{Log: log},
		Dedup:      &redisx.Dedup{R: rdb, Consumer: cfg.Worker.Group + "-notify"},
		AdminEmail: cfg.Notify.AdminEmail,
		Log:        log,
	}

	events := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Worker.Group, payments.TopicGatewayEvents, cfg.Worker.Concurrency, log)
	confirmations := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Worker.Group+"-notify", orders.TopicOrderLifecycle, cfg.Worker.Concurrency, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("applying gateway events", "topic", payments.TopicGatewayEvents, "workers", cfg.Worker.Concurrency)
		return events.Start(gctx, applier.HandleMessage)
	})
	g.Go(func() error {
		log.Info("sending order confirmations", "topic", orders.TopicOrderLifecycle)
		return confirmations.Start(gctx, notifier.HandleOrderConfirmed)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stopProducer()
	lifecycle.WaitClosed()
	return err
}
